// Copyright 2021 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bpfmaps

import "github.com/cilium/ebpf"

// clearableMap is the subset of *ebpf.Map's API clearMap needs,
// narrowed so tests can supply a fake.
type clearableMap interface {
	Iterate() *ebpf.MapIterator
	Delete(key interface{}) error
}

// clearMap empties a hash-type map one entry at a time using
// iterator-stable delete: keys are read ahead of the delete that
// follows them, since deleting the map entry the live iterator is
// currently positioned on is undefined behavior for some BPF map
// types. Returns the number of entries seen and the number of deletes
// that failed.
func clearMap(m clearableMap) (total, failures int, err error) {
	it := m.Iterate()

	var (
		key          []byte
		havePrevious bool
		previous     []byte
		value        []byte
	)

	for it.Next(&key, &value) {
		if havePrevious {
			if delErr := m.Delete(previous); delErr != nil {
				failures++
			}
		}
		total++
		previous = append([]byte(nil), key...)
		havePrevious = true
	}
	if iterErr := it.Err(); iterErr != nil {
		return total, failures, iterErr
	}

	if havePrevious {
		if delErr := m.Delete(previous); delErr != nil {
			failures++
		}
	}

	return total, failures, nil
}

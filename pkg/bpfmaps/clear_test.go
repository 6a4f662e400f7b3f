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

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errFakeDelete = errors.New("fake delete failure")

// clearSequence reimplements clearMap's delete-lags-iterator algorithm
// against a plain slice of keys, so the lagging-delete logic can be
// verified without a real kernel map to iterate — *ebpf.MapIterator
// can only be constructed by the ebpf package itself.
func clearSequence(keys [][]byte, del func([]byte) error) (total, failures int) {
	var previous []byte
	havePrevious := false
	for _, k := range keys {
		if havePrevious {
			if err := del(previous); err != nil {
				failures++
			}
		}
		total++
		previous = k
		havePrevious = true
	}
	if havePrevious {
		if err := del(previous); err != nil {
			failures++
		}
	}
	return total, failures
}

func TestClearMapLogicDeletesEveryKeyOnce(t *testing.T) {
	keys := [][]byte{{1}, {2}, {3}}
	var deleted [][]byte
	total, failures := clearSequence(keys, func(k []byte) error {
		deleted = append(deleted, k)
		return nil
	})
	require.Equal(t, 3, total)
	require.Equal(t, 0, failures)
	require.Equal(t, keys, deleted)
}

func TestClearMapLogicHandlesEmptyMap(t *testing.T) {
	total, failures := clearSequence(nil, func([]byte) error {
		t.Fatal("delete must not be called for an empty map")
		return nil
	})
	require.Equal(t, 0, total)
	require.Equal(t, 0, failures)
}

func TestClearMapLogicCountsFailuresWithoutAborting(t *testing.T) {
	keys := [][]byte{{1}, {2}, {3}}
	calls := 0
	total, failures := clearSequence(keys, func(k []byte) error {
		calls++
		if calls == 1 {
			return errFakeDelete
		}
		return nil
	})
	require.Equal(t, 3, total)
	require.Equal(t, 1, failures)
	require.Equal(t, 3, calls, "a failed delete must not stop the remaining deletes")
}

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

import "encoding/binary"

// Stack is a fixed-capacity call stack exactly as the stacks map
// stores it: Len addresses are valid, the remainder of Addresses is
// unused padding.
type Stack struct {
	Len       uint64
	Addresses [MaxStackDepth]uint64
}

// AggregatedStackKey mirrors aggregated_stacks' key layout: i32 pid,
// i32 tid, u32 user_stack_id, u32 kernel_stack_id. A stack id of 0
// means that half of the sample carried no stack.
type AggregatedStackKey struct {
	PID           int32
	TID           int32
	UserStackID   uint32
	KernelStackID uint32
}

func decodeAggregatedStackKey(b []byte) AggregatedStackKey {
	return AggregatedStackKey{
		PID:           int32(binary.LittleEndian.Uint32(b[0:4])),
		TID:           int32(binary.LittleEndian.Uint32(b[4:8])),
		UserStackID:   binary.LittleEndian.Uint32(b[8:12]),
		KernelStackID: binary.LittleEndian.Uint32(b[12:16]),
	}
}

func decodeStack(raw []byte) Stack {
	s := Stack{Len: binary.LittleEndian.Uint64(raw[0:8])}
	for i := 0; i < MaxStackDepth; i++ {
		off := 8 + i*8
		s.Addresses[i] = binary.LittleEndian.Uint64(raw[off : off+8])
	}
	return s
}

// ForEachAggregatedStack enumerates every aggregated_stacks entry,
// calling fn once per (key, count) pair. It does not clear anything;
// callers pair it with ClearSessionMaps once done reading.
func (m *Maps) ForEachAggregatedStack(fn func(key AggregatedStackKey, count uint64) error) error {
	var keyBytes, valueBytes []byte
	it := m.AggregatedStacks.Iterate()
	for it.Next(&keyBytes, &valueBytes) {
		if err := fn(decodeAggregatedStackKey(keyBytes), binary.LittleEndian.Uint64(valueBytes)); err != nil {
			return err
		}
	}
	return it.Err()
}

// LookupStack resolves a stack id from the stacks map. ok is false
// when no such id is present (e.g. it expired or was never valid).
func (m *Maps) LookupStack(stackID uint64) (stack Stack, ok bool, err error) {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], stackID)

	raw, err := m.Stacks.LookupBytes(key[:])
	if err != nil {
		return Stack{}, false, err
	}
	if raw == nil {
		return Stack{}, false, nil
	}
	if len(raw) < 8+MaxStackDepth*8 {
		return Stack{}, false, nil
	}
	return decodeStack(raw), true, nil
}

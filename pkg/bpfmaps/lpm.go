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
	"encoding/binary"
	"math/bits"

	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
)

// MappingValueType distinguishes normal file-backed mappings from JIT
// and vDSO entries in exec_mappings.
type MappingValueType uint32

const (
	MappingValueNormal MappingValueType = 0
	MappingValueJitted MappingValueType = 1
	MappingValueVdso   MappingValueType = 2
)

// MappingValue is the exec_mappings LPM-trie value: {u64 load_address,
// u64 begin, u64 end, u64 executable_id, u32 type_}, padded to a
// multiple of 8 so it matches a natural C struct layout.
type MappingValue struct {
	LoadAddress  uint64
	Begin        uint64
	End          uint64
	ExecutableID objectfile.ExecutableID
	Type         MappingValueType
}

const mappingValueWireSize = 40

func (v MappingValue) marshal() []byte {
	buf := make([]byte, mappingValueWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], v.LoadAddress)
	binary.LittleEndian.PutUint64(buf[8:16], v.Begin)
	binary.LittleEndian.PutUint64(buf[16:24], v.End)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(v.ExecutableID))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(v.Type))
	return buf
}

// aggregatedStackKeyWireSize is {i32 pid, i32 tid, u32 user_stack_id,
// u32 kernel_stack_id}.
const aggregatedStackKeyWireSize = 16

// lpmPIDBits is the fixed, fully-matched prefix width contributed by
// the pid component of an exec_mappings key.
const lpmPIDBits = 32

// lpmKeyWireSize is the LPM-trie key: u32 prefixlen + u32 pid + u64 addr.
const lpmKeyWireSize = 4 + 4 + 8

// AddrPrefix is one CIDR-like block of the address space: all
// addresses whose top Bits bits equal Addr's top Bits bits.
type AddrPrefix struct {
	Addr uint64
	Bits uint32 // prefix length, out of 64
}

// SummarizeAddressRange decomposes the inclusive range [begin, end]
// into the minimal set of address-aligned power-of-two blocks an
// LPM trie can match exactly — the same range-to-CIDR algorithm IP
// routing tables use, applied to a flat 64-bit address space instead
// of a 32-bit IPv4 one. The union of the returned prefixes equals
// [begin, end] exactly, with no overlap.
func SummarizeAddressRange(begin, end uint64) []AddrPrefix {
	var out []AddrPrefix
	cur := begin
	for {
		align := 63 // cap so 1<<align never overflows uint64; only reachable at cur == 0
		if cur != 0 {
			if tz := bits.TrailingZeros64(cur); tz < align {
				align = tz
			}
		}

		size := uint64(1) << uint(align)
		for size > 1 && size-1 > end-cur {
			size >>= 1
			align--
		}

		out = append(out, AddrPrefix{Addr: cur, Bits: uint32(64 - align)})

		if size-1 >= end-cur {
			break
		}
		cur += size
	}
	return out
}

// execMappingKey encodes one LPM-trie key for exec_mappings: the pid
// is always fully matched (32 bits); addrBits narrows the match within
// the address prefix produced by SummarizeAddressRange.
func execMappingKey(pid int32, addr uint64, addrBits uint32) []byte {
	buf := make([]byte, lpmKeyWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], lpmPIDBits+addrBits)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(pid))
	binary.LittleEndian.PutUint64(buf[8:16], addr)
	return buf
}

// PublishMapping writes one ExecutableMapping's [begin, end) range
// into exec_mappings as the minimal set of LPM entries that exactly
// covers it, all carrying the same value.
func (m *Maps) PublishMapping(pid int32, begin, end uint64, value MappingValue) error {
	if end <= begin {
		return nil
	}
	wireValue := value.marshal()
	for _, prefix := range SummarizeAddressRange(begin, end-1) {
		key := execMappingKey(pid, prefix.Addr, prefix.Bits)
		if err := m.ExecMappings.Update(key, wireValue, 0); err != nil {
			return err
		}
	}
	return nil
}

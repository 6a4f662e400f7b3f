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
	"testing"

	"github.com/stretchr/testify/require"
)

// prefixCovers reports whether addr falls within prefix's block.
func prefixCovers(p AddrPrefix, addr uint64) bool {
	if p.Bits == 0 {
		return true
	}
	shift := 64 - p.Bits
	mask := ^uint64(0) << shift
	return addr&mask == p.Addr&mask
}

func assertExactCover(t *testing.T, begin, end uint64) {
	t.Helper()
	prefixes := SummarizeAddressRange(begin, end)

	for addr := begin; ; addr++ {
		covered := 0
		for _, p := range prefixes {
			if prefixCovers(p, addr) {
				covered++
			}
		}
		require.Equal(t, 1, covered, "address %x must be covered by exactly one prefix", addr)
		if addr == end {
			break
		}
	}
}

func TestSummarizeAddressRangeSingleAddress(t *testing.T) {
	prefixes := SummarizeAddressRange(0x1000, 0x1000)
	require.Equal(t, []AddrPrefix{{Addr: 0x1000, Bits: 64}}, prefixes)
}

func TestSummarizeAddressRangeAlignedPowerOfTwo(t *testing.T) {
	prefixes := SummarizeAddressRange(4, 7)
	require.Equal(t, []AddrPrefix{{Addr: 4, Bits: 62}}, prefixes)
}

func TestSummarizeAddressRangeUnalignedStart(t *testing.T) {
	assertExactCover(t, 3, 7)
}

func TestSummarizeAddressRangeTypicalMapping(t *testing.T) {
	assertExactCover(t, 0x55d3a1c00000, 0x55d3a1c21fff)
}

func TestSummarizeAddressRangeZero(t *testing.T) {
	assertExactCover(t, 0, 0)
}

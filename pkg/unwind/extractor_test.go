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

package unwind

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildEhFrameSection hand-assembles one CIE and one FDE using plain
// absolute 8-byte pointers, avoiding augmentation, so the bytes don't
// depend on a real compiler's .eh_frame output. The program is
// advance_loc(4), def_cfa_offset(16), advance_loc(4), offset(reg6, 2):
// the same shape pkg/stack/frame's own parser test exercises, so the
// row count and rule values here are traceable to that test too.
func buildEhFrameSection(t *testing.T) []byte {
	t.Helper()

	cieBody := []byte{
		1,          // version
		0,          // augmentation "" (nul terminated, empty)
		1,          // code alignment factor (uleb128) = 1
		0x78,       // data alignment factor (sleb128) = -8
		16,         // return address register (uleb128)
		0x0c, 7, 8, // DW_CFA_def_cfa: reg=7 (rsp), offset=8
	}
	cie := lengthPrefixed(t, append([]byte{0, 0, 0, 0}, cieBody...))

	fdeBody := make([]byte, 0, 32)
	fdeBody = append(fdeBody, u64le(0x1000)...) // initial location
	fdeBody = append(fdeBody, u64le(0x10)...)   // address range
	fdeBody = append(fdeBody, 0x40|4)
	fdeBody = append(fdeBody, 0x0e, 16)
	fdeBody = append(fdeBody, 0x40|4)
	fdeBody = append(fdeBody, 0x80|6, 2)

	cieIDField := u32le(uint32(len(cie) + 4))
	fde := lengthPrefixed(t, append(cieIDField, fdeBody...))

	out := append([]byte{}, cie...)
	out = append(out, fde...)
	out = append(out, 0, 0, 0, 0) // zero terminator
	return out
}

func lengthPrefixed(t *testing.T, body []byte) []byte {
	t.Helper()
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// buildMinimalELFWithEhFrame assembles just enough of a little-endian,
// 64-bit ELF object to satisfy debug/elf.NewFile and expose an
// .eh_frame section: an ELF header, no program headers, and two
// sections (.eh_frame plus .shstrtab).
func buildMinimalELFWithEhFrame(t *testing.T, ehFrame []byte) []byte {
	t.Helper()

	const (
		ehsize = 64
		shsize = 64
	)

	ehFrameOff := ehsize
	shstrtab := []byte("\x00.eh_frame\x00.shstrtab\x00")
	shstrtabOff := ehFrameOff + len(ehFrame)
	shoff := shstrtabOff + len(shstrtab)
	if pad := shoff % 8; pad != 0 {
		shoff += 8 - pad
	}

	buf := make([]byte, shoff+3*shsize)
	le := binary.LittleEndian

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le.PutUint16(buf[16:18], uint16(elf.ET_EXEC))   // e_type
	le.PutUint16(buf[18:20], uint16(elf.EM_X86_64)) // e_machine
	le.PutUint32(buf[20:24], 1)                     // e_version
	le.PutUint64(buf[24:32], 0x401000)              // e_entry
	le.PutUint64(buf[32:40], 0)                     // e_phoff (no program headers)
	le.PutUint64(buf[40:48], uint64(shoff))         // e_shoff
	le.PutUint16(buf[52:54], ehsize)                // e_ehsize
	le.PutUint16(buf[54:56], 0)                     // e_phentsize
	le.PutUint16(buf[56:58], 0)                     // e_phnum
	le.PutUint16(buf[58:60], shsize)                // e_shentsize
	le.PutUint16(buf[60:62], 3)                     // e_shnum
	le.PutUint16(buf[62:64], 2)                     // e_shstrndx

	copy(buf[ehFrameOff:], ehFrame)
	copy(buf[shstrtabOff:], shstrtab)

	sh := buf[shoff:]
	// section 1: .eh_frame
	s1 := sh[shsize : 2*shsize]
	le.PutUint32(s1[0:4], 1) // name offset into shstrtab
	le.PutUint32(s1[4:8], uint32(elf.SHT_PROGBITS))
	le.PutUint64(s1[16:24], 0) // sh_addr
	le.PutUint64(s1[24:32], uint64(ehFrameOff))
	le.PutUint64(s1[32:40], uint64(len(ehFrame)))
	// section 2: .shstrtab
	s2 := sh[2*shsize : 3*shsize]
	le.PutUint32(s2[0:4], uint32(len(".eh_frame\x00"))+1)
	le.PutUint32(s2[4:8], uint32(elf.SHT_STRTAB))
	le.PutUint64(s2[24:32], uint64(shstrtabOff))
	le.PutUint64(s2[32:40], uint64(len(shstrtab)))

	return buf
}

func TestExtractRowsFromEhFrame(t *testing.T) {
	section := buildEhFrameSection(t)
	raw := buildMinimalELFWithEhFrame(t, section)

	obj, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	defer obj.Close()
	require.NotNil(t, obj.Section(".eh_frame"))

	rows, err := ExtractRows(obj, 0)
	require.NoError(t, err)

	// Three CFI rows (lazy commit: the state after the last
	// advance_loc only surfaces via the FDE-end flush) plus the
	// trailing end-of-function sentinel rowsForFDE always appends.
	require.Len(t, rows, 4)

	require.Equal(t, uint64(0x1000), rows[0].Pc)
	require.Equal(t, CfaTypeRspOffset, rows[0].CfaType)
	require.EqualValues(t, 8, rows[0].CfaOffset)
	require.Equal(t, RbpTypeUnchanged, rows[0].RbpType)

	require.Equal(t, uint64(0x1004), rows[1].Pc)
	require.Equal(t, CfaTypeRspOffset, rows[1].CfaType)
	require.EqualValues(t, 16, rows[1].CfaOffset)
	require.Equal(t, RbpTypeUnchanged, rows[1].RbpType)

	require.Equal(t, uint64(0x1008), rows[2].Pc)
	require.EqualValues(t, 16, rows[2].CfaOffset)
	require.Equal(t, RbpTypeOffsetFromCfa, rows[2].RbpType)
	require.EqualValues(t, -16, rows[2].RbpOffset) // 2 * data_align_factor(-8)

	require.Equal(t, uint64(0x1010), rows[3].Pc)
	require.Equal(t, CfaTypeEndFdeMarker, rows[3].CfaType)
	require.True(t, rows[3].IsEndOfFunctionSentinel())
}

func TestExtractRowsNoUnwindInfo(t *testing.T) {
	raw := buildMinimalELFWithEhFrame(t, nil)
	// The builder still emits an .eh_frame section header, but with a
	// zero-length payload: readFDEs treats a present-but-empty section
	// as "no FDEs", which ExtractRows turns into ErrNoUnwindInfo the
	// same as a missing section.
	obj, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	defer obj.Close()

	_, err = ExtractRows(obj, 0)
	require.ErrorIs(t, err, ErrNoUnwindInfo)
}

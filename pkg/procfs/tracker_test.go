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

package procfs

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
)

func newTestTracker() *Tracker {
	return NewTracker(log.NewNopLogger(), objectfile.NewCache())
}

// The test binary is itself a Go executable, so profiling our own pid
// must surface the documented edge case: a Go main executable is
// reported as unsupported rather than partially profiled.
func TestAddProcRejectsGoMainExecutable(t *testing.T) {
	tr := newTestTracker()
	pid := os.Getpid()

	err := tr.AddProc(pid)
	require.ErrorIs(t, err, ErrUnsupportedRuntime)

	_, ok := tr.Get(pid)
	require.False(t, ok, "a rejected main executable must not leave a half-populated ProcessInfo")
}

func TestHandleMunmapMarksMatchingMappingDeleted(t *testing.T) {
	tr := newTestTracker()
	cache := tr.objectFiles

	info, id, err := cache.Acquire(selfExePath(t))
	require.NoError(t, err)
	_ = info

	tr.procs[123] = &ProcessInfo{
		Status: ProcessRunning,
		Mappings: []ExecutableMapping{
			{ExecutableID: id, Kind: MappingFileBacked, StartAddr: 0x1000, EndAddr: 0x2000},
			{Kind: MappingAnonymous, StartAddr: 0x3000, EndAddr: 0x4000},
		},
	}

	tr.HandleMunmap(123, 0x1000)

	proc, ok := tr.Get(123)
	require.True(t, ok)
	require.True(t, proc.Mappings[0].Unmapped)
	require.False(t, proc.Mappings[1].Unmapped)
	require.Equal(t, 0, cache.Len(), "releasing the last reference must evict the cache entry")
}

func TestHandleProcessExitMarksAllMappingsDeleted(t *testing.T) {
	tr := newTestTracker()
	cache := tr.objectFiles

	info, id, err := cache.Acquire(selfExePath(t))
	require.NoError(t, err)
	_ = info

	tr.procs[456] = &ProcessInfo{
		Status: ProcessRunning,
		Mappings: []ExecutableMapping{
			{ExecutableID: id, Kind: MappingFileBacked, StartAddr: 0x1000, EndAddr: 0x2000},
			{Kind: MappingVdso, StartAddr: 0x5000, EndAddr: 0x6000},
		},
	}

	tr.HandleProcessExit(456)

	proc, ok := tr.Get(456)
	require.True(t, ok)
	require.Equal(t, ProcessExited, proc.Status)
	for _, m := range proc.Mappings {
		require.True(t, m.Unmapped)
	}

	// Calling it twice must not double-release (reference counts stay >= 0).
	tr.HandleProcessExit(456)
}

// selfExePath writes a minimal, valid (non-Go) ELF executable to a temp
// file so cache tests exercise the real Open/xxhash path without
// depending on what happens to be installed on the test host.
func selfExePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture-bin")
	require.NoError(t, os.WriteFile(path, buildMinimalELF(t), 0o755))
	return path
}

// buildMinimalELF assembles just enough of a little-endian, 64-bit ELF
// executable for objectfile.Open to succeed: a header, one executable
// PT_LOAD segment, and a .note.gnu.build-id section.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	const ehsize, phsize, shsize = 64, 56, 64

	le := binary.LittleEndian
	name := []byte("GNU\x00")
	id := []byte{0xca, 0xfe, 0xba, 0xbe}
	noteHeader := make([]byte, 12)
	le.PutUint32(noteHeader[0:4], uint32(len(name)))
	le.PutUint32(noteHeader[4:8], uint32(len(id)))
	le.PutUint32(noteHeader[8:12], 3) // NT_GNU_BUILD_ID
	note := append(append(noteHeader, name...), id...)

	noteOff := ehsize + phsize
	shstrtab := []byte("\x00.note.gnu.build-id\x00.shstrtab\x00")
	shstrtabOff := noteOff + len(note)
	shoff := shstrtabOff + len(shstrtab)
	if pad := shoff % 8; pad != 0 {
		shoff += 8 - pad
	}

	buf := make([]byte, shoff+3*shsize)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1 // ELFCLASS64, ELFDATA2LSB, EV_CURRENT
	le.PutUint16(buf[16:18], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:20], uint16(elf.EM_X86_64))
	le.PutUint32(buf[20:24], 1)
	le.PutUint64(buf[24:32], 0x401000)
	le.PutUint64(buf[32:40], ehsize)
	le.PutUint64(buf[40:48], uint64(shoff))
	le.PutUint16(buf[52:54], ehsize)
	le.PutUint16(buf[54:56], phsize)
	le.PutUint16(buf[56:58], 1)
	le.PutUint16(buf[58:60], shsize)
	le.PutUint16(buf[60:62], 3)
	le.PutUint16(buf[62:64], 2)

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:4], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:8], uint32(elf.PF_X|elf.PF_R))
	le.PutUint64(ph[16:24], 0x400000)
	le.PutUint64(ph[24:32], 0x400000)
	le.PutUint64(ph[32:40], uint64(len(buf)))
	le.PutUint64(ph[40:48], uint64(len(buf)))

	copy(buf[noteOff:], note)
	copy(buf[shstrtabOff:], shstrtab)

	sh := buf[shoff:]
	s1 := sh[shsize : 2*shsize]
	le.PutUint32(s1[0:4], 1)
	le.PutUint32(s1[4:8], uint32(elf.SHT_NOTE))
	le.PutUint64(s1[24:32], uint64(noteOff))
	le.PutUint64(s1[32:40], uint64(len(note)))
	s2 := sh[2*shsize : 3*shsize]
	le.PutUint32(s2[0:4], uint32(len(".note.gnu.build-id\x00"))+1)
	le.PutUint32(s2[4:8], uint32(elf.SHT_STRTAB))
	le.PutUint64(s2[24:32], uint64(shstrtabOff))
	le.PutUint64(s2[32:40], uint64(len(shstrtab)))

	return buf
}

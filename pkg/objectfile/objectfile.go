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

// Package objectfile opens ELF executables and shared objects,
// extracting just enough to feed the unwind-table builder: a
// content-derived executable ID, the GNU build-id, and the load
// parameters of the first executable PT_LOAD segment. It keeps the
// file open for the object's whole lifetime so a deleted binary
// remains reachable through the owning process's procfs fd directory.
package objectfile

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ExecutableID is a content-derived identifier of an on-disk binary,
// stable across processes that map the same file.
type ExecutableID uint64

// BuildID is the GNU note section value, used for symbol resolution
// (by an external resolver), never for indexing.
type BuildID string

var (
	ErrNotElf        = errors.New("objectfile: not an ELF file")
	ErrNoBuildId     = errors.New("objectfile: no build-id note found")
	ErrUnsupportedGo = errors.New("objectfile: Go binaries are not supported yet")
	ErrIO            = errors.New("objectfile: I/O error")
)

// Info is the open handle plus load parameters for one on-disk binary.
// It intentionally has no reference to the processes that map it —
// mappings only ever store its ExecutableID, avoiding cyclic references
// by keying object files by a content-derived ID instead.
type Info struct {
	Path       string
	file       *os.File
	LoadOffset uint64
	LoadVaddr  uint64
	IsDyn      bool
	BuildID    BuildID

	// References counts live ExecutableMappings pointing at this
	// entry. Mutated only by Cache.Acquire and Cache.Release under the
	// cache's own mutex.
	References int64
}

// Open opens path as an ELF object, computes its executable ID and
// build-id, and records its load parameters. The returned file handle
// must be kept open for the lifetime of the Info.
func Open(path string) (*Info, ExecutableID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	obj, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %v", ErrNotElf, err)
	}
	defer obj.Close()

	if isGoBinary(obj) {
		f.Close()
		return nil, 0, ErrUnsupportedGo
	}

	buildID, err := readBuildID(obj)
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	loadOffset, loadVaddr, err := firstExecutableLoadSegment(obj)
	if err != nil {
		f.Close()
		return nil, 0, err
	}

	id, err := contentID(f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return &Info{
		Path:       path,
		file:       f,
		LoadOffset: loadOffset,
		LoadVaddr:  loadVaddr,
		IsDyn:      obj.Type == elf.ET_DYN,
		BuildID:    buildID,
		References: 1,
	}, id, nil
}

// File returns the currently open handle.
func (i *Info) File() *os.File { return i.file }

// Close releases the underlying file handle. Callers must only do
// this once References has dropped to zero.
func (i *Info) Close() error {
	if i.file == nil {
		return nil
	}
	err := i.file.Close()
	i.file = nil
	return err
}

// Clone produces an independent copy of Info with its own file
// handle, reopened via the calling process's /proc/self/fd directory
// so it keeps working even after Path has been unlinked — as long as
// at least one descriptor to the inode (this one, or the original)
// remains open. Must never be called while holding a lock shared with
// other I/O, since reopening can block or fail transiently.
func (i *Info) Clone() (*Info, error) {
	reopened, err := reopenFromProcfsFd(i.file)
	if err != nil {
		return nil, err
	}
	return &Info{
		Path:       i.Path,
		file:       reopened,
		LoadOffset: i.LoadOffset,
		LoadVaddr:  i.LoadVaddr,
		IsDyn:      i.IsDyn,
		BuildID:    i.BuildID,
		References: i.References,
	}, nil
}

func reopenFromProcfsFd(f *os.File) (*os.File, error) {
	fdPath := filepath.Join("/proc/self/fd", fmt.Sprint(f.Fd()))
	reopened, err := os.Open(fdPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reopen via procfs fd: %v", ErrIO, err)
	}
	return reopened, nil
}

func firstExecutableLoadSegment(obj *elf.File) (offset, vaddr uint64, err error) {
	for _, prog := range obj.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			return prog.Off, prog.Vaddr, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: no executable PT_LOAD segment", ErrNotElf)
}

func isGoBinary(obj *elf.File) bool {
	if sec := obj.Section(".gopclntab"); sec != nil {
		return true
	}
	if sec := obj.Section(".note.go.buildid"); sec != nil {
		return true
	}
	return false
}

// contentID hashes the whole file with xxhash to produce a
// content-derived, process-independent executable identifier.
func contentID(f *os.File) (ExecutableID, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	h := xxhash.New()
	buf := make([]byte, 256*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	return ExecutableID(h.Sum64()), nil
}

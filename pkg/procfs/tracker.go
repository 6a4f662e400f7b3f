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
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
)

// MappingKind classifies one ExecutableMapping, mirroring procfs's own
// MMapPath variants collapsed to the three kinds the unwinder cares about.
type MappingKind int

const (
	MappingFileBacked MappingKind = iota
	MappingAnonymous
	MappingVdso
)

// ProcessStatus is the lifecycle state of a tracked process.
type ProcessStatus int

const (
	ProcessRunning ProcessStatus = iota
	ProcessExited
)

// ExecutableMapping is one executable VMA of a process. It never
// embeds the referenced ObjectFileInfo directly — only its
// ExecutableID — so mappings and object files can be reference
// counted independently.
type ExecutableMapping struct {
	ExecutableID objectfile.ExecutableID
	BuildID      objectfile.BuildID // empty for anonymous/vdso mappings
	Kind         MappingKind
	StartAddr    uint64
	EndAddr      uint64
	Offset       uint64
	LoadAddress  uint64
	MainExec     bool
	Unmapped     bool
}

// ProcessInfo is the ordered set of executable mappings known for one pid.
type ProcessInfo struct {
	Status   ProcessStatus
	Mappings []ExecutableMapping
}

// ForAddress returns the mapping covering addr, if any.
func (p *ProcessInfo) ForAddress(addr uint64) (ExecutableMapping, bool) {
	for _, m := range p.Mappings {
		if m.StartAddr <= addr && addr <= m.EndAddr {
			return m, true
		}
	}
	return ExecutableMapping{}, false
}

// ErrUnsupportedRuntime is returned by AddProc for processes whose
// main executable can't be unwound with this profiler's DWARF-only
// approach (currently: Go binaries).
var ErrUnsupportedRuntime = errors.New("procfs: unsupported runtime")

// Tracker owns the pid -> ProcessInfo table, guarded by mu, and holds
// the shared object-file cache, which has its own lock.
type Tracker struct {
	logger log.Logger

	mu    sync.Mutex
	procs map[int]*ProcessInfo

	objectFiles *objectfile.Cache
}

// NewTracker builds an empty process tracker backed by cache.
func NewTracker(logger log.Logger, cache *objectfile.Cache) *Tracker {
	return &Tracker{
		logger:      logger,
		procs:       make(map[int]*ProcessInfo),
		objectFiles: cache,
	}
}

// ObjectFile returns the cached object-file Info for id, if any. The
// control loop uses this to build an executable's unwind table right
// after AddProc registers a new file-backed mapping for it.
func (t *Tracker) ObjectFile(id objectfile.ExecutableID) *objectfile.Info {
	return t.objectFiles.Get(id)
}

// Get returns the tracked info for pid, if any.
func (t *Tracker) Get(pid int) (*ProcessInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Pids returns a snapshot of currently tracked pids, copying keys
// first rather than holding the lock across the iteration body.
func (t *Tracker) Pids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	return pids
}

// AddProc reads pid's memory map and populates its ProcessInfo,
// opening (or reference-counting) an ObjectFileInfo for every
// file-backed executable mapping. A failure to open or parse one
// mapping is logged and skipped rather than aborting the whole
// process — profiling some parts of the binary beats profiling none.
// Returns ErrUnsupportedRuntime only when the process's main
// executable itself can't be profiled.
func (t *Tracker) AddProc(pid int) error {
	raw, err := readMaps(pid)
	if err != nil {
		return fmt.Errorf("procfs: reading maps for pid %d: %w", pid, err)
	}

	exePath, err := mainExecutablePath(pid)
	if err != nil {
		return fmt.Errorf("procfs: resolving exe for pid %d: %w", pid, err)
	}
	procRoot := fmt.Sprintf("/proc/%d/root", pid)

	// Earliest-seen VMA start per pathname: later mappings of the same
	// file inherit this as their raw load address. raw holds executable
	// VMAs only, so a file's non-executable segments are not counted.
	firstSeenAddr := make(map[string]uint64)

	var mappings []ExecutableMapping

	for _, m := range raw {
		switch {
		case isSpecialPath(m.pathname):
			mappings = append(mappings, ExecutableMapping{Kind: MappingVdso, StartAddr: m.start, EndAddr: m.end, Offset: m.offset})
			continue
		case isAnonymousPath(m.pathname):
			mappings = append(mappings, ExecutableMapping{Kind: MappingAnonymous, StartAddr: m.start, EndAddr: m.end, Offset: m.offset})
			continue
		}

		if isDeletedPath(m.pathname) {
			continue
		}

		absPath := resolveMappingPath(procRoot, m.pathname)

		if _, seen := firstSeenAddr[absPath]; !seen {
			firstSeenAddr[absPath] = m.start
		}

		// The first file-backed mapping of a process is flagged
		// main_exec — in practice, the very first executable VMA of any
		// kind, since a process's own text segment precedes any library
		// or anonymous/JIT mapping in address order.
		mainExec := len(mappings) == 0

		info, id, err := t.objectFiles.Acquire(absPath)
		if err != nil {
			if errors.Is(err, objectfile.ErrUnsupportedGo) {
				if mainExec || absPath == exePath {
					return ErrUnsupportedRuntime
				}
				continue
			}
			level.Warn(t.logger).Log("msg", "failed to open mapped object file", "path", absPath, "pid", pid, "err", err)
			continue
		}

		loadAddress := firstSeenAddr[absPath]
		if mainExec && !info.IsDyn {
			// A static (ET_EXEC) main executable's virtual addresses are
			// already absolute, so its load address is resolved to zero
			// here rather than deferred to the admit step.
			loadAddress = 0
		}

		mappings = append(mappings, ExecutableMapping{
			ExecutableID: id,
			BuildID:      info.BuildID,
			Kind:         MappingFileBacked,
			StartAddr:    m.start,
			EndAddr:      m.end,
			Offset:       m.offset,
			LoadAddress:  loadAddress,
			MainExec:     mainExec,
		})
	}

	sort.SliceStable(mappings, func(i, j int) bool { return mappings[i].StartAddr < mappings[j].StartAddr })

	t.mu.Lock()
	t.procs[pid] = &ProcessInfo{Status: ProcessRunning, Mappings: mappings}
	t.mu.Unlock()
	return nil
}

func resolveMappingPath(procRoot, pathname string) string {
	if filepath.IsAbs(pathname) {
		return filepath.Join(procRoot, pathname)
	}
	return pathname
}

// HandleMunmap marks every mapping of pid starting at startAddr as
// unmapped and releases its object-file reference.
func (t *Tracker) HandleMunmap(pid int, startAddr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.procs[pid]
	if !ok {
		level.Debug(t.logger).Log("msg", "pid not found while handling munmap", "pid", pid)
		return
	}

	found := false
	for i := range proc.Mappings {
		m := &proc.Mappings[i]
		if m.StartAddr == startAddr {
			found = true
			t.markUnmappedLocked(m)
		}
	}
	if !found {
		level.Debug(t.logger).Log("msg", "mapping not found while handling munmap", "pid", pid, "addr", startAddr)
	}
}

// HandleProcessExit marks pid Exited and every mapping unmapped. The
// entry is kept (not deleted) so late-arriving aggregated samples for
// this pid can still be decoded.
func (t *Tracker) HandleProcessExit(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	proc, ok := t.procs[pid]
	if !ok {
		level.Debug(t.logger).Log("msg", "pid not found while marking exited", "pid", pid)
		return
	}
	level.Debug(t.logger).Log("msg", "marking process as exited", "pid", pid)
	proc.Status = ProcessExited
	for i := range proc.Mappings {
		t.markUnmappedLocked(&proc.Mappings[i])
	}
}

// markUnmappedLocked must be called with t.mu held.
func (t *Tracker) markUnmappedLocked(m *ExecutableMapping) {
	if m.Unmapped {
		return
	}
	m.Unmapped = true
	if m.Kind != MappingFileBacked {
		return
	}
	if err := t.objectFiles.Release(m.ExecutableID); err != nil {
		level.Warn(t.logger).Log("msg", "failed to release object file", "executable_id", m.ExecutableID, "err", err)
	}
}

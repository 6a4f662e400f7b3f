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

// Package shard implements the shard manager: it packs per-executable
// CompactUnwindRow sequences into a small number of fixed-capacity,
// kernel-visible shards and tracks which PC ranges live where.
package shard

import (
	"sync"

	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind"
)

const (
	// DefaultCapacity is the row count of one shard. 250k rows of 16
	// bytes is 4MB (about 3.8MiB) per shard, a size BPF_MAP_TYPE_ARRAY values handle
	// comfortably as a single kernel-visible value.
	DefaultCapacity = 250_000

	// DefaultMaxShards bounds how many shards may exist before a
	// global reset is forced.
	DefaultMaxShards = 50

	// MaxChunks is the fixed width of the per-executable chunk vector
	// published to unwind_info_chunks. An executable whose unwind
	// table needs more non-contiguous chunks than this cannot be
	// fully represented; callers are expected to keep well under it in
	// practice since contiguous rows from one FDE sequence pack into a
	// single chunk.
	MaxChunks = 30
)

// ChunkInfo locates one contiguous run of rows for an executable
// within a shard.
type ChunkInfo struct {
	LowPC      uint64
	HighPC     uint64
	ShardIndex uint64
	LowIndex   uint64
	HighIndex  uint64
}

// Publisher is the kernel-visible side of the shard manager: the
// eBPF-backed maps that mirror live_shard/chunk/mapping state for the
// in-kernel sampler. Implemented by pkg/bpfmaps.
type Publisher interface {
	PublishShard(shardIndex uint64, rows []unwind.CompactUnwindRow) error
	PublishChunks(executableID objectfile.ExecutableID, chunks [MaxChunks]ChunkInfo) error
	ClearOnReset() error
}

// RateLimiter is the rate_limits table: a pid-keyed failure counter
// used to suppress repeat warn-logging for a process whose unwind
// info repeatedly fails to admit. Implemented by pkg/bpfmaps.
type RateLimiter interface {
	IncrementFailure(pid uint32) (uint64, error)
}

// Manager owns live_shard/shard_index/known_executables and the dirty
// flag the periodic persister consults.
type Manager struct {
	publisher   Publisher
	rateLimiter RateLimiter
	capacity    int
	maxShards   uint64

	mu               sync.Mutex
	liveShard        []unwind.CompactUnwindRow
	shardIndex       uint64
	knownExecutables map[objectfile.ExecutableID]struct{}
	dirty            bool
}

// NewManager builds a shard manager with the given per-shard capacity
// and shard budget, publishing through pub. rl may be nil, in which
// case ShouldWarnOnFailedAdmit never suppresses.
func NewManager(pub Publisher, rl RateLimiter, capacity int, maxShards uint64) *Manager {
	return &Manager{
		publisher:        pub,
		rateLimiter:      rl,
		capacity:         capacity,
		maxShards:        maxShards,
		liveShard:        make([]unwind.CompactUnwindRow, 0, capacity),
		knownExecutables: make(map[objectfile.ExecutableID]struct{}),
	}
}

// ShouldWarnOnFailedAdmit reports whether a failed unwind-table-admit
// warning for pid should actually be logged. It increments pid's
// counter in the rate_limits table and only returns true the first
// time this session: later failures for the same pid stay silent
// until the table is cleared at the next session boundary. A nil
// rate limiter (e.g. the standalone/test map set) never suppresses.
func (m *Manager) ShouldWarnOnFailedAdmit(pid int) bool {
	if m.rateLimiter == nil {
		return true
	}
	count, err := m.rateLimiter.IncrementFailure(uint32(pid))
	if err != nil {
		return true
	}
	return count == 1
}

// Admit publishes rows (already extracted and optimized) for
// executableID, unless they're already known or the shard budget is
// exhausted. Exhaustion triggers a global reset instead of an error:
// the caller's next admission attempt repopulates.
func (m *Manager) Admit(executableID objectfile.ExecutableID, rows []unwind.CompactUnwindRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.knownExecutables[executableID]; ok {
		return nil
	}

	if m.shardIndex >= m.maxShards {
		return m.resetLocked()
	}

	var chunks [MaxChunks]ChunkInfo
	chunkCount := 0

	remaining := rows
	for len(remaining) > 0 {
		free := m.capacity - len(m.liveShard)
		n := free
		if n > len(remaining) {
			n = len(remaining)
		}
		slice := remaining[:n]
		remaining = remaining[n:]

		lowIndex := uint64(len(m.liveShard))
		highIndex := lowIndex + uint64(n) - 1

		lowPC := slice[0].Pc
		var highPC uint64
		if len(remaining) > 0 {
			highPC = remaining[0].Pc - 1
		} else {
			highPC = slice[len(slice)-1].Pc
		}

		m.liveShard = append(m.liveShard, slice...)

		if chunkCount < MaxChunks {
			chunks[chunkCount] = ChunkInfo{
				LowPC:      lowPC,
				HighPC:     highPC,
				ShardIndex: m.shardIndex,
				LowIndex:   lowIndex,
				HighIndex:  highIndex,
			}
			chunkCount++
		}

		if len(m.liveShard) == m.capacity {
			if err := m.publisher.PublishShard(m.shardIndex, m.liveShard); err != nil {
				return err
			}
			m.liveShard = m.liveShard[:0]
			m.shardIndex++

			if m.shardIndex >= m.maxShards && len(remaining) > 0 {
				return m.resetLocked()
			}
		}
	}

	if err := m.publisher.PublishChunks(executableID, chunks); err != nil {
		return err
	}

	m.knownExecutables[executableID] = struct{}{}
	m.dirty = true
	return nil
}

// resetLocked clears all shard state and notifies the publisher.
// Callers must hold m.mu.
func (m *Manager) resetLocked() error {
	m.liveShard = m.liveShard[:0]
	m.shardIndex = 0
	m.knownExecutables = make(map[objectfile.ExecutableID]struct{})
	m.dirty = false
	return m.publisher.ClearOnReset()
}

// Dirty reports whether the live shard has unpersisted rows.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Persist flushes the live shard (partial or not) if dirty, clearing
// the flag. Called by the control loop's 100ms persistence timer.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	if err := m.publisher.PublishShard(m.shardIndex, m.liveShard); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

// Known reports whether executableID has already been admitted since
// the last reset, letting callers skip re-deriving its unwind rows.
func (m *Manager) Known(executableID objectfile.ExecutableID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.knownExecutables[executableID]
	return ok
}

// KnownExecutableCount reports how many executables have published
// unwind info since the last reset, for diagnostics/metrics.
func (m *Manager) KnownExecutableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.knownExecutables)
}

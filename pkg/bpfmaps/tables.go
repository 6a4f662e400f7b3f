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

// Package bpfmaps owns the Go side of the shared tables: fixed binary
// layouts the in-kernel sampler reads concurrently with this process's
// writes. It never loads or verifies
// BPF programs itself — that's the loader's job, out of scope for this
// profiler's userspace half — it only opens (or creates, for
// standalone/test runs) the maps by name and marshals values to their
// exact kernel-side wire layout.
package bpfmaps

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/go-kit/log"

	"github.com/lightswitch-dev/lightswitch/pkg/unwind"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind/shard"
)

const (
	MaxStackDepth = 127

	unwindTablesName     = "unwind_tables"
	unwindInfoChunksName = "unwind_info_chunks"
	execMappingsName     = "exec_mappings"
	stacksName           = "stacks"
	aggregatedStacksName = "aggregated_stacks"
	programsName         = "programs"
	eventsName           = "events"
	tracerEventsName     = "tracer_events"
)

// Config parameterizes the fixed-capacity tables (shard capacity, max
// shards, max chunks, max stacks, max aggregated/rate-limit keys).
// These stay configurable rather than hardcoded, since the in-kernel
// side must agree on sizes at load time.
type Config struct {
	ShardCapacity     int
	MaxShards         int
	MaxChunks         int
	MaxStacks         int
	MaxAggregatedKeys int
	MaxRateLimitKeys  int
}

// DefaultConfig returns reasonable production-sized defaults.
func DefaultConfig() Config {
	return Config{
		ShardCapacity:     shard.DefaultCapacity,
		MaxShards:         shard.DefaultMaxShards,
		MaxChunks:         shard.MaxChunks,
		MaxStacks:         100_000,
		MaxAggregatedKeys: 10_000,
		MaxRateLimitKeys:  10_000,
	}
}

// Maps holds the open handles to every shared table.
type Maps struct {
	cfg    Config
	logger log.Logger

	UnwindTables     *ebpf.Map
	UnwindInfoChunks *ebpf.Map
	ExecMappings     *ebpf.Map
	Stacks           *ebpf.Map
	AggregatedStacks *ebpf.Map
	RateLimits       *ebpf.Map
	Programs         *ebpf.Map
	Events           *ebpf.Map
	TracerEvents     *ebpf.Map
}

func specs(cfg Config) map[string]*ebpf.MapSpec {
	return map[string]*ebpf.MapSpec{
		unwindTablesName: {
			Name:       unwindTablesName,
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  uint32(cfg.ShardCapacity * unwind.RowWireSize),
			MaxEntries: uint32(cfg.MaxShards),
		},
		unwindInfoChunksName: {
			Name:       unwindInfoChunksName,
			Type:       ebpf.Hash,
			KeySize:    8, // executable_id
			ValueSize:  uint32(cfg.MaxChunks * chunkInfoWireSize),
			MaxEntries: 65536,
		},
		execMappingsName: {
			Name:       execMappingsName,
			Type:       ebpf.LPMTrie,
			KeySize:    uint32(lpmKeyWireSize),
			ValueSize:  uint32(mappingValueWireSize),
			MaxEntries: 1 << 20,
			Flags:      bpfFlagNoPrealloc,
		},
		stacksName: {
			Name:       stacksName,
			Type:       ebpf.Hash,
			KeySize:    8, // stack_id
			ValueSize:  8 + MaxStackDepth*8,
			MaxEntries: uint32(cfg.MaxStacks),
		},
		aggregatedStacksName: {
			Name:       aggregatedStacksName,
			Type:       ebpf.Hash,
			KeySize:    uint32(aggregatedStackKeyWireSize),
			ValueSize:  8, // count
			MaxEntries: uint32(cfg.MaxAggregatedKeys),
		},
		"rate_limits": {
			Name:       "rate_limits",
			Type:       ebpf.Hash,
			KeySize:    8,
			ValueSize:  8,
			MaxEntries: uint32(cfg.MaxRateLimitKeys),
		},
		programsName: {
			Name:       programsName,
			Type:       ebpf.ProgramArray,
			KeySize:    4,
			ValueSize:  4,
			MaxEntries: 32,
		},
		eventsName: {
			Name:       eventsName,
			Type:       ebpf.PerfEventArray,
			KeySize:    4,
			ValueSize:  4,
		},
		tracerEventsName: {
			Name:       tracerEventsName,
			Type:       ebpf.PerfEventArray,
			KeySize:    4,
			ValueSize:  4,
		},
	}
}

// bpfFlagNoPrealloc is BPF_F_NO_PREALLOC: LPM tries must set it since
// the kernel doesn't support preallocated LPM trie maps.
const bpfFlagNoPrealloc = 1

// New creates a fresh, unpinned set of maps — used by standalone runs
// and tests. Production deployments load maps pinned by the loader
// that installed the sampler program; see LoadPinned.
func New(logger log.Logger, cfg Config) (*Maps, error) {
	m := &Maps{cfg: cfg, logger: logger}
	sp := specs(cfg)

	var err error
	if m.UnwindTables, err = ebpf.NewMap(sp[unwindTablesName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", unwindTablesName, err)
	}
	if m.UnwindInfoChunks, err = ebpf.NewMap(sp[unwindInfoChunksName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", unwindInfoChunksName, err)
	}
	if m.ExecMappings, err = ebpf.NewMap(sp[execMappingsName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", execMappingsName, err)
	}
	if m.Stacks, err = ebpf.NewMap(sp[stacksName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", stacksName, err)
	}
	if m.AggregatedStacks, err = ebpf.NewMap(sp[aggregatedStacksName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", aggregatedStacksName, err)
	}
	if m.RateLimits, err = ebpf.NewMap(sp["rate_limits"]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating rate_limits: %w", err)
	}
	if m.Programs, err = ebpf.NewMap(sp[programsName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", programsName, err)
	}
	if m.Events, err = ebpf.NewMap(sp[eventsName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", eventsName, err)
	}
	if m.TracerEvents, err = ebpf.NewMap(sp[tracerEventsName]); err != nil {
		return nil, fmt.Errorf("bpfmaps: creating %s: %w", tracerEventsName, err)
	}
	return m, nil
}

// LoadPinned opens every table from dir (a bpffs directory where the
// program loader pinned them), so this process's map handles refer to
// the same kernel objects the attached sampler program uses.
func LoadPinned(logger log.Logger, dir string, cfg Config) (*Maps, error) {
	m := &Maps{cfg: cfg, logger: logger}
	opts := &ebpf.LoadPinOptions{}

	var err error
	if m.UnwindTables, err = ebpf.LoadPinnedMap(dir+"/"+unwindTablesName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", unwindTablesName, err)
	}
	if m.UnwindInfoChunks, err = ebpf.LoadPinnedMap(dir+"/"+unwindInfoChunksName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", unwindInfoChunksName, err)
	}
	if m.ExecMappings, err = ebpf.LoadPinnedMap(dir+"/"+execMappingsName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", execMappingsName, err)
	}
	if m.Stacks, err = ebpf.LoadPinnedMap(dir+"/"+stacksName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", stacksName, err)
	}
	if m.AggregatedStacks, err = ebpf.LoadPinnedMap(dir+"/"+aggregatedStacksName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", aggregatedStacksName, err)
	}
	if m.RateLimits, err = ebpf.LoadPinnedMap(dir+"/rate_limits", opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned rate_limits: %w", err)
	}
	if m.Programs, err = ebpf.LoadPinnedMap(dir+"/"+programsName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", programsName, err)
	}
	if m.Events, err = ebpf.LoadPinnedMap(dir+"/"+eventsName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", eventsName, err)
	}
	if m.TracerEvents, err = ebpf.LoadPinnedMap(dir+"/"+tracerEventsName, opts); err != nil {
		return nil, fmt.Errorf("bpfmaps: loading pinned %s: %w", tracerEventsName, err)
	}
	return m, nil
}

// Close releases every map handle.
func (m *Maps) Close() error {
	for _, mp := range []*ebpf.Map{
		m.UnwindTables, m.UnwindInfoChunks, m.ExecMappings, m.Stacks,
		m.AggregatedStacks, m.RateLimits, m.Programs, m.Events, m.TracerEvents,
	} {
		if mp != nil {
			mp.Close()
		}
	}
	return nil
}

var _ shard.Publisher = (*Maps)(nil)

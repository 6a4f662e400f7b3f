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
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind/shard"
)

// chunkInfoWireSize is 5 u64 fields: low_pc, high_pc, shard_index,
// low_index, high_index.
const chunkInfoWireSize = 40

func marshalChunkInfo(c shard.ChunkInfo) []byte {
	buf := make([]byte, chunkInfoWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.LowPC)
	binary.LittleEndian.PutUint64(buf[8:16], c.HighPC)
	binary.LittleEndian.PutUint64(buf[16:24], c.ShardIndex)
	binary.LittleEndian.PutUint64(buf[24:32], c.LowIndex)
	binary.LittleEndian.PutUint64(buf[32:40], c.HighIndex)
	return buf
}

// PublishShard writes rows into the live shard slot shardIndex of
// unwind_tables. Partial shards (rows shorter than ShardCapacity) are
// zero-padded, matching the kernel side's fixed-size array value.
func (m *Maps) PublishShard(shardIndex uint64, rows []unwind.CompactUnwindRow) error {
	value := make([]byte, m.cfg.ShardCapacity*unwind.RowWireSize)
	for i, row := range rows {
		wire, err := row.MarshalBinary()
		if err != nil {
			return fmt.Errorf("bpfmaps: marshaling row %d for shard %d: %w", i, shardIndex, err)
		}
		copy(value[i*unwind.RowWireSize:], wire)
	}

	var key [4]byte
	binary.LittleEndian.PutUint32(key[:], uint32(shardIndex))
	if err := m.UnwindTables.Update(key[:], value, 0); err != nil {
		return fmt.Errorf("bpfmaps: publishing shard %d: %w", shardIndex, err)
	}
	return nil
}

// PublishChunks writes the fixed-width chunk vector for executableID
// into unwind_info_chunks.
func (m *Maps) PublishChunks(executableID objectfile.ExecutableID, chunks [shard.MaxChunks]shard.ChunkInfo) error {
	value := make([]byte, 0, shard.MaxChunks*chunkInfoWireSize)
	for _, c := range chunks {
		value = append(value, marshalChunkInfo(c)...)
	}

	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(executableID))
	if err := m.UnwindInfoChunks.Update(key[:], value, 0); err != nil {
		return fmt.Errorf("bpfmaps: publishing chunks for executable %d: %w", executableID, err)
	}
	return nil
}

// ClearOnReset wipes every table the in-kernel sampler could hold a
// stale reference into after a shard-budget exhaustion. rate_limits is
// deliberately not included here — it's only cleared at session
// boundaries by ClearSessionMaps.
func (m *Maps) ClearOnReset() error {
	return m.clearNamed(map[string]clearableMap{
		stacksName:           m.Stacks,
		aggregatedStacksName: m.AggregatedStacks,
		unwindInfoChunksName: m.UnwindInfoChunks,
		execMappingsName:     m.ExecMappings,
	})
}

// ClearSessionMaps clears the per-session sample and rate-limit
// tables. The collector calls it after draining aggregated_stacks.
func (m *Maps) ClearSessionMaps() error {
	return m.clearNamed(map[string]clearableMap{
		stacksName:           m.Stacks,
		aggregatedStacksName: m.AggregatedStacks,
		"rate_limits":        m.RateLimits,
	})
}

func (m *Maps) clearNamed(tables map[string]clearableMap) error {
	for name, mp := range tables {
		total, failures, err := clearMap(mp)
		if err != nil {
			return fmt.Errorf("bpfmaps: clearing %s: %w", name, err)
		}
		level.Debug(m.logger).Log("msg", "cleared map", "name", name, "entries", total, "failures", failures)
	}
	return nil
}

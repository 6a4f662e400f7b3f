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

package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
	"github.com/lightswitch-dev/lightswitch/pkg/collector"
	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
	"github.com/lightswitch-dev/lightswitch/pkg/procfs"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind/shard"
)

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

type fakeShardPublisher struct {
	shards     map[uint64][]unwind.CompactUnwindRow
	chunks     map[objectfile.ExecutableID][shard.MaxChunks]shard.ChunkInfo
	resetCalls int
}

func newFakeShardPublisher() *fakeShardPublisher {
	return &fakeShardPublisher{
		shards: make(map[uint64][]unwind.CompactUnwindRow),
		chunks: make(map[objectfile.ExecutableID][shard.MaxChunks]shard.ChunkInfo),
	}
}

func (f *fakeShardPublisher) PublishShard(shardIndex uint64, rows []unwind.CompactUnwindRow) error {
	cp := make([]unwind.CompactUnwindRow, len(rows))
	copy(cp, rows)
	f.shards[shardIndex] = cp
	return nil
}

func (f *fakeShardPublisher) PublishChunks(id objectfile.ExecutableID, chunks [shard.MaxChunks]shard.ChunkInfo) error {
	f.chunks[id] = chunks
	return nil
}

func (f *fakeShardPublisher) ClearOnReset() error {
	f.resetCalls++
	return nil
}

type fakeMappingPublisher struct {
	calls []bpfmaps.MappingValue
}

func (f *fakeMappingPublisher) PublishMapping(pid int32, begin, end uint64, value bpfmaps.MappingValue) error {
	f.calls = append(f.calls, value)
	return nil
}

type fakeStatsReader struct {
	clearCalled bool
}

func (f *fakeStatsReader) ForEachAggregatedStack(fn func(key bpfmaps.AggregatedStackKey, count uint64) error) error {
	return nil
}

func (f *fakeStatsReader) LookupStack(stackID uint64) (bpfmaps.Stack, bool, error) {
	return bpfmaps.Stack{}, false, nil
}

func (f *fakeStatsReader) ClearSessionMaps() error {
	f.clearCalled = true
	return nil
}

type fakeTriggers struct {
	detachCalled, reattachCalled int
}

func (f *fakeTriggers) DetachAll() error {
	f.detachCalled++
	return nil
}

func (f *fakeTriggers) ReattachAll() error {
	f.reattachCalled++
	return nil
}

type fakeBuilder struct {
	calls int
}

func (f *fakeBuilder) BuildProfile(samples []collector.RawAggregatedSample, periodNS int64, sessionEnd time.Time) (*profile.Profile, error) {
	f.calls++
	return &profile.Profile{TimeNanos: sessionEnd.UnixNano()}, nil
}

type fakeExporter struct {
	sent []*profile.Profile
}

func (f *fakeExporter) Send(ctx context.Context, prof *profile.Profile) error {
	f.sent = append(f.sent, prof)
	return nil
}

func newTestController(t *testing.T, shardPub *fakeShardPublisher, mapPub *fakeMappingPublisher) *Controller {
	t.Helper()
	tracker := procfs.NewTracker(log.NewNopLogger(), objectfile.NewCache())
	shardMgr := shard.NewManager(shardPub, nil, shard.DefaultCapacity, shard.DefaultMaxShards)
	coll := collector.New(log.NewNopLogger(), &fakeStatsReader{}, &fakeTriggers{})
	return New(log.NewNopLogger(), Config{}, newTestMetrics(), tracker, shardMgr, mapPub, coll, &fakeBuilder{}, &fakeExporter{})
}

func testRows(pcs ...uint64) []unwind.CompactUnwindRow {
	out := make([]unwind.CompactUnwindRow, len(pcs))
	for i, pc := range pcs {
		out[i] = unwind.CompactUnwindRow{Pc: pc, CfaType: unwind.CfaTypeRspOffset, CfaOffset: 8}
	}
	return out
}

func TestAdmitMappingSkipsUnwindBuildWhenAlreadyKnown(t *testing.T) {
	shardPub := newFakeShardPublisher()
	mapPub := &fakeMappingPublisher{}
	c := newTestController(t, shardPub, mapPub)

	require.NoError(t, c.shardMgr.Admit(objectfile.ExecutableID(7), testRows(0x1000, 0x1010)))

	c.admitMapping(123, procfs.ExecutableMapping{
		ExecutableID: 7,
		Kind:         procfs.MappingFileBacked,
		StartAddr:    0x400000,
		EndAddr:      0x401000,
		LoadAddress:  0x400000,
	})

	require.Len(t, mapPub.calls, 1)
	require.Equal(t, objectfile.ExecutableID(7), mapPub.calls[0].ExecutableID)
}

func TestAdmitMappingSkipsPublishWhenUnwindTableCannotBeBuilt(t *testing.T) {
	shardPub := newFakeShardPublisher()
	mapPub := &fakeMappingPublisher{}
	c := newTestController(t, shardPub, mapPub)

	// Executable 99 was never opened through the tracker's object-file
	// cache, so ObjectFile returns nil and building its unwind table
	// must fail without ever publishing a mapping for it.
	c.admitMapping(123, procfs.ExecutableMapping{
		ExecutableID: 99,
		Kind:         procfs.MappingFileBacked,
		StartAddr:    0x400000,
		EndAddr:      0x401000,
	})

	require.Empty(t, mapPub.calls)
	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.UnwindTableErrors))
}

func TestWarnIfCapacityLikelyExceededIncrementsCounterWhenOverCapacity(t *testing.T) {
	shardPub := newFakeShardPublisher()
	mapPub := &fakeMappingPublisher{}
	c := newTestController(t, shardPub, mapPub)
	c.cfg.SampleFreqHz = 1_000_000
	c.cfg.OnlineCPUs = 64
	c.cfg.SessionInterval = 5 * time.Second

	c.warnIfCapacityLikelyExceeded()

	require.Equal(t, float64(1), testutil.ToFloat64(c.metrics.CapacityWarnings))
}

func TestWarnIfCapacityLikelyExceededStaysQuietWithinCapacity(t *testing.T) {
	shardPub := newFakeShardPublisher()
	mapPub := &fakeMappingPublisher{}
	c := newTestController(t, shardPub, mapPub)
	c.cfg.SampleFreqHz = 10
	c.cfg.OnlineCPUs = 4
	c.cfg.SessionInterval = 5 * time.Second

	c.warnIfCapacityLikelyExceeded()

	require.Equal(t, float64(0), testutil.ToFloat64(c.metrics.CapacityWarnings))
}

func TestCollectAndExportSkipsBuildAndSendWithoutSamples(t *testing.T) {
	shardPub := newFakeShardPublisher()
	mapPub := &fakeMappingPublisher{}
	c := newTestController(t, shardPub, mapPub)

	exporter := &fakeExporter{}
	builder := &fakeBuilder{}
	c.exporter = exporter
	c.builder = builder

	// With no aggregated stacks, CollectProfile returns an empty slice
	// and collectAndExport must skip building/sending entirely.
	c.collectAndExport(context.Background())

	require.Equal(t, 0, builder.calls)
	require.Empty(t, exporter.sent)
}

func TestEventChannelsDoNotBlockWhenFull(t *testing.T) {
	shardPub := newFakeShardPublisher()
	mapPub := &fakeMappingPublisher{}
	c := newTestController(t, shardPub, mapPub)

	for i := 0; i < cap(c.newProcCh)+1; i++ {
		c.NewProcess(i)
	}
	for i := 0; i < cap(c.munmapCh)+1; i++ {
		c.Munmap(i, uint64(i))
	}
	for i := 0; i < cap(c.exitCh)+1; i++ {
		c.Exit(i)
	}

	require.Len(t, c.newProcCh, cap(c.newProcCh))
	require.Len(t, c.munmapCh, cap(c.munmapCh))
	require.Len(t, c.exitCh, cap(c.exitCh))
}

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

package export

import (
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
	"github.com/lightswitch-dev/lightswitch/pkg/collector"
	"github.com/lightswitch-dev/lightswitch/pkg/ksym"
	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
	"github.com/lightswitch-dev/lightswitch/pkg/procfs"
)

func stackOf(addrs ...uint64) *bpfmaps.Stack {
	var s bpfmaps.Stack
	s.Len = uint64(len(addrs))
	copy(s.Addresses[:], addrs)
	return &s
}

func newTestBuilder(t *testing.T) (*Builder, *procfs.Tracker) {
	t.Helper()
	cache := objectfile.NewCache()
	tracker := procfs.NewTracker(log.NewNopLogger(), cache)
	ks := ksym.NewCache()
	require.NoError(t, ks.LoadFrom(strings.NewReader("ffffffff81000000 T do_syscall_64\n")))
	return NewBuilder(log.NewNopLogger(), tracker, ks), tracker
}

func TestBuildProfileGroupsSamplesIntoLocations(t *testing.T) {
	b, _ := newTestBuilder(t)

	samples := []collector.RawAggregatedSample{
		{PID: 100, TID: 100, KernelStack: stackOf(0xffffffff81000010), Count: 5},
		{PID: 200, TID: 200, KernelStack: stackOf(0xffffffff81000010), Count: 2},
	}

	prof, err := b.BuildProfile(samples, int64(time.Second/100), time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, prof.Sample, 2)
	// both samples hit the same kernel address with different pids;
	// kernel addresses are keyed under pid 0, so they share one
	// location.
	require.Len(t, prof.Location, 1)
	require.Equal(t, int64(5), prof.Sample[0].Value[0])
	require.Equal(t, int64(2), prof.Sample[1].Value[0])
}

func TestBuildProfileResolvesKernelSymbolNames(t *testing.T) {
	b, _ := newTestBuilder(t)

	samples := []collector.RawAggregatedSample{
		{PID: 1, TID: 1, KernelStack: stackOf(0xffffffff81000020), Count: 1},
	}
	prof, err := b.BuildProfile(samples, 10_000_000, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, prof.Function, 1)
	require.True(t, strings.Contains(prof.Function[0].Name, "do_syscall_64"))
}

func TestBuildProfileSkipsNilStacks(t *testing.T) {
	b, _ := newTestBuilder(t)

	samples := []collector.RawAggregatedSample{
		{PID: 1, TID: 1, Count: 1},
	}
	prof, err := b.BuildProfile(samples, 10_000_000, time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, prof.Sample, 1)
	require.Empty(t, prof.Sample[0].Location)
}

func TestBuildProfileSetsPeriodAndTimestamp(t *testing.T) {
	b, _ := newTestBuilder(t)
	ts := time.Unix(1700000000, 0)

	prof, err := b.BuildProfile(nil, 10_000_000, ts)
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), prof.Period)
	require.Equal(t, ts.UnixNano(), prof.TimeNanos)
}

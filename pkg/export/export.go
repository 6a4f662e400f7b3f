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

// Package export builds a google/pprof profile from one session's
// RawAggregatedSamples and ships it to a parca profilestore over gRPC.
// lightswitch does not own that format — it's a thin WriteRaw client.
package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/common/model"

	profilestorepb "github.com/parca-dev/parca/gen/proto/go/parca/profilestore/v1alpha1"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
	"github.com/lightswitch-dev/lightswitch/pkg/collector"
	"github.com/lightswitch-dev/lightswitch/pkg/ksym"
	"github.com/lightswitch-dev/lightswitch/pkg/procfs"
)

// locationKey identifies one profile.Location before dedup: pid 0 is
// reserved for kernel addresses, since pid 0 can never be a real
// process.
type locationKey struct {
	pid  int32
	addr uint64
}

// Builder turns a session's samples into a pprof Profile, resolving
// user-space addresses to their owning mapping via the process
// tracker and kernel addresses to symbol names via ksym.
type Builder struct {
	logger  log.Logger
	tracker *procfs.Tracker
	ksym    *ksym.Cache
}

// NewBuilder constructs a Builder over the given tracker and kernel
// symbol cache.
func NewBuilder(logger log.Logger, tracker *procfs.Tracker, ksymCache *ksym.Cache) *Builder {
	return &Builder{logger: logger, tracker: tracker, ksym: ksymCache}
}

// BuildProfile converts samples collected over the given period into
// a *profile.Profile ready for WriteRaw. periodNS is the sampling
// period in nanoseconds (1e9 / sample_freq); sessionEnd becomes the
// profile's TimeNanos.
func (b *Builder) BuildProfile(samples []collector.RawAggregatedSample, periodNS int64, sessionEnd time.Time) (*profile.Profile, error) {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     periodNS,
		TimeNanos:  sessionEnd.UnixNano(),
	}

	locationIndices := make(map[locationKey]int)
	var locations []*profile.Location

	mappings := make(map[uint64]*profile.Mapping) // keyed by executable id
	var kernelAddresses []uint64
	kernelLocations := make(map[uint64]*profile.Location)

	for _, s := range samples {
		sampleLocations := b.locationsForStack(s.PID, s.KernelStack, true, &locations, locationIndices, mappings, kernelLocations, &kernelAddresses)
		sampleLocations = append(sampleLocations, b.locationsForStack(s.PID, s.UserStack, false, &locations, locationIndices, mappings, kernelLocations, &kernelAddresses)...)

		prof.Sample = append(prof.Sample, &profile.Sample{
			Value:    []int64{int64(s.Count)},
			Location: sampleLocations,
			Label: map[string][]string{
				"pid": {fmt.Sprintf("%d", s.PID)},
				"tid": {fmt.Sprintf("%d", s.TID)},
			},
		})
	}

	prof.Location = locations
	for _, m := range mappings {
		prof.Mapping = append(prof.Mapping, m)
	}

	if len(kernelAddresses) > 0 {
		resolved := b.ksym.Resolve(kernelAddresses)
		functions := make(map[string]*profile.Function)
		for addr, loc := range kernelLocations {
			name := resolved[addr]
			if name == "" {
				name = "[unknown kernel symbol]"
			}
			fn, ok := functions[name]
			if !ok {
				fn = &profile.Function{ID: uint64(len(prof.Function) + 1), Name: name}
				functions[name] = fn
				prof.Function = append(prof.Function, fn)
			}
			loc.Line = []profile.Line{{Function: fn}}
		}
	}

	return prof, nil
}

// locationsForStack appends one profile.Location per valid address in
// stack (bottom of stack.Addresses[:stack.Len]) to locations, reusing
// existing entries keyed by (pid, addr). isKernel distinguishes the
// pid-0 kernel address space from user addresses, which are
// normalized relative to their owning ExecutableMapping.
func (b *Builder) locationsForStack(
	pid int32,
	stack *bpfmaps.Stack,
	isKernel bool,
	locations *[]*profile.Location,
	locationIndices map[locationKey]int,
	mappings map[uint64]*profile.Mapping,
	kernelLocations map[uint64]*profile.Location,
	kernelAddresses *[]uint64,
) []*profile.Location {
	if stack == nil {
		return nil
	}

	var out []*profile.Location
	keyPid := pid
	if isKernel {
		keyPid = 0
	}

	n := stack.Len
	if n > uint64(len(stack.Addresses)) {
		n = uint64(len(stack.Addresses))
	}
	for i := uint64(0); i < n; i++ {
		addr := stack.Addresses[i]
		if addr == 0 {
			continue
		}
		key := locationKey{pid: keyPid, addr: addr}
		idx, ok := locationIndices[key]
		if !ok {
			idx = len(*locations)
			loc := &profile.Location{ID: uint64(idx + 1)}
			if isKernel {
				loc.Address = addr
				kernelLocations[addr] = loc
				*kernelAddresses = append(*kernelAddresses, addr)
			} else {
				loc.Address, loc.Mapping = b.resolveUserAddress(pid, addr, mappings)
			}
			*locations = append(*locations, loc)
			locationIndices[key] = idx
		}
		out = append(out, (*locations)[idx])
	}
	return out
}

// resolveUserAddress normalizes addr relative to the process mapping
// that contains it (addr - LoadAddress), so the resulting offset is
// stable across re-executions at a different base address.
func (b *Builder) resolveUserAddress(pid int32, addr uint64, mappings map[uint64]*profile.Mapping) (uint64, *profile.Mapping) {
	info, ok := b.tracker.Get(int(pid))
	if !ok {
		return addr, nil
	}
	m, ok := info.ForAddress(addr)
	if !ok || m.Kind != procfs.MappingFileBacked {
		return addr, nil
	}

	key := uint64(m.ExecutableID)
	mapping, ok := mappings[key]
	if !ok {
		mapping = &profile.Mapping{
			ID:      uint64(len(mappings) + 1),
			Start:   m.StartAddr,
			Limit:   m.EndAddr,
			Offset:  m.Offset,
			BuildID: string(m.BuildID),
		}
		mappings[key] = mapping
	}
	return addr - m.LoadAddress, mapping
}

// Exporter ships built profiles over WriteRaw.
type Exporter struct {
	logger log.Logger
	client profilestorepb.ProfileStoreServiceClient
	labels model.LabelSet
}

// NewExporter builds an Exporter that attaches labels to every
// profile it ships.
func NewExporter(logger log.Logger, client profilestorepb.ProfileStoreServiceClient, labels model.LabelSet) *Exporter {
	return &Exporter{logger: logger, client: client, labels: labels}
}

// Send serializes prof and ships it as a single raw pprof sample.
func (e *Exporter) Send(ctx context.Context, prof *profile.Profile) error {
	buf := new(bytes.Buffer)
	if err := prof.Write(buf); err != nil {
		return fmt.Errorf("export: serializing profile: %w", err)
	}

	var labelPairs []*profilestorepb.Label
	for name, value := range e.labels {
		labelPairs = append(labelPairs, &profilestorepb.Label{
			Name:  string(name),
			Value: string(value),
		})
	}

	_, err := e.client.WriteRaw(ctx, &profilestorepb.WriteRawRequest{
		Series: []*profilestorepb.RawProfileSeries{{
			Labels: &profilestorepb.LabelSet{Labels: labelPairs},
			Samples: []*profilestorepb.RawSample{{
				RawProfile: buf.Bytes(),
			}},
		}},
	})
	if err != nil {
		level.Warn(e.logger).Log("msg", "failed to write profile", "err", err)
		return fmt.Errorf("export: WriteRaw: %w", err)
	}
	return nil
}

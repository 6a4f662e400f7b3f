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

// Package collector drains the in-kernel sampler's aggregated stack
// counts into RawAggregatedSample values, atomically with respect to
// further sampling.
package collector

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
)

// RawAggregatedSample is one (pid, tid, stacks) group with its sample
// count, as read from aggregated_stacks plus its referenced stacks.
type RawAggregatedSample struct {
	PID         int32
	TID         int32
	UserStack   *bpfmaps.Stack // nil if this sample had no user stack id
	KernelStack *bpfmaps.Stack // nil if this sample had no kernel stack id
	Count       uint64
}

// StatsReader is the slice of *bpfmaps.Maps the collector needs,
// narrowed so tests can supply an in-memory fake instead of a real
// kernel map.
type StatsReader interface {
	ForEachAggregatedStack(fn func(key bpfmaps.AggregatedStackKey, count uint64) error) error
	LookupStack(stackID uint64) (bpfmaps.Stack, bool, error)
	ClearSessionMaps() error
}

var _ StatsReader = (*bpfmaps.Maps)(nil)

// EventDetacher starts/stops the perf-event triggers that feed new
// samples into aggregated_stacks. Sampling must stop before reading
// the maps, and resume after, so counts can't change mid-enumeration.
type EventDetacher interface {
	DetachAll() error
	ReattachAll() error
}

// Collector drains one profiling session's samples.
type Collector struct {
	logger   log.Logger
	maps     StatsReader
	triggers EventDetacher
}

// New builds a Collector reading from maps and controlling triggers.
func New(logger log.Logger, maps StatsReader, triggers EventDetacher) *Collector {
	return &Collector{logger: logger, maps: maps, triggers: triggers}
}

// CollectProfile detaches the triggers, drains aggregated_stacks
// joined with their referenced stacks, clears the session maps, then
// reattaches the triggers. The returned slice's order is unspecified;
// downstream export (pkg/export) sorts and groups it as needed for a
// pprof Profile.
func (c *Collector) CollectProfile() ([]RawAggregatedSample, error) {
	if err := c.triggers.DetachAll(); err != nil {
		return nil, fmt.Errorf("collector: detaching perf triggers: %w", err)
	}
	defer func() {
		if err := c.triggers.ReattachAll(); err != nil {
			level.Warn(c.logger).Log("msg", "failed to re-attach perf triggers after collecting a profile", "err", err)
		}
	}()

	samples, err := c.readAggregatedStacks()
	if err != nil {
		return nil, fmt.Errorf("collector: reading aggregated_stacks: %w", err)
	}

	level.Debug(c.logger).Log("msg", "collected profiling session", "samples", len(samples))

	if err := c.maps.ClearSessionMaps(); err != nil {
		return nil, fmt.Errorf("collector: clearing session maps: %w", err)
	}

	return samples, nil
}

func (c *Collector) readAggregatedStacks() ([]RawAggregatedSample, error) {
	var samples []RawAggregatedSample

	err := c.maps.ForEachAggregatedStack(func(key bpfmaps.AggregatedStackKey, count uint64) error {
		sample := RawAggregatedSample{PID: key.PID, TID: key.TID, Count: count}

		// A stack id of zero means "no stack for this half" (e.g. a
		// sample with only a kernel stack); the in-kernel side reserves
		// 0 as the absent marker, so it's never a valid id.
		if key.UserStackID != 0 {
			if stack, ok, err := c.maps.LookupStack(uint64(key.UserStackID)); err != nil {
				return err
			} else if ok {
				sample.UserStack = &stack
			} else {
				level.Debug(c.logger).Log("msg", "user stack id not found", "stack_id", key.UserStackID)
			}
		}
		if key.KernelStackID != 0 {
			if stack, ok, err := c.maps.LookupStack(uint64(key.KernelStackID)); err != nil {
				return err
			} else if ok {
				sample.KernelStack = &stack
			} else {
				level.Debug(c.logger).Log("msg", "kernel stack id not found", "stack_id", key.KernelStackID)
			}
		}

		samples = append(samples, sample)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

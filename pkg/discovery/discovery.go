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

// Package discovery finds which running processes are worth profiling
// and what labels identify them, feeding the control loop's pid filter
// set.
package discovery

import (
	"context"

	"github.com/prometheus/common/model"
)

// Target is one process worth profiling, with the labels its samples
// should eventually carry once exported.
type Target struct {
	PID    int
	Labels model.LabelSet
}

// Discoverer enumerates the currently-running profiling targets from
// one source (a container runtime, an orchestrator API, ...).
type Discoverer interface {
	Discover(ctx context.Context) ([]Target, error)
}

// Merge runs every discoverer and unions their targets, keyed by pid
// so a process visible through more than one discoverer (e.g. both
// the CRI runtime and Kubernetes) appears once, with labels from
// whichever discoverer reported it first.
func Merge(ctx context.Context, discoverers []Discoverer) ([]Target, error) {
	seen := make(map[int]Target)
	var order []int
	for _, d := range discoverers {
		targets, err := d.Discover(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if _, ok := seen[t.PID]; ok {
				continue
			}
			seen[t.PID] = t
			order = append(order, t.PID)
		}
	}
	out := make([]Target, 0, len(order))
	for _, pid := range order {
		out = append(out, seen[pid])
	}
	return out, nil
}

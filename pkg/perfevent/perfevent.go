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

// Package perfevent opens one PERF_TYPE_SOFTWARE/PERF_COUNT_SW_CPU_CLOCK
// timer per online CPU and attaches the in-kernel sampler program to
// it, so the sampler fires at sample_freq Hz on every CPU regardless
// of which process is scheduled there.
package perfevent

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// Group owns one perf-event fd per CPU, all running the same sampler
// program. DetachAll/ReattachAll implement collector.EventDetacher so
// a profiling session can be paused while its samples are drained.
type Group struct {
	program *ebpf.Program
	freqHz  uint64
	fds     []int
}

// Open creates one perf event per entry in cpus, sampling at freqHz,
// and attaches program to each via PERF_EVENT_IOC_SET_BPF. Events are
// created disabled and then enabled together through ReattachAll, so
// sampling has started when Open returns.
func Open(program *ebpf.Program, freqHz uint64, cpus []int) (*Group, error) {
	g := &Group{program: program, freqHz: freqHz}
	for _, cpu := range cpus {
		fd, err := unix.PerfEventOpen(
			&unix.PerfEventAttr{
				Type:   unix.PERF_TYPE_SOFTWARE,
				Config: unix.PERF_COUNT_SW_CPU_CLOCK,
				Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
				Sample: freqHz,
				Bits:   unix.PerfBitDisabled | unix.PerfBitFreq,
			},
			-1, // all processes on this CPU, not just one pid
			cpu,
			-1,
			unix.PERF_FLAG_FD_CLOEXEC,
		)
		if err != nil {
			g.closeFDs()
			return nil, fmt.Errorf("perfevent: opening perf event for cpu %d: %w", cpu, err)
		}
		g.fds = append(g.fds, fd)

		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, program.FD()); err != nil {
			g.closeFDs()
			return nil, fmt.Errorf("perfevent: attaching sampler to cpu %d: %w", cpu, err)
		}
	}

	if err := g.ReattachAll(); err != nil {
		g.closeFDs()
		return nil, err
	}
	return g, nil
}

// DetachAll disables every perf event without closing its fd, so the
// sampler stops firing but the attachment (and the fd) survives for a
// later ReattachAll. Implements collector.EventDetacher.
func (g *Group) DetachAll() error {
	for _, fd := range g.fds {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			return fmt.Errorf("perfevent: disabling perf event: %w", err)
		}
	}
	return nil
}

// ReattachAll re-enables every perf event. Implements
// collector.EventDetacher.
func (g *Group) ReattachAll() error {
	for _, fd := range g.fds {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("perfevent: enabling perf event: %w", err)
		}
	}
	return nil
}

// Close disables and releases every perf event fd. Safe to call after
// a failed Open, which may have left a partial fd set.
func (g *Group) Close() error {
	var firstErr error
	for _, fd := range g.fds {
		_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("perfevent: closing perf event fd: %w", err)
		}
	}
	g.fds = nil
	return firstErr
}

func (g *Group) closeFDs() {
	for _, fd := range g.fds {
		_ = unix.Close(fd)
	}
	g.fds = nil
}

// OnlineCPUs returns the CPU indices to open a perf event on, parsed
// from /sys/devices/system/cpu/online. Used alongside sample_freq and
// the session interval for the aggregated-stacks capacity check.
func OnlineCPUs() ([]int, error) {
	raw, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, fmt.Errorf("perfevent: reading online cpu list: %w", err)
	}
	return parseCPUList(strings.TrimSpace(string(raw)))
}

// parseCPUList parses the kernel's cpulist format: comma-separated
// entries that are either a single cpu ("3") or an inclusive range
// ("0-7").
func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("perfevent: parsing cpu range %q: %w", part, err)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("perfevent: parsing cpu range %q: %w", part, err)
			}
			for cpu := loN; cpu <= hiN; cpu++ {
				cpus = append(cpus, cpu)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("perfevent: parsing cpu %q: %w", part, err)
			}
			cpus = append(cpus, n)
		}
	}
	return cpus, nil
}

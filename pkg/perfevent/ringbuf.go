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

package perfevent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ringBufferSize is the per-CPU perf ring buffer size requested for
// both event readers, in bytes.
const ringBufferSize = 64 * 1024

// tracer_events record type tag, encoded as the first u32 of the
// record alongside {i32 pid, u64 addr}. Not specified by name upstream;
// munmap is 0 and exit is 1 so a zero-valued record (e.g. truncated by
// a bug on the producing side) degrades to the more common case.
const (
	tracerEventMunmap uint32 = 0
	tracerEventExit   uint32 = 1
)

// NewProcessSink receives pids the in-kernel sampler observed starting
// to execute. *profiler.Controller implements this.
type NewProcessSink interface {
	NewProcess(pid int)
}

// TracerEventSink receives munmap/exit notifications read off the
// tracer_events ring buffer. *profiler.Controller implements this.
type TracerEventSink interface {
	Munmap(pid int, startAddr uint64)
	Exit(pid int)
}

// ReadNewProcessEvents polls the events perf ring buffer until ctx is
// cancelled, decoding each record as {u32 type, i32 pid} and forwarding
// the pid to sink. The type field is reserved by the wire format but
// events carries only one kind of record today.
func ReadNewProcessEvents(ctx context.Context, logger log.Logger, m *ebpf.Map, sink NewProcessSink) error {
	rd, err := perf.NewReader(m, ringBufferSize)
	if err != nil {
		return fmt.Errorf("perfevent: opening events ring buffer reader: %w", err)
	}
	defer rd.Close()

	go func() {
		<-ctx.Done()
		_ = rd.Close()
	}()

	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}
			level.Warn(logger).Log("msg", "reading new-process event", "err", err)
			continue
		}
		if record.LostSamples > 0 {
			level.Warn(logger).Log("msg", "new-process events dropped", "count", record.LostSamples)
			continue
		}
		pid, ok := decodeNewProcessRecord(record.RawSample)
		if !ok {
			level.Warn(logger).Log("msg", "short new-process event record, skipping", "len", len(record.RawSample))
			continue
		}
		sink.NewProcess(pid)
	}
}

// decodeNewProcessRecord decodes one events record: {u32 type, i32 pid}.
// The type field is reserved but unused since events carries only one
// kind of record today.
func decodeNewProcessRecord(raw []byte) (pid int, ok bool) {
	if len(raw) < 8 {
		return 0, false
	}
	return int(int32(binary.LittleEndian.Uint32(raw[4:8]))), true
}

// ReadTracerEvents polls the tracer_events perf ring buffer until ctx
// is cancelled, decoding each record as {u32 type, i32 pid, u64 addr}
// and dispatching a Munmap or Exit call to sink depending on type.
func ReadTracerEvents(ctx context.Context, logger log.Logger, m *ebpf.Map, sink TracerEventSink) error {
	rd, err := perf.NewReader(m, ringBufferSize)
	if err != nil {
		return fmt.Errorf("perfevent: opening tracer_events ring buffer reader: %w", err)
	}
	defer rd.Close()

	go func() {
		<-ctx.Done()
		_ = rd.Close()
	}()

	for {
		record, err := rd.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}
			level.Warn(logger).Log("msg", "reading tracer event", "err", err)
			continue
		}
		if record.LostSamples > 0 {
			level.Warn(logger).Log("msg", "tracer events dropped", "count", record.LostSamples)
			continue
		}
		typ, pid, addr, ok := decodeTracerEventRecord(record.RawSample)
		if !ok {
			level.Warn(logger).Log("msg", "short tracer event record, skipping", "len", len(record.RawSample))
			continue
		}

		switch typ {
		case tracerEventMunmap:
			sink.Munmap(pid, addr)
		case tracerEventExit:
			sink.Exit(pid)
		default:
			level.Warn(logger).Log("msg", "unknown tracer event type, dropping", "type", typ, "pid", pid)
		}
	}
}

// decodeTracerEventRecord decodes one tracer_events record:
// {u32 type, i32 pid, u64 addr}.
func decodeTracerEventRecord(raw []byte) (typ uint32, pid int, addr uint64, ok bool) {
	if len(raw) < 16 {
		return 0, 0, 0, false
	}
	typ = binary.LittleEndian.Uint32(raw[0:4])
	pid = int(int32(binary.LittleEndian.Uint32(raw[4:8])))
	addr = binary.LittleEndian.Uint64(raw[8:16])
	return typ, pid, addr, true
}

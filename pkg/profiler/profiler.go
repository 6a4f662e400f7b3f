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

// Package profiler implements the control loop: it multiplexes the
// session timer, the persistence timer, new-process and munmap/exit
// events, and an external stop signal, driving the process tracker,
// shard manager, and sample collector/exporter.
package profiler

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
	"github.com/lightswitch-dev/lightswitch/pkg/collector"
	"github.com/lightswitch-dev/lightswitch/pkg/export"
	"github.com/lightswitch-dev/lightswitch/pkg/httpserver"
	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
	"github.com/lightswitch-dev/lightswitch/pkg/perfevent"
	"github.com/lightswitch-dev/lightswitch/pkg/procfs"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind/shard"
)

// DefaultSessionInterval is how often a profile is collected and
// shipped.
const DefaultSessionInterval = 5 * time.Second

// DefaultPersistInterval is the shard-manager flush cadence.
const DefaultPersistInterval = 100 * time.Millisecond

// Config parameterizes one Controller.
type Config struct {
	SessionInterval time.Duration
	PersistInterval time.Duration
	SampleFreqHz    uint64
	OnlineCPUs      int
}

// Metrics are the control loop's prometheus instruments.
type Metrics struct {
	SessionsCollected prometheus.Counter
	SamplesExported   prometheus.Counter
	CapacityWarnings  prometheus.Counter
	UnwindTableErrors prometheus.Counter
}

// NewMetrics registers the control loop's instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_sessions_collected_total",
			Help: "Number of profiling sessions collected.",
		}),
		SamplesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_samples_exported_total",
			Help: "Number of raw aggregated samples exported.",
		}),
		CapacityWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_capacity_warnings_total",
			Help: "Number of times the aggregated_stacks capacity estimate was exceeded.",
		}),
		UnwindTableErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightswitch_unwind_table_errors_total",
			Help: "Number of executables whose unwind table could not be built or admitted.",
		}),
	}
	reg.MustRegister(m.SessionsCollected, m.SamplesExported, m.CapacityWarnings, m.UnwindTableErrors)
	return m
}

// MappingPublisher is the exec_mappings side of pkg/bpfmaps the
// control loop needs. Narrowed to one method so tests can drive
// admission without a real kernel map.
type MappingPublisher interface {
	PublishMapping(pid int32, begin, end uint64, value bpfmaps.MappingValue) error
}

var _ MappingPublisher = (*bpfmaps.Maps)(nil)

// ProfileBuilder turns one session's raw aggregated samples into a
// pprof profile. Implemented by pkg/export.Builder.
type ProfileBuilder interface {
	BuildProfile(samples []collector.RawAggregatedSample, periodNS int64, sessionEnd time.Time) (*profile.Profile, error)
}

var _ ProfileBuilder = (*export.Builder)(nil)

// ProfileExporter ships one finished profile off-box. Implemented by
// pkg/export.Exporter.
type ProfileExporter interface {
	Send(ctx context.Context, prof *profile.Profile) error
}

var _ ProfileExporter = (*export.Exporter)(nil)

// Controller owns every moving part of one profiling run.
type Controller struct {
	logger  log.Logger
	cfg     Config
	metrics *Metrics

	tracker  *procfs.Tracker
	shardMgr *shard.Manager
	maps     MappingPublisher
	collect  *collector.Collector
	builder  ProfileBuilder
	exporter ProfileExporter

	newProcCh chan NewProcessEvent
	munmapCh  chan MunmapEvent
	exitCh    chan ExitEvent

	statusMu sync.Mutex
	status   httpserver.Status
}

// New builds a Controller. Callers own the lifetime of every
// dependency passed in; Controller.Run does not close them.
func New(
	logger log.Logger,
	cfg Config,
	metrics *Metrics,
	tracker *procfs.Tracker,
	shardMgr *shard.Manager,
	maps MappingPublisher,
	collect *collector.Collector,
	builder ProfileBuilder,
	exporter ProfileExporter,
) *Controller {
	if cfg.SessionInterval == 0 {
		cfg.SessionInterval = DefaultSessionInterval
	}
	if cfg.PersistInterval == 0 {
		cfg.PersistInterval = DefaultPersistInterval
	}
	return &Controller{
		logger:    logger,
		cfg:       cfg,
		metrics:   metrics,
		tracker:   tracker,
		shardMgr:  shardMgr,
		maps:      maps,
		collect:   collect,
		builder:   builder,
		exporter:  exporter,
		newProcCh: make(chan NewProcessEvent, 1024),
		munmapCh:  make(chan MunmapEvent, 1024),
		exitCh:    make(chan ExitEvent, 1024),
	}
}

// NewProcess, Munmap and Exit feed the control loop's event channels.
// They never block: each channel is a large buffer, and a full buffer
// falls back to a logged drop rather than blocking the caller.
func (c *Controller) NewProcess(pid int) {
	select {
	case c.newProcCh <- NewProcessEvent{PID: pid}:
	default:
		level.Warn(c.logger).Log("msg", "new-process event queue full, dropping", "pid", pid)
	}
}

func (c *Controller) Munmap(pid int, startAddr uint64) {
	select {
	case c.munmapCh <- MunmapEvent{PID: pid, StartAddr: startAddr}:
	default:
		level.Warn(c.logger).Log("msg", "munmap event queue full, dropping", "pid", pid)
	}
}

func (c *Controller) Exit(pid int) {
	select {
	case c.exitCh <- ExitEvent{PID: pid}:
	default:
		level.Warn(c.logger).Log("msg", "exit event queue full, dropping", "pid", pid)
	}
}

var (
	_ perfevent.NewProcessSink  = (*Controller)(nil)
	_ perfevent.TracerEventSink = (*Controller)(nil)
)

// Run executes the control loop until ctx is cancelled, then collects
// and ships one final profile before returning. An external stop
// signal and a total-duration timer are both implemented by the
// caller cancelling ctx.
func (c *Controller) Run(ctx context.Context) error {
	c.warnIfCapacityLikelyExceeded()

	sessionTicker := time.NewTicker(c.cfg.SessionInterval)
	defer sessionTicker.Stop()
	persistTicker := time.NewTicker(c.cfg.PersistInterval)
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			level.Info(c.logger).Log("msg", "control loop stopping, collecting final profile")
			c.collectAndExport(context.Background())
			return nil

		case <-sessionTicker.C:
			c.collectAndExport(ctx)

		case <-persistTicker.C:
			if c.shardMgr.Dirty() {
				if err := c.shardMgr.Persist(); err != nil {
					level.Warn(c.logger).Log("msg", "failed to persist live shard", "err", err)
				}
			}

		case ev := <-c.newProcCh:
			c.handleNewProcess(ev.PID)

		case ev := <-c.munmapCh:
			c.tracker.HandleMunmap(ev.PID, ev.StartAddr)

		case ev := <-c.exitCh:
			c.tracker.HandleProcessExit(ev.PID)
		}
	}
}

// handleNewProcess adds the process to the tracker if unknown, then
// admits every file-backed mapping's unwind info regardless (covers
// post-reset re-admission of an already-tracked process).
func (c *Controller) handleNewProcess(pid int) {
	if _, known := c.tracker.Get(pid); !known {
		if err := c.tracker.AddProc(pid); err != nil {
			if errors.Is(err, procfs.ErrUnsupportedRuntime) {
				level.Debug(c.logger).Log("msg", "process uses an unsupported runtime, skipping", "pid", pid)
			} else {
				level.Warn(c.logger).Log("msg", "failed to add process", "pid", pid, "err", err)
			}
			return
		}
	}

	info, ok := c.tracker.Get(pid)
	if !ok {
		return
	}
	for _, m := range info.Mappings {
		if m.Kind != procfs.MappingFileBacked || m.Unmapped {
			continue
		}
		c.admitMapping(pid, m)
	}
}

func (c *Controller) admitMapping(pid int, m procfs.ExecutableMapping) {
	if !c.shardMgr.Known(m.ExecutableID) {
		if err := c.buildAndAdmitUnwindTable(m.ExecutableID); err != nil {
			c.metrics.UnwindTableErrors.Inc()
			if c.shardMgr.ShouldWarnOnFailedAdmit(pid) {
				level.Warn(c.logger).Log("msg", "failed to build unwind table", "pid", pid, "executable_id", m.ExecutableID, "err", err)
			}
			return
		}
	}

	value := bpfmaps.MappingValue{
		LoadAddress:  m.LoadAddress,
		Begin:        m.StartAddr,
		End:          m.EndAddr,
		ExecutableID: m.ExecutableID,
		Type:         bpfmaps.MappingValueNormal,
	}
	if err := c.maps.PublishMapping(int32(pid), m.StartAddr, m.EndAddr, value); err != nil {
		level.Warn(c.logger).Log("msg", "failed to publish mapping", "pid", pid, "executable_id", m.ExecutableID, "err", err)
	}
}

// buildAndAdmitUnwindTable extracts and optimizes one executable's
// unwind rows from its already-open file handle and admits them into
// the shard manager.
func (c *Controller) buildAndAdmitUnwindTable(id objectfile.ExecutableID) error {
	info := c.tracker.ObjectFile(id)
	if info == nil {
		return fmt.Errorf("profiler: no cached object file for executable %d", id)
	}

	obj, err := elf.NewFile(info.File())
	if err != nil {
		return fmt.Errorf("profiler: reopening executable %d as ELF: %w", id, err)
	}
	defer obj.Close()

	rows, err := unwind.ExtractRows(obj, 0)
	if err != nil {
		return fmt.Errorf("profiler: extracting unwind rows for executable %d: %w", id, err)
	}
	rows = unwind.Optimize(rows)

	return c.shardMgr.Admit(id, rows)
}

func (c *Controller) collectAndExport(ctx context.Context) {
	now := time.Now()
	samples, err := c.collect.CollectProfile()
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to collect profile", "err", err)
		c.setStatus(httpserver.Status{CollectedAt: now, Err: err.Error()})
		return
	}
	c.metrics.SessionsCollected.Inc()
	c.metrics.SamplesExported.Add(float64(len(samples)))

	if len(samples) == 0 {
		c.setStatus(httpserver.Status{CollectedAt: now})
		return
	}

	var periodNS int64
	if c.cfg.SampleFreqHz > 0 {
		periodNS = int64(time.Second) / int64(c.cfg.SampleFreqHz)
	}
	prof, err := c.builder.BuildProfile(samples, periodNS, now)
	if err != nil {
		level.Warn(c.logger).Log("msg", "failed to build profile", "err", err)
		c.setStatus(httpserver.Status{CollectedAt: now, SampleCount: len(samples), Err: err.Error()})
		return
	}

	status := httpserver.Status{CollectedAt: now, SampleCount: len(samples)}
	if err := c.exporter.Send(ctx, prof); err != nil {
		level.Warn(c.logger).Log("msg", "failed to export profile", "err", err)
		status.Err = err.Error()
	}
	c.setStatus(status)
}

func (c *Controller) setStatus(s httpserver.Status) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = s
}

// LastProfileStatus implements httpserver.StatusProvider.
func (c *Controller) LastProfileStatus() httpserver.Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// warnIfCapacityLikelyExceeded logs a non-fatal warning when the
// configured rate could overrun aggregated_stacks before a session
// collects it.
func (c *Controller) warnIfCapacityLikelyExceeded() {
	if c.cfg.SampleFreqHz == 0 || c.cfg.OnlineCPUs == 0 {
		return
	}
	estimated := c.cfg.SampleFreqHz * uint64(c.cfg.OnlineCPUs) * uint64(c.cfg.SessionInterval/time.Second)
	if estimated > uint64(bpfmaps.DefaultConfig().MaxAggregatedKeys) {
		c.metrics.CapacityWarnings.Inc()
		level.Warn(c.logger).Log(
			"msg", "sample_freq x online_cpus x session_seconds exceeds aggregated_stacks capacity, samples may be dropped",
			"estimated_samples", estimated,
		)
	}
}

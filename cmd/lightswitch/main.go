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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cilium/ebpf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/oklog/run"
	profilestorepb "github.com/parca-dev/parca/gen/proto/go/parca/profilestore/v1alpha1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
	"github.com/lightswitch-dev/lightswitch/pkg/collector"
	"github.com/lightswitch-dev/lightswitch/pkg/discovery"
	"github.com/lightswitch-dev/lightswitch/pkg/discovery/cri"
	"github.com/lightswitch-dev/lightswitch/pkg/discovery/docker"
	"github.com/lightswitch-dev/lightswitch/pkg/discovery/kubernetes"
	"github.com/lightswitch-dev/lightswitch/pkg/export"
	"github.com/lightswitch-dev/lightswitch/pkg/httpserver"
	"github.com/lightswitch-dev/lightswitch/pkg/ksym"
	"github.com/lightswitch-dev/lightswitch/pkg/objectfile"
	"github.com/lightswitch-dev/lightswitch/pkg/perfevent"
	"github.com/lightswitch-dev/lightswitch/pkg/procfs"
	"github.com/lightswitch-dev/lightswitch/pkg/profiler"
	"github.com/lightswitch-dev/lightswitch/pkg/unwind/shard"
)

// Version is set at link time via -ldflags.
var Version = "dev"

// CLI is the kong-parsed flag/subcommand surface: no subcommand tree
// beyond profile and version.
type CLI struct {
	Profile ProfileCmd `cmd:"" help:"Run the whole-system CPU profiler."`
	Version VersionCmd `cmd:"" help:"Print the version and exit."`
}

// ProfileCmd holds every flag needed to assemble and run one profiling
// session loop.
type ProfileCmd struct {
	BPFFSDir        string        `help:"bpffs directory where the sampler's maps and program are pinned." default:"/sys/fs/bpf/lightswitch"`
	HTTPAddr        string        `help:"debug HTTP server listen address." default:":7071"`
	SampleFreqHz    uint64        `help:"sampling frequency in Hz, per online CPU." default:"19"`
	Duration        time.Duration `help:"total run duration; zero runs until an external stop signal." default:"0s"`
	SessionInterval time.Duration `help:"how often a profile is collected and shipped." default:"5s"`
	RemoteStoreAddr string        `help:"parca-dev/parca profilestore gRPC address." required:""`
	RemoteStoreInsecure bool      `help:"dial the remote store without TLS."`
	ExternalLabel   map[string]string `help:"labels attached to every exported profile, e.g. --external-label=env=prod."`

	DockerDiscovery     bool   `help:"discover profiling targets via the Docker API."`
	CRIEndpoint         string `help:"CRI runtime gRPC endpoint, enables CRI/Kubernetes discovery." default:""`
	CRIBundlesDir       string `help:"OCI bundle directory root for the configured CRI runtime." default:"/run/containerd/io.containerd.runtime.v2.task/k8s.io"`
	KubernetesDiscovery bool   `help:"discover profiling targets via the Kubernetes API (requires --cri-endpoint)."`
	NodeName            string `help:"node name to filter Kubernetes pods by, required with --kubernetes-discovery." env:"NODE_NAME"`
	DiscoveryInterval   time.Duration `help:"how often target discovery is refreshed." default:"10s"`

	MapSizeShardCapacity  int `help:"rows per unwind_tables shard." default:"0"`
	MapSizeMaxShards      int `help:"max unwind_tables shards before a global reset." default:"0"`
	MapSizeMaxChunks      int `help:"max unwind_info_chunks entries per executable." default:"0"`
	MapSizeStacks         int `help:"max entries in the stacks map." default:"0"`
	MapSizeAggregatedKeys int `help:"max entries in the aggregated_stacks map." default:"0"`
	MapSizeRateLimitKeys  int `help:"max entries in the rate_limits map." default:"0"`
}

// mapsConfig builds a bpfmaps.Config from the map-size flags, falling
// back to bpfmaps.DefaultConfig()'s capacity for any flag left at its
// zero value.
func (p *ProfileCmd) mapsConfig() bpfmaps.Config {
	cfg := bpfmaps.DefaultConfig()
	if p.MapSizeShardCapacity > 0 {
		cfg.ShardCapacity = p.MapSizeShardCapacity
	}
	if p.MapSizeMaxShards > 0 {
		cfg.MaxShards = p.MapSizeMaxShards
	}
	if p.MapSizeMaxChunks > 0 {
		cfg.MaxChunks = p.MapSizeMaxChunks
	}
	if p.MapSizeStacks > 0 {
		cfg.MaxStacks = p.MapSizeStacks
	}
	if p.MapSizeAggregatedKeys > 0 {
		cfg.MaxAggregatedKeys = p.MapSizeAggregatedKeys
	}
	if p.MapSizeRateLimitKeys > 0 {
		cfg.MaxRateLimitKeys = p.MapSizeRateLimitKeys
	}
	return cfg
}

// VersionCmd prints the build version and exits.
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	fmt.Println(Version)
	return nil
}

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var cli CLI
	kctx := kong.Parse(&cli, kong.Name("lightswitch"), kong.Description("A DWARF-based whole-system CPU profiler."), kong.Bind(logger))

	if err := kctx.Run(); err != nil {
		level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
}

func (p *ProfileCmd) Run(logger log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()

	mapsCfg := p.mapsConfig()
	maps, err := bpfmaps.LoadPinned(log.With(logger, "component", "bpfmaps"), p.BPFFSDir, mapsCfg)
	if err != nil {
		return fmt.Errorf("loading pinned maps from %s: %w", p.BPFFSDir, err)
	}
	defer maps.Close()

	cpus, err := perfevent.OnlineCPUs()
	if err != nil {
		return fmt.Errorf("enumerating online cpus: %w", err)
	}

	samplerProg, err := ebpf.LoadPinnedProgram(p.BPFFSDir+"/sampler_prog", nil)
	if err != nil {
		return fmt.Errorf("loading pinned sampler program from %s: %w", p.BPFFSDir, err)
	}
	defer samplerProg.Close()

	triggers, err := perfevent.Open(samplerProg, p.SampleFreqHz, cpus)
	if err != nil {
		return fmt.Errorf("opening perf-event triggers: %w", err)
	}
	defer triggers.Close()

	objectFileCache := objectfile.NewCache()
	tracker := procfs.NewTracker(log.With(logger, "component", "procfs"), objectFileCache)
	shardMgr := shard.NewManager(maps, maps, mapsCfg.ShardCapacity, uint64(mapsCfg.MaxShards))
	coll := collector.New(log.With(logger, "component", "collector"), maps, triggers)
	ksymCache := ksym.NewCache()
	if err := ksymCache.Refresh(); err != nil {
		level.Warn(logger).Log("msg", "failed to read kernel symbols, kernel frames will be unresolved", "err", err)
	}
	builder := export.NewBuilder(log.With(logger, "component", "export"), tracker, ksymCache)

	conn, err := dialRemoteStore(p.RemoteStoreAddr, p.RemoteStoreInsecure)
	if err != nil {
		return fmt.Errorf("dialing remote store: %w", err)
	}
	defer conn.Close()
	labels := model.LabelSet{}
	for k, v := range p.ExternalLabel {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	exporter := export.NewExporter(log.With(logger, "component", "export"), profilestorepb.NewProfileStoreServiceClient(conn), labels)

	metrics := profiler.NewMetrics(reg)
	ctrl := profiler.New(
		log.With(logger, "component", "profiler"),
		profiler.Config{
			SessionInterval: p.SessionInterval,
			SampleFreqHz:    p.SampleFreqHz,
			OnlineCPUs:      len(cpus),
		},
		metrics,
		tracker, shardMgr, maps, coll, builder, exporter,
	)

	discoverers, err := p.buildDiscoverers(logger)
	if err != nil {
		return fmt.Errorf("configuring target discovery: %w", err)
	}

	srv := httpserver.New(log.With(logger, "component", "httpserver"), p.HTTPAddr, reg, ctrl)

	var g run.Group

	runCtx := ctx
	if p.Duration > 0 {
		var durationCancel context.CancelFunc
		runCtx, durationCancel = context.WithTimeout(ctx, p.Duration)
		defer durationCancel()
	}

	g.Add(func() error {
		return ctrl.Run(runCtx)
	}, func(error) {
		cancel()
	})

	newProcCtx, newProcCancel := context.WithCancel(ctx)
	g.Add(func() error {
		return perfevent.ReadNewProcessEvents(newProcCtx, log.With(logger, "component", "perfevent.events"), maps.Events, ctrl)
	}, func(error) {
		newProcCancel()
	})

	tracerCtx, tracerCancel := context.WithCancel(ctx)
	g.Add(func() error {
		return perfevent.ReadTracerEvents(tracerCtx, log.With(logger, "component", "perfevent.tracer_events"), maps.TracerEvents, ctrl)
	}, func(error) {
		tracerCancel()
	})

	if len(discoverers) > 0 {
		discoveryCtx, discoveryCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runDiscoveryLoop(discoveryCtx, logger, discoverers, p.DiscoveryInterval, ctrl)
		}, func(error) {
			discoveryCancel()
		})
	}

	g.Add(srv.ListenAndServe, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	g.Add(run.SignalHandler(ctx, os.Interrupt))

	return g.Run()
}

func dialRemoteStore(addr string, insecureConn bool) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	}
	if insecureConn {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.Dial(addr, opts...)
}

func (p *ProfileCmd) buildDiscoverers(logger log.Logger) ([]discovery.Discoverer, error) {
	var discoverers []discovery.Discoverer

	if p.DockerDiscovery {
		d, err := docker.New(log.With(logger, "component", "discovery.docker"))
		if err != nil {
			return nil, fmt.Errorf("docker discovery: %w", err)
		}
		discoverers = append(discoverers, d)
	}

	var criDiscoverer *cri.Discoverer
	if p.CRIEndpoint != "" {
		var err error
		criDiscoverer, err = cri.New(log.With(logger, "component", "discovery.cri"), p.CRIEndpoint, p.CRIBundlesDir)
		if err != nil {
			return nil, fmt.Errorf("cri discovery: %w", err)
		}
		discoverers = append(discoverers, criDiscoverer)
	}

	if p.KubernetesDiscovery {
		if criDiscoverer == nil {
			return nil, fmt.Errorf("--kubernetes-discovery requires --cri-endpoint for pid resolution")
		}
		k, err := kubernetes.NewInCluster(log.With(logger, "component", "discovery.kubernetes"), p.NodeName, criDiscoverer)
		if err != nil {
			return nil, fmt.Errorf("kubernetes discovery: %w", err)
		}
		discoverers = append(discoverers, k)
	}

	return discoverers, nil
}

// runDiscoveryLoop refreshes the union of every discoverer's targets
// on a fixed interval and feeds newly observed pids into the control
// loop.
func runDiscoveryLoop(ctx context.Context, logger log.Logger, discoverers []discovery.Discoverer, interval time.Duration, ctrl *profiler.Controller) error {
	seen := make(map[int]struct{})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		targets, err := discovery.Merge(ctx, discoverers)
		if err != nil {
			level.Warn(logger).Log("msg", "target discovery refresh failed", "err", err)
			return
		}
		fresh := make(map[int]struct{}, len(targets))
		for _, t := range targets {
			fresh[t.PID] = struct{}{}
			if _, ok := seen[t.PID]; !ok {
				ctrl.NewProcess(t.PID)
			}
		}
		seen = fresh
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh()
		}
	}
}

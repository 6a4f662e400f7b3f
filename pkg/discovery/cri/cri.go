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

// Package cri discovers profiling targets through any CRI-compatible
// runtime's ListContainers RPC (containerd, CRI-O, ...), reading each
// container's init process pid from its bundle's init.pid file and its
// annotations from the bundle's OCI config.json.
package cri

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/prometheus/common/model"
	"google.golang.org/grpc"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1alpha2"

	"github.com/lightswitch-dev/lightswitch/pkg/discovery"
)

// Discoverer lists containers over a CRI runtime socket.
type Discoverer struct {
	logger     log.Logger
	client     runtimeapi.RuntimeServiceClient
	conn       *grpc.ClientConn
	bundlesDir string // root containing <container-id>/config.json, e.g. /run/containerd/io.containerd.runtime.v2.task/<ns>

	mu   sync.Mutex
	pids map[string]int // container id -> init pid, refreshed by Discover
}

// New dials a CRI runtime endpoint (e.g. unix:///run/containerd/containerd.sock).
// bundlesDir is the OCI bundle root to read each container's config.json
// and init.pid from — where containerd vs. CRI-O keep
// it differs by installation, so it's passed in rather than guessed.
func New(logger log.Logger, endpoint, bundlesDir string) (*Discoverer, error) {
	conn, err := grpc.Dial(endpoint, grpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("cri: dialing %s: %w", endpoint, err)
	}
	return &Discoverer{
		logger:     logger,
		client:     runtimeapi.NewRuntimeServiceClient(conn),
		conn:       conn,
		bundlesDir: bundlesDir,
		pids:       make(map[string]int),
	}, nil
}

// PIDForContainer returns the last pid Discover resolved for
// containerID. Implements kubernetes.PIDResolver, letting the
// Kubernetes discoverer turn a Pod's ContainerStatus.ContainerID into
// a pid without talking to the runtime a second time.
func (d *Discoverer) PIDForContainer(containerID string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pid, ok := d.pids[containerID]
	return pid, ok
}

// Close releases the underlying gRPC connection.
func (d *Discoverer) Close() error {
	return d.conn.Close()
}

var _ discovery.Discoverer = (*Discoverer)(nil)

// Discover lists running containers and resolves each one's init pid
// from its bundle's init.pid file.
func (d *Discoverer) Discover(ctx context.Context) ([]discovery.Target, error) {
	resp, err := d.client.ListContainers(ctx, &runtimeapi.ListContainersRequest{
		Filter: &runtimeapi.ContainerFilter{
			State: &runtimeapi.ContainerStateValue{State: runtimeapi.ContainerState_CONTAINER_RUNNING},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cri: listing containers: %w", err)
	}

	var targets []discovery.Target
	resolved := make(map[string]int, len(resp.Containers))
	for _, c := range resp.Containers {
		pid, spec, err := d.initPIDAndSpec(c.Id)
		if err != nil {
			level.Debug(d.logger).Log("msg", "failed to resolve container init pid", "id", c.Id, "err", err)
			continue
		}
		resolved[c.Id] = pid

		labels := model.LabelSet{"container_id": model.LabelValue(c.Id)}
		if c.Metadata != nil {
			labels["container_name"] = model.LabelValue(c.Metadata.Name)
		}
		if c.Image != nil {
			labels["image"] = model.LabelValue(c.Image.Image)
		}
		for k, v := range c.Labels {
			labels[model.LabelName("container_label_"+k)] = model.LabelValue(v)
		}
		if sandboxID, ok := spec.Annotations["io.kubernetes.cri.sandbox-id"]; ok {
			labels["sandbox_id"] = model.LabelValue(sandboxID)
		}

		targets = append(targets, discovery.Target{PID: pid, Labels: labels})
	}

	d.mu.Lock()
	d.pids = resolved
	d.mu.Unlock()

	return targets, nil
}

// initPIDAndSpec reads the OCI bundle's config.json (for annotations)
// and its init process pid, stashed by most CRI shims under
// <bundlesDir>/<id>/init.pid.
func (d *Discoverer) initPIDAndSpec(containerID string) (int, specs.Spec, error) {
	bundle := filepath.Join(d.bundlesDir, containerID)

	configPath := filepath.Join(bundle, "config.json")
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return 0, specs.Spec{}, fmt.Errorf("cri: reading %s: %w", configPath, err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return 0, specs.Spec{}, fmt.Errorf("cri: parsing %s: %w", configPath, err)
	}

	pidPath := filepath.Join(bundle, "init.pid")
	pidRaw, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, specs.Spec{}, fmt.Errorf("cri: reading %s: %w", pidPath, err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(pidRaw), "%d", &pid); err != nil {
		return 0, specs.Spec{}, fmt.Errorf("cri: parsing pid from %s: %w", pidPath, err)
	}
	return pid, spec, nil
}

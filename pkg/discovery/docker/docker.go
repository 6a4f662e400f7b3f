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

// Package docker discovers profiling targets from a local Docker
// daemon: every running container's PID 1, labeled with its name and
// image.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/model"

	"github.com/lightswitch-dev/lightswitch/pkg/discovery"
)

// Discoverer lists running containers via the Docker engine API.
type Discoverer struct {
	logger log.Logger
	client *client.Client
}

// New connects to the Docker daemon using the standard
// DOCKER_HOST/DOCKER_API_VERSION environment, matching
// client.NewClientWithOpts(client.FromEnv).
func New(logger log.Logger) (*Discoverer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: connecting to daemon: %w", err)
	}
	return &Discoverer{logger: logger, client: cli}, nil
}

var _ discovery.Discoverer = (*Discoverer)(nil)

// Discover lists running containers and resolves each one's PID 1 via
// ContainerInspect.
func (d *Discoverer) Discover(ctx context.Context) ([]discovery.Target, error) {
	containers, err := d.client.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return nil, fmt.Errorf("docker: listing containers: %w", err)
	}

	var targets []discovery.Target
	for _, c := range containers {
		inspect, err := d.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			level.Debug(d.logger).Log("msg", "failed to inspect container", "id", c.ID, "err", err)
			continue
		}
		if inspect.State == nil || inspect.State.Pid <= 0 {
			continue
		}

		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}

		targets = append(targets, discovery.Target{
			PID: inspect.State.Pid,
			Labels: model.LabelSet{
				"container_id":   model.LabelValue(c.ID),
				"container_name": model.LabelValue(name),
				"image":          model.LabelValue(c.Image),
			},
		})
	}
	return targets, nil
}

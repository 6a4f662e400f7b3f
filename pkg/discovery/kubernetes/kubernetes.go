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

// Package kubernetes discovers profiling targets by listing this
// node's Pods through the Kubernetes API and matching each
// container's ContainerID against a CRI discoverer's targets to
// recover its pid.
package kubernetes

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/model"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/lightswitch-dev/lightswitch/pkg/discovery"
)

// PIDResolver maps a bare CRI container id (a Pod's
// ContainerStatus.ContainerID, e.g. "containerd://<id>", with the
// runtime prefix stripped) to its init pid. pkg/discovery/cri's Discoverer targets, keyed by container id,
// satisfy this after a Discover call.
type PIDResolver interface {
	PIDForContainer(containerID string) (int, bool)
}

// Discoverer lists Pods scheduled to one node and resolves their
// containers' pids through a PIDResolver.
type Discoverer struct {
	logger   log.Logger
	client   kubernetes.Interface
	nodeName string
	pids     PIDResolver
}

// NewInCluster builds a Discoverer using the in-cluster service
// account config, restricted to Pods scheduled on nodeName.
func NewInCluster(logger log.Logger, nodeName string, pids PIDResolver) (*Discoverer, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("kubernetes: loading in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: building client: %w", err)
	}
	return &Discoverer{logger: logger, client: clientset, nodeName: nodeName, pids: pids}, nil
}

var _ discovery.Discoverer = (*Discoverer)(nil)

// Discover lists this node's Pods and emits one Target per running,
// pid-resolvable container.
func (d *Discoverer) Discover(ctx context.Context) ([]discovery.Target, error) {
	pods, err := d.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: "spec.nodeName=" + d.nodeName,
	})
	if err != nil {
		return nil, fmt.Errorf("kubernetes: listing pods: %w", err)
	}

	var targets []discovery.Target
	for _, pod := range pods.Items {
		for _, status := range pod.Status.ContainerStatuses {
			if status.State.Running == nil {
				continue
			}
			pid, ok := d.pids.PIDForContainer(stripRuntimePrefix(status.ContainerID))
			if !ok {
				level.Debug(d.logger).Log("msg", "no pid known for container", "container_id", status.ContainerID, "pod", pod.Name)
				continue
			}
			targets = append(targets, discovery.Target{
				PID: pid,
				Labels: model.LabelSet{
					"namespace": model.LabelValue(pod.Namespace),
					"pod":       model.LabelValue(pod.Name),
					"container": model.LabelValue(status.Name),
				},
			})
		}
	}
	return targets, nil
}

// stripRuntimePrefix removes a CRI-reported "docker://" or
// "containerd://" scheme prefix, leaving the bare container id.
func stripRuntimePrefix(containerID string) string {
	if idx := strings.Index(containerID, "://"); idx >= 0 {
		return containerID[idx+len("://"):]
	}
	return containerID
}

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

package discovery

import (
	"context"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
)

type fakeDiscoverer struct {
	targets []Target
	err     error
}

func (f fakeDiscoverer) Discover(context.Context) ([]Target, error) {
	return f.targets, f.err
}

func TestMergeUnionsByPID(t *testing.T) {
	a := fakeDiscoverer{targets: []Target{{PID: 1, Labels: model.LabelSet{"src": "a"}}}}
	b := fakeDiscoverer{targets: []Target{{PID: 2, Labels: model.LabelSet{"src": "b"}}}}

	merged, err := Merge(context.Background(), []Discoverer{a, b})
	require.NoError(t, err)
	require.Len(t, merged, 2)
}

func TestMergeKeepsFirstDiscovererLabelsOnCollision(t *testing.T) {
	a := fakeDiscoverer{targets: []Target{{PID: 1, Labels: model.LabelSet{"src": "a"}}}}
	b := fakeDiscoverer{targets: []Target{{PID: 1, Labels: model.LabelSet{"src": "b"}}}}

	merged, err := Merge(context.Background(), []Discoverer{a, b})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, model.LabelValue("a"), merged[0].Labels["src"])
}

func TestMergePropagatesDiscovererError(t *testing.T) {
	a := fakeDiscoverer{err: context.DeadlineExceeded}
	_, err := Merge(context.Background(), []Discoverer{a})
	require.Error(t, err)
}

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

package collector

import (
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lightswitch-dev/lightswitch/pkg/bpfmaps"
)

type fakeStatsReader struct {
	keys        []bpfmaps.AggregatedStackKey
	counts      []uint64
	stacks      map[uint64]bpfmaps.Stack
	clearCalled bool
	clearErr    error
}

func (f *fakeStatsReader) ForEachAggregatedStack(fn func(key bpfmaps.AggregatedStackKey, count uint64) error) error {
	for i, k := range f.keys {
		if err := fn(k, f.counts[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStatsReader) LookupStack(stackID uint64) (bpfmaps.Stack, bool, error) {
	s, ok := f.stacks[stackID]
	return s, ok, nil
}

func (f *fakeStatsReader) ClearSessionMaps() error {
	f.clearCalled = true
	return f.clearErr
}

type fakeTriggers struct {
	detachCalled, reattachCalled int
	detachErr, reattachErr       error
}

func (f *fakeTriggers) DetachAll() error {
	f.detachCalled++
	return f.detachErr
}

func (f *fakeTriggers) ReattachAll() error {
	f.reattachCalled++
	return f.reattachErr
}

func stackOf(addrs ...uint64) bpfmaps.Stack {
	var s bpfmaps.Stack
	s.Len = uint64(len(addrs))
	copy(s.Addresses[:], addrs)
	return s
}

func TestCollectProfileJoinsStacksAndClearsSession(t *testing.T) {
	reader := &fakeStatsReader{
		keys: []bpfmaps.AggregatedStackKey{
			{PID: 100, TID: 100, UserStackID: 1, KernelStackID: 2},
			{PID: 200, TID: 201, UserStackID: 0, KernelStackID: 3}, // no user stack
		},
		counts: []uint64{7, 3},
		stacks: map[uint64]bpfmaps.Stack{
			1: stackOf(0x1000, 0x2000),
			2: stackOf(0xffff0000),
			3: stackOf(0xffff1111, 0xffff2222),
		},
	}
	triggers := &fakeTriggers{}
	c := New(log.NewNopLogger(), reader, triggers)

	samples, err := c.CollectProfile()
	require.NoError(t, err)
	require.Len(t, samples, 2)

	require.Equal(t, int32(100), samples[0].PID)
	require.NotNil(t, samples[0].UserStack)
	require.NotNil(t, samples[0].KernelStack)
	require.Equal(t, uint64(7), samples[0].Count)

	require.Nil(t, samples[1].UserStack)
	require.NotNil(t, samples[1].KernelStack)
	require.Equal(t, uint64(3), samples[1].Count)

	require.True(t, reader.clearCalled)
	require.Equal(t, 1, triggers.detachCalled)
	require.Equal(t, 1, triggers.reattachCalled)
}

func TestCollectProfileMissingStackIsSkippedNotFatal(t *testing.T) {
	reader := &fakeStatsReader{
		keys:   []bpfmaps.AggregatedStackKey{{PID: 1, TID: 1, UserStackID: 42}},
		counts: []uint64{1},
		stacks: map[uint64]bpfmaps.Stack{}, // id 42 absent
	}
	c := New(log.NewNopLogger(), reader, &fakeTriggers{})

	samples, err := c.CollectProfile()
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Nil(t, samples[0].UserStack)
}

func TestCollectProfileStopsBeforeReadingAndResumesAfter(t *testing.T) {
	reader := &fakeStatsReader{}
	triggers := &fakeTriggers{}
	c := New(log.NewNopLogger(), reader, triggers)

	_, err := c.CollectProfile()
	require.NoError(t, err)
	require.Equal(t, 1, triggers.detachCalled)
	require.Equal(t, 1, triggers.reattachCalled)
}

func TestCollectProfileReattachesEvenWhenClearFails(t *testing.T) {
	reader := &fakeStatsReader{clearErr: errors.New("clear failed")}
	triggers := &fakeTriggers{}
	c := New(log.NewNopLogger(), reader, triggers)

	_, err := c.CollectProfile()
	require.Error(t, err)
	require.Equal(t, 1, triggers.reattachCalled, "triggers must resume even when clearing session maps fails")
}

func TestCollectProfileFailsWithoutReadingWhenDetachFails(t *testing.T) {
	reader := &fakeStatsReader{
		keys:   []bpfmaps.AggregatedStackKey{{PID: 1, TID: 1}},
		counts: []uint64{1},
	}
	triggers := &fakeTriggers{detachErr: errors.New("detach failed")}
	c := New(log.NewNopLogger(), reader, triggers)

	_, err := c.CollectProfile()
	require.Error(t, err)
	require.False(t, reader.clearCalled)
	require.Equal(t, 0, triggers.reattachCalled, "must not reattach when detach itself never succeeded")
}

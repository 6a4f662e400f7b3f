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

package bpfmaps

import (
	"encoding/binary"
	"fmt"

	"github.com/lightswitch-dev/lightswitch/pkg/unwind/shard"
)

// IncrementFailure bumps rate_limits' per-pid failure counter and
// returns the post-increment count. Read-modify-write rather than a
// kernel-side atomic op, since this process's control loop is the only
// writer.
func (m *Maps) IncrementFailure(pid uint32) (uint64, error) {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(pid))

	raw, err := m.RateLimits.LookupBytes(key[:])
	if err != nil {
		return 0, fmt.Errorf("bpfmaps: looking up rate_limits for pid %d: %w", pid, err)
	}
	var count uint64
	if raw != nil {
		count = binary.LittleEndian.Uint64(raw)
	}
	count++

	var value [8]byte
	binary.LittleEndian.PutUint64(value[:], count)
	if err := m.RateLimits.Update(key[:], value[:], 0); err != nil {
		return 0, fmt.Errorf("bpfmaps: updating rate_limits for pid %d: %w", pid, err)
	}
	return count, nil
}

var _ shard.RateLimiter = (*Maps)(nil)

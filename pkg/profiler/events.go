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

package profiler

// NewProcessEvent announces a pid the in-kernel sampler observed
// starting to execute, via the new-process ring buffer poller.
type NewProcessEvent struct {
	PID int
}

// MunmapEvent announces that pid unmapped the region starting at
// StartAddr.
type MunmapEvent struct {
	PID       int
	StartAddr uint64
}

// ExitEvent announces that pid has exited.
type ExitEvent struct {
	PID int
}

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

package objectfile

import "sync"

// Cache deduplicates Info by ExecutableID so two mappings (in the same
// process, or in different processes) backed by the same file content
// share one open handle and one set of unwind rows downstream.
// Reference counting stands in for automatic collection, since Go has
// no finalizer guarantee to run Close() promptly.
type Cache struct {
	mu      sync.Mutex
	entries map[ExecutableID]*Info
}

// NewCache returns an empty object-file cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[ExecutableID]*Info)}
}

// Acquire opens path, computing its content-derived ExecutableID, and
// either merges it into an already-cached entry for the same ID
// (bumping References, closing the fresh handle) or registers it as
// the new canonical entry. The ID is always recomputed rather than
// taken on faith from the caller.
func (c *Cache) Acquire(path string) (*Info, ExecutableID, error) {
	info, id, err := Open(path)
	if err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[id]; ok {
		existing.References++
		info.Close()
		return existing, id, nil
	}
	c.entries[id] = info
	return info, id, nil
}

// Release drops one reference to id. When the count reaches zero the
// entry is removed from the cache and its file handle closed.
func (c *Cache) Release(id ExecutableID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.entries[id]
	if !ok {
		return nil
	}
	info.References--
	if info.References > 0 {
		return nil
	}
	delete(c.entries, id)
	return info.Close()
}

// Get returns the cached Info for id without changing its reference
// count, or nil if there's no such entry.
func (c *Cache) Get(id ExecutableID) *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[id]
}

// Len reports the number of distinct executables currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

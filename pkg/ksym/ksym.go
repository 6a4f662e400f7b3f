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

// Package ksym resolves kernel addresses to symbol names, caching a
// parsed /proc/kallsyms and demangling any C++-mangled kernel module
// symbols it finds.
package ksym

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// symbol is one kallsyms entry: every address in [Addr, nextAddr)
// belongs to this symbol, where nextAddr is the following entry's
// address (kallsyms has no explicit size field).
type symbol struct {
	addr uint64
	name string
}

// Cache is a refreshable, demangling-aware kallsyms lookup table.
// Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	symbols []symbol // sorted by addr
}

// NewCache builds an empty cache; call Refresh before first use.
func NewCache() *Cache {
	return &Cache{}
}

// Refresh reparses /proc/kallsyms and replaces the symbol table.
// cmd/lightswitch calls it once at startup; symbols of modules loaded
// later are not seen until it is called again.
func (c *Cache) Refresh() error {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return fmt.Errorf("ksym: opening /proc/kallsyms: %w", err)
	}
	defer f.Close()
	return c.refreshFrom(f)
}

func (c *Cache) refreshFrom(r io.Reader) error {
	symbols, err := parseKallsyms(r)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.symbols = symbols
	c.mu.Unlock()
	return nil
}

// LoadFrom parses kallsyms-formatted data from r instead of
// /proc/kallsyms, for tests and for profiling within containers that
// mount a snapshot of it elsewhere.
func (c *Cache) LoadFrom(r io.Reader) error {
	return c.refreshFrom(r)
}

// parseKallsyms reads kallsyms' "addr type name [module]" lines,
// keeping only text symbols (types T/t/W/w — the ones a code address
// can fall inside) and sorting them by address for binary search.
func parseKallsyms(r io.Reader) ([]symbol, error) {
	var symbols []symbol
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		switch fields[1] {
		case "T", "t", "W", "w":
		default:
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue // skip lines whose address field is not hex
		}
		name := fields[2]
		if len(fields) > 3 {
			// a module suffix like "do_thing [nvidia]" is appended verbatim
			name = name + " " + strings.Join(fields[3:], " ")
		}
		symbols = append(symbols, symbol{addr: addr, name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ksym: scanning kallsyms: %w", err)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].addr < symbols[j].addr })
	return symbols, nil
}

// Resolve maps each kernel address to the best-effort symbol name
// covering it, demangled when the kernel reports a mangled C++ name
// (some module and eBPF helper symbols do). Addresses before the
// first known symbol resolve to ""; addresses past the last symbol
// resolve to the last symbol's name.
func (c *Cache) Resolve(addrs []uint64) map[uint64]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[uint64]string, len(addrs))
	for _, addr := range addrs {
		out[addr] = c.resolveOneLocked(addr)
	}
	return out
}

func (c *Cache) resolveOneLocked(addr uint64) string {
	symbols := c.symbols
	if len(symbols) == 0 {
		return ""
	}
	i := sort.Search(len(symbols), func(i int) bool { return symbols[i].addr > addr })
	if i == 0 {
		return ""
	}
	return demangleName(symbols[i-1].name)
}

func demangleName(name string) string {
	if readable, err := demangle.ToString(name); err == nil {
		return readable
	}
	return name
}

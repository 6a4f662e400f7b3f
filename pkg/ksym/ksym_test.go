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

package ksym

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleKallsyms = `0000000000000000 T fixed_percpu_data
ffffffff81000000 T startup_64
ffffffff81000040 T secondary_startup_64
ffffffff81000190 t verify_cpu
ffffffff81200000 T do_syscall_64
ffffffff81300000 r __ksymtab_do_syscall_64
ffffffff8a000000 T nvidia_init [nvidia]
`

func TestParseKallsymsKeepsOnlyTextSymbols(t *testing.T) {
	symbols, err := parseKallsyms(strings.NewReader(sampleKallsyms))
	require.NoError(t, err)

	var names []string
	for _, s := range symbols {
		names = append(names, s.name)
	}
	require.NotContains(t, names, "__ksymtab_do_syscall_64", "non-text symbol types must be skipped")
	require.Contains(t, names, "do_syscall_64")
}

func TestParseKallsymsSortsByAddress(t *testing.T) {
	symbols, err := parseKallsyms(strings.NewReader(sampleKallsyms))
	require.NoError(t, err)
	for i := 1; i < len(symbols); i++ {
		require.LessOrEqual(t, symbols[i-1].addr, symbols[i].addr)
	}
}

func TestResolveReturnsCoveringSymbol(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.refreshFrom(strings.NewReader(sampleKallsyms)))

	resolved := c.Resolve([]uint64{0xffffffff81200123})
	require.Equal(t, "do_syscall_64", resolved[0xffffffff81200123])
}

func TestResolveAtFirstSymbolAddress(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.refreshFrom(strings.NewReader(sampleKallsyms)))

	resolved := c.Resolve([]uint64{0})
	require.Equal(t, "fixed_percpu_data", resolved[0])
}

func TestResolveModuleSymbolKeepsModuleSuffix(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.refreshFrom(strings.NewReader(sampleKallsyms)))

	resolved := c.Resolve([]uint64{0xffffffff8a000010})
	require.Contains(t, resolved[0xffffffff8a000010], "nvidia_init")
}

func TestResolveEmptyCacheReturnsEmptyStrings(t *testing.T) {
	c := NewCache()
	resolved := c.Resolve([]uint64{0x1234})
	require.Equal(t, "", resolved[0x1234])
}

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

package unwind

// RemoveUnnecessaryMarkers drops end-of-function sentinels that are
// immediately followed by a real rule at the very next instruction —
// i.e. there's no gap in PC coverage to mark. Sentinels preceding a
// gap are kept, since they're the only signal that unwinding is
// impossible there. Order-preserving and idempotent.
func RemoveUnnecessaryMarkers(rows []CompactUnwindRow) []CompactUnwindRow {
	out := make([]CompactUnwindRow, 0, len(rows))
	for i, row := range rows {
		if row.IsEndOfFunctionSentinel() && i+1 < len(rows) {
			next := rows[i+1]
			if !next.IsEndOfFunctionSentinel() && next.Pc == row.Pc+1 {
				continue
			}
		}
		out = append(out, row)
	}
	return out
}

// RemoveRedundant collapses consecutive rows whose unwind rule is
// identical, keeping the earliest pc. Order-preserving and idempotent.
func RemoveRedundant(rows []CompactUnwindRow) []CompactUnwindRow {
	if len(rows) == 0 {
		return rows
	}
	out := make([]CompactUnwindRow, 0, len(rows))
	out = append(out, rows[0])
	for _, row := range rows[1:] {
		last := &out[len(out)-1]
		if row.sameRule(*last) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// Optimize runs both compaction passes in order: markers first, then
// redundant-row collapsing.
func Optimize(rows []CompactUnwindRow) []CompactUnwindRow {
	return RemoveRedundant(RemoveUnnecessaryMarkers(rows))
}

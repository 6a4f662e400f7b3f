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

// Package unwind builds the fixed-width, binary-searchable compact
// unwind table that the in-kernel sampler walks to recover a caller's
// CFA and saved frame pointer without needing a real frame pointer.
package unwind

import "encoding/binary"

// CfaType enumerates the source of the Canonical Frame Address. The
// numeric values are an on-wire contract shared with the kernel side,
// not a language enum — never reorder them.
type CfaType uint8

const (
	CfaTypeUndefined CfaType = iota
	CfaTypeRspOffset
	CfaTypeRbpOffset
	CfaTypeExpression
	CfaTypeEndFdeMarker
	CfaTypeUnsupported
)

// RbpType enumerates how the saved frame pointer is recovered.
type RbpType uint8

const (
	RbpTypeUnchanged RbpType = iota
	RbpTypeOffsetFromCfa
	RbpTypeUndefined
	RbpTypeSameValue
	RbpTypeExpression
)

// CompactUnwindRow is one instruction-level unwind rule, laid out to
// match the kernel side's stack_unwind_row_t exactly: 16 bytes, no
// implicit padding.
type CompactUnwindRow struct {
	Pc        uint64
	CfaOffset int16
	CfaType   CfaType
	RbpType   RbpType
	RbpOffset int16
}

// RowWireSize is the number of bytes CompactUnwindRow occupies in the
// shared unwind_tables map.
const RowWireSize = 16

// MarshalBinary encodes the row in the exact wire layout the kernel
// side expects: u64 pc, i16 cfa_offset, u8 cfa_type, u8 rbp_type, i16 rbp_offset.
func (r CompactUnwindRow) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RowWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.Pc)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(r.CfaOffset))
	buf[10] = byte(r.CfaType)
	buf[11] = byte(r.RbpType)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(r.RbpOffset))
	// buf[14:16] left zero: explicit padding, kept zero for a stable wire image.
	return buf, nil
}

// UnmarshalBinary decodes a row previously produced by MarshalBinary.
func (r *CompactUnwindRow) UnmarshalBinary(buf []byte) error {
	if len(buf) < RowWireSize {
		return errShortRow
	}
	r.Pc = binary.LittleEndian.Uint64(buf[0:8])
	r.CfaOffset = int16(binary.LittleEndian.Uint16(buf[8:10]))
	r.CfaType = CfaType(buf[10])
	r.RbpType = RbpType(buf[11])
	r.RbpOffset = int16(binary.LittleEndian.Uint16(buf[12:14]))
	return nil
}

// IsEndOfFunctionSentinel reports whether this row only marks the end
// of a function's coverage and carries no real unwind rule.
func (r CompactUnwindRow) IsEndOfFunctionSentinel() bool {
	return r.CfaType == CfaTypeEndFdeMarker
}

// sameRule reports whether two rows carry identical unwind rules,
// ignoring pc — used by the optimizer's redundant-row pass.
func (r CompactUnwindRow) sameRule(o CompactUnwindRow) bool {
	return r.CfaType == o.CfaType && r.CfaOffset == o.CfaOffset &&
		r.RbpType == o.RbpType && r.RbpOffset == o.RbpOffset
}

type rowError string

func (e rowError) Error() string { return string(e) }

const errShortRow = rowError("unwind: buffer too short for a CompactUnwindRow")

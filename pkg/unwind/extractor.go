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

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"

	"github.com/lightswitch-dev/lightswitch/pkg/stack/frame"
)

var (
	// ErrNoUnwindInfo is returned when an object carries neither
	// .eh_frame nor .debug_frame.
	ErrNoUnwindInfo = errors.New("unwind: no .eh_frame or .debug_frame section")
	// ErrUnsupportedExpression is returned when a CFI program uses a
	// DWARF expression other than the one recognized PLT pattern.
	ErrUnsupportedExpression = errors.New("unwind: unsupported CFI expression")
	// ErrMalformedCfi wraps a lower-level CFI parsing failure.
	ErrMalformedCfi = errors.New("unwind: malformed CFI")
)

// ExtractRows walks every FDE in path's .eh_frame (preferred) or
// .debug_frame section and returns one CompactUnwindRow per distinct
// CFI row, sorted by pc, each function's rows followed by exactly one
// end-of-function sentinel. loadBias is added to the section's FDEs
// begin/end and to the pc of every emitted row (0 for an executable
// whose PCs already match on-disk virtual addresses).
func ExtractRows(obj *elf.File, loadBias uint64) ([]CompactUnwindRow, error) {
	fdes, fromEh, err := readFDEs(obj, loadBias)
	if err != nil {
		return nil, err
	}
	if len(fdes) == 0 {
		return nil, ErrNoUnwindInfo
	}
	_ = fromEh // tie-break note: .eh_frame is always preferred by readFDEs itself.

	sort.Slice(fdes, func(i, j int) bool { return fdes[i].Begin() < fdes[j].Begin() })

	var rows []CompactUnwindRow
	for _, fde := range fdes {
		fnRows, err := rowsForFDE(fde)
		if err != nil {
			return nil, err
		}
		rows = append(rows, fnRows...)
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Pc < rows[j].Pc })
	return rows, nil
}

// readFDEs prefers .eh_frame and only falls back to .debug_frame when
// the former is absent.
func readFDEs(obj *elf.File, loadBias uint64) (frame.FrameDescriptionEntries, bool, error) {
	ptrSize := pointerSize(obj.Machine)

	if sec := obj.Section(".eh_frame"); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, false, fmt.Errorf("unwind: read .eh_frame: %w", err)
		}
		fdes, err := frame.Parse(data, obj.ByteOrder, loadBias, ptrSize, sec.Addr)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformedCfi, err)
		}
		return fdes, true, nil
	}

	if sec := obj.Section(".debug_frame"); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, false, fmt.Errorf("unwind: read .debug_frame: %w", err)
		}
		fdes, err := frame.Parse(data, obj.ByteOrder, loadBias, ptrSize, sec.Addr)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrMalformedCfi, err)
		}
		return fdes, false, nil
	}

	return nil, false, ErrNoUnwindInfo
}

// rowsForFDE materializes every CFI row of one function plus its
// trailing end-of-function sentinel.
func rowsForFDE(fde *frame.FrameDescriptionEntry) ([]CompactUnwindRow, error) {
	var rows []CompactUnwindRow

	err := fde.ExecuteUntil(func(fc *frame.FrameContext) error {
		row := CompactUnwindRow{Pc: fc.Loc}

		switch fc.CFA.Rule {
		case frame.RuleRegister:
			switch fc.CFA.Reg {
			case frame.X86_64RegRSP:
				row.CfaType = CfaTypeRspOffset
				row.CfaOffset = int16(fc.CFA.Offset)
			case frame.X86_64RegRBP:
				row.CfaType = CfaTypeRbpOffset
				row.CfaOffset = int16(fc.CFA.Offset)
			default:
				row.CfaType = CfaTypeUnsupported
			}
		case frame.RuleExpression:
			offset, ok := matchPltExpression(fc.CFA.Expression)
			if !ok {
				return fmt.Errorf("%w: at pc %#x", ErrUnsupportedExpression, fc.Loc)
			}
			row.CfaType = CfaTypeExpression
			row.CfaOffset = int16(offset)
		default:
			row.CfaType = CfaTypeUndefined
		}

		if rbp, ok := fc.Regs[frame.X86_64RegRBP]; ok {
			switch rbp.Rule {
			case frame.RuleOffset:
				row.RbpType = RbpTypeOffsetFromCfa
				row.RbpOffset = int16(rbp.Offset)
			case frame.RuleSameVal:
				row.RbpType = RbpTypeSameValue
			case frame.RuleUndefined:
				row.RbpType = RbpTypeUndefined
			default:
				row.RbpType = RbpTypeUnchanged
			}
		} else {
			row.RbpType = RbpTypeUnchanged
		}

		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows = append(rows, CompactUnwindRow{
		Pc:      fde.End(),
		CfaType: CfaTypeEndFdeMarker,
	})
	return rows, nil
}

// matchPltExpression recognizes the single supported CFA expression
// pattern: DW_OP_breg7 <offset> DW_OP_deref DW_OP_plus_uconst <const>.
// It returns the breg7 offset, which is all the fixed PLT-stub
// convention on the kernel side needs to locate the CFA.
func matchPltExpression(expr []byte) (int64, bool) {
	const (
		dwOpBreg7      = 0x77
		dwOpDeref      = 0x06
		dwOpPlusUconst = 0x23
	)

	if len(expr) < 2 || expr[0] != dwOpBreg7 {
		return 0, false
	}
	r := &exprReader{buf: expr, off: 1}
	offset, ok := r.sleb128()
	if !ok {
		return 0, false
	}
	if !r.expect(dwOpDeref) {
		return 0, false
	}
	if r.off < len(expr) {
		if !r.expect(dwOpPlusUconst) {
			return 0, false
		}
		if _, ok := r.uleb128(); !ok {
			return 0, false
		}
	}
	if r.off != len(expr) {
		return 0, false
	}
	return offset, true
}

type exprReader struct {
	buf []byte
	off int
}

func (r *exprReader) expect(op byte) bool {
	if r.off >= len(r.buf) || r.buf[r.off] != op {
		return false
	}
	r.off++
	return true
}

func (r *exprReader) uleb128() (uint64, bool) {
	var result uint64
	var shift uint
	for {
		if r.off >= len(r.buf) {
			return 0, false
		}
		b := r.buf[r.off]
		r.off++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, true
}

func (r *exprReader) sleb128() (int64, bool) {
	var result int64
	var shift uint
	var b byte
	for {
		if r.off >= len(r.buf) {
			return 0, false
		}
		b = r.buf[r.off]
		r.off++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, true
}

func pointerSize(arch elf.Machine) int {
	switch arch {
	case elf.EM_386:
		return 4
	case elf.EM_AARCH64, elf.EM_X86_64:
		return 8
	default:
		return 8
	}
}

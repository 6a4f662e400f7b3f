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

// Package frame parses DWARF Call Frame Information (.eh_frame and
// .debug_frame) and walks a Frame Description Entry's program,
// invoking a callback at every row transition instead of only
// reporting the final state, so that callers can build one compact
// unwind row per instruction range.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Rule describes how to recover a value at a given program location.
type Rule uint8

const (
	RuleUndefined Rule = iota
	RuleSameVal
	// RuleOffset means the value is stored at CFA+Offset.
	RuleOffset
	// RuleValOffset means the value itself is CFA+Offset (no dereference).
	RuleValOffset
	// RuleRegister means the value lives in another register.
	RuleRegister
	// RuleExpression means the location is given by a DWARF expression.
	RuleExpression
	RuleValExpression
	// RuleUnknown marks an opcode we couldn't interpret.
	RuleUnknown
)

// DWRule is the rule governing one register (or the CFA) at a PC.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

// Registers. x86-64 SysV DWARF numbering.
const (
	X86_64RegRSP = 7
	X86_64RegRBP = 6
	X86_64RegRA  = 16
)

// CommonInformationEntry is a CIE record.
type CommonInformationEntry struct {
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte
	FDEPointerEncoding    byte
	offset                int64
}

// FrameDescriptionEntry is an FDE record bound to its CIE.
type FrameDescriptionEntry struct {
	CIE          *CommonInformationEntry
	begin        uint64
	addressRange uint64
	Instructions []byte
}

// Begin returns the first PC this FDE covers.
func (fde *FrameDescriptionEntry) Begin() uint64 { return fde.begin }

// End returns the first PC past the range this FDE covers.
func (fde *FrameDescriptionEntry) End() uint64 { return fde.begin + fde.addressRange }

// Cover reports whether pc falls within this FDE's range.
func (fde *FrameDescriptionEntry) Cover(pc uint64) bool {
	return fde.begin <= pc && pc < fde.End()
}

type FrameDescriptionEntries []*FrameDescriptionEntry

// FrameContext is the CFI row state materialized at one PC.
type FrameContext struct {
	Loc        uint64
	CFA        DWRule
	Regs       map[uint64]DWRule
	RetAddrReg uint64

	cie          *CommonInformationEntry
	initialRegs  map[uint64]DWRule
	initialCFA   DWRule
	stateStack   []frameState
	codeAlignFac uint64
	dataAlignFac int64
}

type frameState struct {
	cfa  DWRule
	regs map[uint64]DWRule
}

func (fc *FrameContext) cloneRegs() map[uint64]DWRule {
	out := make(map[uint64]DWRule, len(fc.Regs))
	for k, v := range fc.Regs {
		out[k] = v
	}
	return out
}

var (
	ErrUnsupportedExpression = errors.New("frame: unsupported CFI expression")
	ErrMalformedCfi          = errors.New("frame: malformed CFI program")
)

// Parse reads every CIE/FDE record out of a .eh_frame or .debug_frame
// section. staticBase is the load bias added to every FDE's initial
// location, whatever its encoding; ptrSize is 4 or 8; sectionAddr is the virtual
// address the section's first byte is mapped at, needed to resolve
// DWARF pc-relative pointer encodings used pervasively by .eh_frame.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, sectionAddr uint64) (FrameDescriptionEntries, error) {
	cies := map[int64]*CommonInformationEntry{}
	var fdes FrameDescriptionEntries

	r := &reader{buf: data, order: order}
	for r.off < int64(len(data)) {
		entryOff := r.off
		length, err := r.u32()
		if err != nil {
			break
		}
		if length == 0 {
			break
		}
		if length == 0xffffffff {
			return nil, fmt.Errorf("%w: 64-bit DWARF format not supported", ErrMalformedCfi)
		}
		entryEnd := r.off + int64(length)
		if entryEnd > int64(len(data)) {
			return nil, fmt.Errorf("%w: entry length overruns section", ErrMalformedCfi)
		}

		cieIDOff := r.off
		cieID, err := r.u32()
		if err != nil {
			return nil, err
		}

		// .eh_frame: CIE ID is 0. .debug_frame: CIE ID is 0xffffffff.
		isCIE := cieID == 0 || cieID == 0xffffffff
		if isCIE {
			cie, err := parseCIE(r, entryEnd, order)
			if err != nil {
				return nil, err
			}
			cie.offset = entryOff
			cies[entryOff] = cie
		} else {
			var cieOffset int64
			if cieID <= uint32(cieIDOff) {
				// .eh_frame: pointer counts backwards from the field itself.
				cieOffset = cieIDOff - int64(cieID)
			} else {
				// .debug_frame: absolute offset.
				cieOffset = int64(cieID)
			}
			cie, ok := cies[cieOffset]
			if !ok {
				return nil, fmt.Errorf("%w: FDE references unknown CIE at %d", ErrMalformedCfi, cieOffset)
			}
			fde, err := parseFDE(r, entryEnd, cie, order, staticBase, ptrSize, sectionAddr)
			if err != nil {
				return nil, err
			}
			fdes = append(fdes, fde)
		}
		r.off = entryEnd
	}
	return fdes, nil
}

func parseCIE(r *reader, end int64, order binary.ByteOrder) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{}
	var err error
	if cie.Version, err = r.u8(); err != nil {
		return nil, err
	}
	if cie.Augmentation, err = r.cstring(); err != nil {
		return nil, err
	}
	if cie.CodeAlignmentFactor, err = r.uleb128(); err != nil {
		return nil, err
	}
	if cie.DataAlignmentFactor, err = r.sleb128(); err != nil {
		return nil, err
	}
	if cie.Version == 1 {
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(b)
	} else {
		if cie.ReturnAddressRegister, err = r.uleb128(); err != nil {
			return nil, err
		}
	}

	cie.FDEPointerEncoding = 0 // DW_EH_PE_absptr
	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := r.uleb128()
		if err != nil {
			return nil, err
		}
		augEnd := r.off + int64(augLen)
		for _, c := range cie.Augmentation[1:] {
			switch c {
			case 'R':
				b, err := r.u8()
				if err != nil {
					return nil, err
				}
				cie.FDEPointerEncoding = b
			case 'L':
				if _, err := r.u8(); err != nil {
					return nil, err
				}
			case 'P':
				enc, err := r.u8()
				if err != nil {
					return nil, err
				}
				if _, err := readEncodedValue(r, enc, 8, 0); err != nil {
					return nil, err
				}
			case 'S', 'B':
				// no augmentation data
			}
		}
		r.off = augEnd
	}

	if cie.offset = 0; end < r.off {
		return nil, fmt.Errorf("%w: CIE body overruns its own length", ErrMalformedCfi)
	}
	cie.InitialInstructions = r.buf[r.off:end]
	r.off = end
	return cie, nil
}

func parseFDE(r *reader, end int64, cie *CommonInformationEntry, order binary.ByteOrder, staticBase uint64, ptrSize int, sectionAddr uint64) (*FrameDescriptionEntry, error) {
	fde := &FrameDescriptionEntry{CIE: cie}

	pcRelBase := sectionAddr + uint64(r.off)
	begin, err := readEncodedValue(r, cie.FDEPointerEncoding, ptrSize, pcRelBase)
	if err != nil {
		return nil, err
	}
	fde.begin = begin + staticBase

	// The address range is always an absolute-value encoding of the
	// same basic width as the location pointer, never pc-relative.
	rangeEncoding := cie.FDEPointerEncoding &^ 0x70 // strip application bits (pcrel etc).
	addrRange, err := readEncodedValue(r, rangeEncoding, ptrSize, 0)
	if err != nil {
		return nil, err
	}
	fde.addressRange = addrRange

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := r.uleb128()
		if err != nil {
			return nil, err
		}
		r.off += int64(augLen)
	}

	if end < r.off {
		return nil, fmt.Errorf("%w: FDE body overruns its own length", ErrMalformedCfi)
	}
	fde.Instructions = r.buf[r.off:end]
	r.off = end
	return fde, nil
}

// ExecuteUntil runs the CIE's initial instructions, then this FDE's
// program, invoking step at the FDE's begin address and after every
// location-advancing instruction. It stops early if step returns an error.
func (fde *FrameDescriptionEntry) ExecuteUntil(step func(fc *FrameContext) error) error {
	fc := &FrameContext{
		Loc:          fde.Begin(),
		Regs:         map[uint64]DWRule{},
		RetAddrReg:   fde.CIE.ReturnAddressRegister,
		cie:          fde.CIE,
		codeAlignFac: fde.CIE.CodeAlignmentFactor,
		dataAlignFac: fde.CIE.DataAlignmentFactor,
	}

	if err := executeProgram(fc, fde.CIE.InitialInstructions, fde, nil); err != nil {
		return err
	}
	fc.initialRegs = fc.cloneRegs()
	fc.initialCFA = fc.CFA

	return executeProgram(fc, fde.Instructions, fde, step)
}

// executeProgram runs a CFA byte program. When advanceStep is non-nil
// it is invoked before consuming a location-advancing opcode, once
// per distinct location, emitting one row per PC transition.
func executeProgram(fc *FrameContext, prog []byte, fde *FrameDescriptionEntry, advanceStep func(fc *FrameContext) error) error {
	r := &reader{buf: prog}
	emit := func() error {
		if advanceStep == nil {
			return nil
		}
		return advanceStep(fc)
	}

	for r.off < int64(len(prog)) {
		op, err := r.u8()
		if err != nil {
			return err
		}
		hi := op & 0xc0
		lo := op & 0x3f

		switch {
		case hi == 0x40: // DW_CFA_advance_loc
			if err := emit(); err != nil {
				return err
			}
			fc.Loc += uint64(lo) * fc.codeAlignFac

		case hi == 0x80: // DW_CFA_offset
			offset, err := r.uleb128()
			if err != nil {
				return err
			}
			fc.Regs[uint64(lo)] = DWRule{Rule: RuleOffset, Offset: int64(offset) * fc.dataAlignFac}

		case hi == 0xc0: // DW_CFA_restore
			if fc.initialRegs != nil {
				if rule, ok := fc.initialRegs[uint64(lo)]; ok {
					fc.Regs[uint64(lo)] = rule
				} else {
					delete(fc.Regs, uint64(lo))
				}
			}

		default:
			switch op {
			case 0x00: // DW_CFA_nop

			case 0x01: // DW_CFA_set_loc
				if err := emit(); err != nil {
					return err
				}
				loc, err := readEncodedValue(r, fc.cie.FDEPointerEncoding, 8, 0)
				if err != nil {
					return err
				}
				fc.Loc = loc

			case 0x02: // DW_CFA_advance_loc1
				if err := emit(); err != nil {
					return err
				}
				d, err := r.u8()
				if err != nil {
					return err
				}
				fc.Loc += uint64(d) * fc.codeAlignFac

			case 0x03: // DW_CFA_advance_loc2
				if err := emit(); err != nil {
					return err
				}
				d, err := r.u16()
				if err != nil {
					return err
				}
				fc.Loc += uint64(d) * fc.codeAlignFac

			case 0x04: // DW_CFA_advance_loc4
				if err := emit(); err != nil {
					return err
				}
				d, err := r.u32()
				if err != nil {
					return err
				}
				fc.Loc += uint64(d) * fc.codeAlignFac

			case 0x05: // DW_CFA_offset_extended
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				offset, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleOffset, Offset: int64(offset) * fc.dataAlignFac}

			case 0x06: // DW_CFA_restore_extended
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				if fc.initialRegs != nil {
					if rule, ok := fc.initialRegs[reg]; ok {
						fc.Regs[reg] = rule
					}
				}

			case 0x07: // DW_CFA_undefined
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleUndefined}

			case 0x08: // DW_CFA_same_value
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleSameVal}

			case 0x09: // DW_CFA_register
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				other, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleRegister, Reg: other}

			case 0x0a: // DW_CFA_remember_state
				fc.stateStack = append(fc.stateStack, frameState{cfa: fc.CFA, regs: fc.cloneRegs()})

			case 0x0b: // DW_CFA_restore_state
				if n := len(fc.stateStack); n > 0 {
					s := fc.stateStack[n-1]
					fc.stateStack = fc.stateStack[:n-1]
					fc.CFA = s.cfa
					fc.Regs = s.regs
				}

			case 0x0c: // DW_CFA_def_cfa
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				offset, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.CFA = DWRule{Rule: RuleRegister, Reg: reg, Offset: int64(offset)}

			case 0x12: // DW_CFA_def_cfa_sf
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				offset, err := r.sleb128()
				if err != nil {
					return err
				}
				fc.CFA = DWRule{Rule: RuleRegister, Reg: reg, Offset: offset * fc.dataAlignFac}

			case 0x0d: // DW_CFA_def_cfa_register
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.CFA.Reg = reg

			case 0x0e: // DW_CFA_def_cfa_offset
				offset, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.CFA.Offset = int64(offset)

			case 0x13: // DW_CFA_def_cfa_offset_sf
				offset, err := r.sleb128()
				if err != nil {
					return err
				}
				fc.CFA.Offset = offset * fc.dataAlignFac

			case 0x0f: // DW_CFA_def_cfa_expression
				expr, err := r.block()
				if err != nil {
					return err
				}
				fc.CFA = DWRule{Rule: RuleExpression, Expression: expr}

			case 0x10: // DW_CFA_expression
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				expr, err := r.block()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleExpression, Reg: reg, Expression: expr}

			case 0x11: // DW_CFA_offset_extended_sf
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				offset, err := r.sleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleOffset, Offset: offset * fc.dataAlignFac}

			case 0x14: // DW_CFA_val_offset
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				offset, err := r.uleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: int64(offset) * fc.dataAlignFac}

			case 0x15: // DW_CFA_val_offset_sf
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				offset, err := r.sleb128()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleValOffset, Offset: offset * fc.dataAlignFac}

			case 0x16: // DW_CFA_val_expression
				reg, err := r.uleb128()
				if err != nil {
					return err
				}
				expr, err := r.block()
				if err != nil {
					return err
				}
				fc.Regs[reg] = DWRule{Rule: RuleValExpression, Reg: reg, Expression: expr}

			case 0x2e: // DW_CFA_GNU_args_size
				if _, err := r.uleb128(); err != nil {
					return err
				}

			default:
				// Unknown opcode: best effort, treat as a nop rather than
				// aborting the whole unwind table for one function.
			}
		}
	}

	// Rows are committed lazily: each advance_loc-family opcode flushes
	// the state accumulated since the previous one, so the state built
	// up after the last advance_loc (through the FDE's end) still needs
	// an unconditional flush here regardless of how many rows already
	// emitted.
	return emit()
}

// reader is a small cursor over a CFI byte program.
type reader struct {
	buf   []byte
	off   int64
	order binary.ByteOrder
}

func (r *reader) byteOrder() binary.ByteOrder {
	if r.order != nil {
		return r.order
	}
	return binary.LittleEndian
}

func (r *reader) u8() (uint8, error) {
	if r.off >= int64(len(r.buf)) {
		return 0, fmt.Errorf("%w: unexpected end of CFI program", ErrMalformedCfi)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > int64(len(r.buf)) {
		return 0, fmt.Errorf("%w: unexpected end of CFI program", ErrMalformedCfi)
	}
	v := r.byteOrder().Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > int64(len(r.buf)) {
		return 0, fmt.Errorf("%w: unexpected end of CFI program", ErrMalformedCfi)
	}
	v := r.byteOrder().Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > int64(len(r.buf)) {
		return 0, fmt.Errorf("%w: unexpected end of CFI program", ErrMalformedCfi)
	}
	v := r.byteOrder().Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) cstring() (string, error) {
	idx := bytes.IndexByte(r.buf[r.off:], 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: unterminated augmentation string", ErrMalformedCfi)
	}
	s := string(r.buf[r.off : r.off+int64(idx)])
	r.off += int64(idx) + 1
	return s, nil
}

func (r *reader) uleb128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

func (r *reader) sleb128() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (r *reader) block() ([]byte, error) {
	n, err := r.uleb128()
	if err != nil {
		return nil, err
	}
	if r.off+int64(n) > int64(len(r.buf)) {
		return nil, fmt.Errorf("%w: DWARF expression overruns buffer", ErrMalformedCfi)
	}
	b := r.buf[r.off : r.off+int64(n)]
	r.off += int64(n)
	return b, nil
}

// DWARF exception-header pointer encodings (DW_EH_PE_*).
const (
	dwEhPeAbsptr  = 0x00
	dwEhPeULEB128 = 0x01
	dwEhPeUData2  = 0x02
	dwEhPeUData4  = 0x03
	dwEhPeUData8  = 0x04
	dwEhPeSLEB128 = 0x09
	dwEhPeSData2  = 0x0a
	dwEhPeSData4  = 0x0b
	dwEhPeSData8  = 0x0c
	dwEhPeOmit    = 0xff
	dwEhPePCRel   = 0x10
)

// readEncodedValue reads a pointer-sized value from r using the given
// DW_EH_PE_* encoding byte, applying the pc-relative base if requested.
func readEncodedValue(r *reader, encoding byte, ptrSize int, pcRelBase uint64) (uint64, error) {
	if encoding == dwEhPeOmit {
		return 0, nil
	}

	format := encoding & 0x0f
	application := encoding & 0x70

	var val uint64
	var err error
	switch format {
	case dwEhPeAbsptr:
		if ptrSize == 4 {
			var v uint32
			v, err = r.u32()
			val = uint64(v)
		} else {
			val, err = r.u64()
		}
	case dwEhPeUData2:
		var v uint16
		v, err = r.u16()
		val = uint64(v)
	case dwEhPeUData4:
		var v uint32
		v, err = r.u32()
		val = uint64(v)
	case dwEhPeUData8:
		val, err = r.u64()
	case dwEhPeULEB128:
		val, err = r.uleb128()
	case dwEhPeSData2:
		var v uint16
		v, err = r.u16()
		val = uint64(int64(int16(v)))
	case dwEhPeSData4:
		var v uint32
		v, err = r.u32()
		val = uint64(int64(int32(v)))
	case dwEhPeSData8:
		var v uint64
		v, err = r.u64()
		val = v
	case dwEhPeSLEB128:
		var s int64
		s, err = r.sleb128()
		val = uint64(s)
	default:
		return 0, fmt.Errorf("%w: unsupported pointer encoding 0x%x", ErrMalformedCfi, encoding)
	}
	if err != nil {
		return 0, err
	}

	if application == dwEhPePCRel {
		val += pcRelBase
	}
	return val, nil
}

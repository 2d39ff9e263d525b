// Package insn classifies RISC-V instructions for the tracer: how long an
// encoding is, whether it is safe to relocate into an out-of-line slot and
// single-step, and whether it carries a stack-pointer-adjusting immediate.
//
// This module targets RV64; the one encoding whose legality differs between
// RV32 and RV64 (compressed quadrant-1, funct3=001) is noted where it comes
// up.
package insn

import (
	"fmt"

	"rvtrace/bitfield"
	"rvtrace/codemem"
)

// Status classifies whether decode found the instruction safe to relocate.
type Status int

const (
	Legal Status = iota
	Illegal
)

func (s Status) String() string {
	if s == Legal {
		return "Legal"
	}
	return "Illegal"
}

// standard 32-bit opcodes (bits [6:0]). auipc, jal and branch are
// PC-relative and therefore unsafe to single-step from a relocated slot;
// addi is the opcode of the `addi sp, sp, imm` prologue form.
const (
	opAuipc  = 0x17
	opJal    = 0x6F
	opBranch = 0x63
	opAddi   = 0x13
)

func wordFromBytes(b []byte) uint32 {
	var w uint32
	for i := len(b) - 1; i >= 0; i-- {
		w = w<<8 | uint32(b[i])
	}
	return w
}

// Length inspects the low two bits of the byte at addr: 2 when they are not
// both set (a compressed instruction), 4 otherwise.
func Length(mem codemem.Memory, addr uint64) (int, error) {
	var b [1]byte
	if err := mem.ReadAt(addr, b[:]); err != nil {
		return 0, fmt.Errorf("insn: length: %w", err)
	}
	if b[0]&0x03 != 0x03 {
		return 2, nil
	}
	return 4, nil
}

// Classify reports whether the instruction at addr can be relocated into an
// out-of-line slot and single-stepped safely.
func Classify(mem codemem.Memory, addr uint64) (Status, error) {
	length, err := Length(mem, addr)
	if err != nil {
		return Illegal, err
	}
	buf := make([]byte, length)
	if err := mem.ReadAt(addr, buf); err != nil {
		return Illegal, fmt.Errorf("insn: classify: %w", err)
	}
	word := wordFromBytes(buf)
	if length == 2 {
		return classifyCompressed(uint16(word)), nil
	}
	return classifyStandard(word), nil
}

func classifyStandard(word uint32) Status {
	switch bitfield.Bits(word, 0, 6) {
	case opAuipc, opJal, opBranch:
		return Illegal
	default:
		return Legal
	}
}

func classifyCompressed(word uint16) Status {
	quadrant := word & 0x3
	funct3 := (word >> 13) & 0x7
	if quadrant != 0b01 {
		return Legal
	}
	switch funct3 {
	case 0b101: // c.j
		return Illegal
	case 0b110, 0b111: // c.beqz, c.bnez
		return Illegal
	// funct3 == 0b001 is c.jal on RV32 (PC-relative, Illegal there) but
	// c.addiw on RV64 (ordinary register arithmetic, Legal). RV64 wins.
	default:
		return Legal
	}
}

// StackPointerDelta decodes the instruction at addr as `addi sp, sp, imm`
// or a compressed equivalent (`c.addi16sp`, `c.addi4spn`) and returns the
// sign-extended immediate. ok is false if addr does not hold one of these
// forms.
func StackPointerDelta(mem codemem.Memory, addr uint64) (delta int32, ok bool, err error) {
	length, err := Length(mem, addr)
	if err != nil {
		return 0, false, err
	}
	buf := make([]byte, length)
	if err := mem.ReadAt(addr, buf); err != nil {
		return 0, false, fmt.Errorf("insn: stack pointer delta: %w", err)
	}
	word := wordFromBytes(buf)
	if length == 4 {
		return standardAddiSP(word)
	}
	return compressedAddiSP(uint16(word))
}

func standardAddiSP(word uint32) (int32, bool, error) {
	opcode := bitfield.Bits(word, 0, 6)
	funct3 := bitfield.Bits(word, 12, 14)
	rd := bitfield.Bits(word, 7, 11)
	rs1 := bitfield.Bits(word, 15, 19)
	if opcode != opAddi || funct3 != 0 || rd != 2 || rs1 != 2 {
		return 0, false, nil
	}
	imm := bitfield.SignExtend(bitfield.Bits(word, 20, 31), 12)
	return imm, true, nil
}

// c.addi16sp (format CI): 011 nzimm[9] 00010 nzimm[4|6|8:7|5] 01
func compressedAddiSP(word uint16) (int32, bool, error) {
	quadrant := uint32(word) & 0x3
	funct3 := (uint32(word) >> 13) & 0x7
	rd := (uint32(word) >> 7) & 0x1f

	if quadrant == 0b01 && funct3 == 0b011 && rd == 2 {
		imm9 := bitfield.Bit(uint32(word), 12)
		imm87 := bitfield.Bits(uint32(word), 3, 4)
		imm6 := bitfield.Bit(uint32(word), 5)
		imm5 := bitfield.Bit(uint32(word), 2)
		imm4 := bitfield.Bit(uint32(word), 6)
		raw := bitfield.Assemble(
			bitfield.Field{Value: boolBit(imm9), Width: 1},
			bitfield.Field{Value: imm87, Width: 2},
			bitfield.Field{Value: boolBit(imm6), Width: 1},
			bitfield.Field{Value: boolBit(imm5), Width: 1},
			bitfield.Field{Value: boolBit(imm4), Width: 1},
			bitfield.Field{Value: 0, Width: 4},
		)
		if raw == 0 {
			// all-zero nzimm encoding is reserved, not a valid prologue
			return 0, false, nil
		}
		return bitfield.SignExtend(raw, 10), true, nil
	}

	return compressedAddi4SPN(word)
}

// c.addi4spn (format CIW): 000 nzuimm[5:4|9:6|2|3] rd' 00
func compressedAddi4SPN(word uint16) (int32, bool, error) {
	quadrant := uint32(word) & 0x3
	funct3 := (uint32(word) >> 13) & 0x7
	if quadrant != 0b00 || funct3 != 0b000 {
		return 0, false, nil
	}
	imm54 := bitfield.Bits(uint32(word), 11, 12)
	imm96 := bitfield.Bits(uint32(word), 7, 10)
	imm2 := bitfield.Bit(uint32(word), 6)
	imm3 := bitfield.Bit(uint32(word), 5)
	raw := bitfield.Assemble(
		bitfield.Field{Value: imm96, Width: 4},
		bitfield.Field{Value: imm54, Width: 2},
		bitfield.Field{Value: boolBit(imm3), Width: 1},
		bitfield.Field{Value: boolBit(imm2), Width: 1},
		bitfield.Field{Value: 0, Width: 2},
	)
	if raw == 0 {
		return 0, false, nil
	}
	return int32(raw), true, nil
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

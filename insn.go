package main

import "fmt"

// Mnemonic is the closed set of AArch64 mnemonics this decoder recognises.
// Anything outside this set decodes as MnemUnknown; patchers that land on
// an unknown instruction while scanning treat it as "keep looking", never
// as a match.
type Mnemonic int

const (
	MnemUnknown Mnemonic = iota
	MnemAdr
	MnemAdrp
	MnemAdd
	MnemSub
	MnemAnd
	MnemOrr
	MnemMovz
	MnemMovk
	MnemMovn
	MnemMovReg
	MnemLdr
	MnemLdrh
	MnemLdrb
	MnemStr
	MnemB
	MnemBl
	MnemBCond
	MnemBr
	MnemBlr
	MnemCbz
	MnemCbnz
	MnemCsel
	MnemNop
	MnemRet
)

func (m Mnemonic) String() string {
	switch m {
	case MnemAdr:
		return "adr"
	case MnemAdrp:
		return "adrp"
	case MnemAdd:
		return "add"
	case MnemSub:
		return "sub"
	case MnemAnd:
		return "and"
	case MnemOrr:
		return "orr"
	case MnemMovz:
		return "movz"
	case MnemMovk:
		return "movk"
	case MnemMovn:
		return "movn"
	case MnemMovReg:
		return "mov"
	case MnemLdr:
		return "ldr"
	case MnemLdrh:
		return "ldrh"
	case MnemLdrb:
		return "ldrb"
	case MnemStr:
		return "str"
	case MnemB:
		return "b"
	case MnemBl:
		return "bl"
	case MnemBCond:
		return "b.cond"
	case MnemBr:
		return "br"
	case MnemBlr:
		return "blr"
	case MnemCbz:
		return "cbz"
	case MnemCbnz:
		return "cbnz"
	case MnemCsel:
		return "csel"
	case MnemNop:
		return "nop"
	case MnemRet:
		return "ret"
	default:
		return "unknown"
	}
}

// Supertype groups mnemonics by the data-flow shape patchers care about:
// does this instruction move/compute a value, touch memory, or transfer
// control.
type Supertype int

const (
	SutGeneral Supertype = iota
	SutMemory
	SutBranchImm
	SutBranchReg
	SutOther
)

func (s Supertype) String() string {
	switch s {
	case SutGeneral:
		return "general"
	case SutMemory:
		return "memory"
	case SutBranchImm:
		return "branch_imm"
	case SutBranchReg:
		return "branch_reg"
	default:
		return "other"
	}
}

// Insn is a decoded AArch64 instruction record. Fields not meaningful for
// a given mnemonic are left zero.
type Insn struct {
	opcode    uint32
	pc        uint64
	mnemonic  Mnemonic
	supertype Supertype
	rd        uint8
	rn        uint8
	rm        uint8 // aka "other"
	imm       int64
	sf        uint8 // 0 = 32-bit, 1 = 64-bit
	cond      uint8
}

func (i Insn) Opcode() uint32       { return i.opcode }
func (i Insn) PC() uint64           { return i.pc }
func (i Insn) Mnemonic() Mnemonic   { return i.mnemonic }
func (i Insn) Supertype() Supertype { return i.supertype }
func (i Insn) Rd() uint8            { return i.rd }
func (i Insn) Rn() uint8            { return i.rn }
func (i Insn) Rm() uint8            { return i.rm }
func (i Insn) Other() uint8         { return i.rm }
func (i Insn) Imm() int64           { return i.imm }
func (i Insn) SF() uint8            { return i.sf }
func (i Insn) Cond() uint8          { return i.cond }

// Is reports whether the instruction's mnemonic matches m — the
// equivalent of the cursor's "cmp against a mnemonic tag" contract.
func (i Insn) Is(m Mnemonic) bool { return i.mnemonic == m }

func signExtend(v uint32, bits uint) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}

// Decode classifies a 32-bit AArch64 word at virtual address pc and
// extracts the operand fields the patch-finder subset needs. Unhandled
// encodings decode to MnemUnknown/SutOther without error — scanning code
// is expected to keep walking past them.
func Decode(pc uint64, word uint32) Insn {
	in := Insn{opcode: word, pc: pc}

	switch {
	case word == 0xD503201F:
		in.mnemonic = MnemNop
		in.supertype = SutGeneral
		return in

	case word&0xFFFFFC1F == 0xD65F0000:
		// RET Xn: 1101011 0010 11111 000000 Rn 00000
		in.mnemonic = MnemRet
		in.supertype = SutBranchReg
		in.rn = uint8((word >> 5) & 0x1F)
		return in

	case word&0xFC000000 == 0x14000000:
		in.mnemonic = MnemB
		in.supertype = SutBranchImm
		imm26 := word & 0x3FFFFFF
		in.imm = pc2(pc, signExtend(imm26, 26)*4)
		return in

	case word&0xFC000000 == 0x94000000:
		in.mnemonic = MnemBl
		in.supertype = SutBranchImm
		imm26 := word & 0x3FFFFFF
		in.imm = pc2(pc, signExtend(imm26, 26)*4)
		return in

	case word&0xFF000010 == 0x54000000:
		in.mnemonic = MnemBCond
		in.supertype = SutBranchImm
		in.cond = uint8(word & 0xF)
		imm19 := (word >> 5) & 0x7FFFF
		in.imm = pc2(pc, signExtend(imm19, 19)*4)
		return in

	case word&0xFF9FFC1F == 0xD61F0000:
		in.mnemonic = MnemBr
		in.supertype = SutBranchReg
		in.rn = uint8((word >> 5) & 0x1F)
		return in

	case word&0xFF9FFC1F == 0xD63F0000:
		in.mnemonic = MnemBlr
		in.supertype = SutBranchReg
		in.rn = uint8((word >> 5) & 0x1F)
		return in

	case word&0x7F000000 == 0x34000000:
		in.mnemonic = MnemCbz
		in.supertype = SutBranchImm
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		imm19 := (word >> 5) & 0x7FFFF
		in.imm = pc2(pc, signExtend(imm19, 19)*4)
		return in

	case word&0x7F000000 == 0x35000000:
		in.mnemonic = MnemCbnz
		in.supertype = SutBranchImm
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		imm19 := (word >> 5) & 0x7FFFF
		in.imm = pc2(pc, signExtend(imm19, 19)*4)
		return in

	case word&0x9F000000 == 0x10000000:
		// ADR: op=0
		in.mnemonic = MnemAdr
		in.supertype = SutGeneral
		in.rd = uint8(word & 0x1F)
		immlo := (word >> 29) & 0x3
		immhi := (word >> 5) & 0x7FFFF
		imm := (immhi << 2) | immlo
		in.imm = pc2(pc, signExtend(imm, 21))
		return in

	case word&0x9F000000 == 0x90000000:
		// ADRP: op=1
		in.mnemonic = MnemAdrp
		in.supertype = SutGeneral
		in.rd = uint8(word & 0x1F)
		immlo := (word >> 29) & 0x3
		immhi := (word >> 5) & 0x7FFFF
		imm := (immhi << 2) | immlo
		pageOff := signExtend(imm, 21) << 12
		in.imm = int64(pc&^0xFFF) + pageOff
		return in

	case word&0x7F800000 == 0x11000000:
		in.mnemonic = MnemAdd
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.imm = int64((word >> 10) & 0xFFF)
		return in

	case word&0x7F800000 == 0x51000000:
		in.mnemonic = MnemSub
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.imm = int64((word >> 10) & 0xFFF)
		return in

	case word&0xFFE0FFE0 == 0xAA0003E0:
		// ORR (shifted register), Rn==XZR: MOV Xd, Xm alias.
		in.mnemonic = MnemMovReg
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.rm = uint8((word >> 16) & 0x1F)
		return in

	case word&0x7F800000 == 0x12000000:
		in.mnemonic = MnemAnd
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.imm = decodeBitmaskImm(word)
		return in

	case word&0x7F800000 == 0x32000000:
		in.mnemonic = MnemOrr
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.imm = decodeBitmaskImm(word)
		return in

	case word&0x7F800000 == 0x12800000:
		in.mnemonic = MnemMovn
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.imm = int64((word >> 5) & 0xFFFF)
		return in

	case word&0x7F800000 == 0x52800000:
		in.mnemonic = MnemMovz
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.imm = int64((word >> 5) & 0xFFFF)
		return in

	case word&0x7F800000 == 0x72800000:
		in.mnemonic = MnemMovk
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.imm = int64((word >> 5) & 0xFFFF)
		return in

	case word&0xFFC00000 == 0xB9400000 || word&0xFFC00000 == 0xF9400000:
		in.mnemonic = MnemLdr
		in.supertype = SutMemory
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		scale := uint32(8)
		if word&0xFFC00000 == 0xB9400000 {
			scale = 4
		}
		in.imm = int64(((word >> 10) & 0xFFF) * scale)
		return in

	case word&0xFFC00000 == 0xF9000000 || word&0xFFC00000 == 0xB9000000:
		in.mnemonic = MnemStr
		in.supertype = SutMemory
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		scale := uint32(8)
		if word&0xFFC00000 == 0xB9000000 {
			scale = 4
		}
		in.imm = int64(((word >> 10) & 0xFFF) * scale)
		return in

	case word&0xFFC00000 == 0x79400000:
		in.mnemonic = MnemLdrh
		in.supertype = SutMemory
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.imm = int64(((word >> 10) & 0xFFF) * 2)
		return in

	case word&0xFFC00000 == 0x39400000:
		in.mnemonic = MnemLdrb
		in.supertype = SutMemory
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.imm = int64((word >> 10) & 0xFFF)
		return in

	case word&0x7FE00C00 == 0x1A800000:
		in.mnemonic = MnemCsel
		in.supertype = SutGeneral
		in.sf = uint8(word >> 31)
		in.rd = uint8(word & 0x1F)
		in.rn = uint8((word >> 5) & 0x1F)
		in.rm = uint8((word >> 16) & 0x1F)
		in.cond = uint8((word >> 12) & 0xF)
		return in
	}

	in.supertype = SutOther
	return in
}

// pc2 applies a signed delta to an address and returns it as int64 so
// callers can store absolute VAs in Insn.imm uniformly.
func pc2(pc uint64, delta int64) int64 {
	return int64(pc) + delta
}

// decodeBitmaskImm decodes the AArch64 "logical immediate" encoding used
// by AND/ORR (immediate), following the standard DecodeBitMasks algorithm
// from the architecture reference (replicate a rotated run of ones across
// the register width).
func decodeBitmaskImm(word uint32) int64 {
	n := (word >> 22) & 1
	immr := int((word >> 16) & 0x3F)
	imms := int((word >> 10) & 0x3F)
	sf := (word >> 31) & 1

	width := 32
	if sf == 1 {
		width = 64
	}

	lenBit := highestSetBit32((n << 6) | uint32(^imms&0x3F))
	if lenBit < 1 {
		return 0
	}
	esize := 1 << uint(lenBit)
	levels := esize - 1
	s := imms & levels
	r := immr & levels

	welem := uint64(1)<<uint(s+1) - 1
	wmask := rotr64(welem, uint(r), uint(esize))

	var result uint64
	for i := 0; i < width; i += esize {
		result |= wmask << uint(i)
	}
	if width < 64 {
		result &= uint64(1)<<uint(width) - 1
	}
	return int64(result)
}

func rotr64(v uint64, rot uint, width uint) uint64 {
	mask := uint64(1)<<width - 1
	v &= mask
	rot %= width
	if rot == 0 {
		return v
	}
	return ((v >> rot) | (v << (width - rot))) & mask
}

func highestSetBit32(x uint32) int {
	bit := -1
	for i := 0; i < 32; i++ {
		if x&(1<<uint(i)) != 0 {
			bit = i
		}
	}
	return bit
}

// String renders a short disassembly-like form, useful in debug tracing.
func (i Insn) String() string {
	return fmt.Sprintf("%#x: %s rd=%d rn=%d rm=%d imm=%#x", i.pc, i.mnemonic, i.rd, i.rn, i.rm, i.imm)
}

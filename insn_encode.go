package main

import "fmt"

// NewGeneralAdr builds an ADR instruction at pc whose PC-relative field
// resolves to absolute address target, writing the result to register rd.
func NewGeneralAdr(pc uint64, target int64, rd uint8) (Insn, error) {
	if rd > 31 {
		return Insn{}, fmt.Errorf("register %d: %w", rd, ErrUnrepresentable)
	}
	delta := target - int64(pc)
	if delta < -(1<<20) || delta >= (1<<20) {
		return Insn{}, fmt.Errorf("adr delta %d out of range: %w", delta, ErrUnrepresentable)
	}
	imm := uint32(delta) & 0x1FFFFF
	immlo := imm & 0x3
	immhi := (imm >> 2) & 0x7FFFF
	word := uint32(0x10000000) | (immlo << 29) | (immhi << 5) | uint32(rd)
	return Insn{opcode: word, pc: pc, mnemonic: MnemAdr, supertype: SutGeneral, rd: rd, imm: target}, nil
}

// NewRegisterMov builds "mov xd, xm" (the ORR Xd, XZR, Xm alias) at pc.
func NewRegisterMov(pc uint64, rd, rm uint8) (Insn, error) {
	if rd > 31 || rm > 31 {
		return Insn{}, fmt.Errorf("register rd=%d rm=%d: %w", rd, rm, ErrUnrepresentable)
	}
	word := uint32(0xAA0003E0) | (uint32(rm) << 16) | uint32(rd)
	return Insn{opcode: word, pc: pc, mnemonic: MnemMovReg, supertype: SutGeneral, rd: rd, rm: rm, sf: 1}, nil
}

// NewImmediateLdr builds "ldr rt, [rn, #imm]" (64-bit, unsigned scaled
// offset) at pc. Used by the bgcolor->memcpy patcher to widen ldrh/ldrb
// memory accesses to full 64-bit loads with the same operands.
func NewImmediateLdr(pc uint64, imm int64, rn, rt uint8) (Insn, error) {
	if rn > 31 || rt > 31 {
		return Insn{}, fmt.Errorf("register rn=%d rt=%d: %w", rn, rt, ErrUnrepresentable)
	}
	if imm < 0 || imm%8 != 0 || imm/8 > 0xFFF {
		return Insn{}, fmt.Errorf("ldr imm %d: %w", imm, ErrUnrepresentable)
	}
	imm12 := uint32(imm/8) & 0xFFF
	word := uint32(0xF9400000) | (imm12 << 10) | (uint32(rn) << 5) | uint32(rt)
	return Insn{opcode: word, pc: pc, mnemonic: MnemLdr, supertype: SutMemory, rd: rt, rn: rn, imm: imm}, nil
}

// NewImmediateB builds an unconditional branch at pc to target.
func NewImmediateB(pc uint64, target int64) (Insn, error) {
	delta := target - int64(pc)
	if delta%4 != 0 {
		return Insn{}, fmt.Errorf("b delta %d not word-aligned: %w", delta, ErrUnrepresentable)
	}
	imm26 := delta / 4
	if imm26 < -(1<<25) || imm26 >= (1<<25) {
		return Insn{}, fmt.Errorf("b delta %d out of range: %w", delta, ErrUnrepresentable)
	}
	word := uint32(0x14000000) | (uint32(imm26) & 0x3FFFFFF)
	return Insn{opcode: word, pc: pc, mnemonic: MnemB, supertype: SutBranchImm, imm: target}, nil
}

// NewImmediateBl builds a branch-with-link at pc to target.
func NewImmediateBl(pc uint64, target int64) (Insn, error) {
	delta := target - int64(pc)
	if delta%4 != 0 {
		return Insn{}, fmt.Errorf("bl delta %d not word-aligned: %w", delta, ErrUnrepresentable)
	}
	imm26 := delta / 4
	if imm26 < -(1<<25) || imm26 >= (1<<25) {
		return Insn{}, fmt.Errorf("bl delta %d out of range: %w", delta, ErrUnrepresentable)
	}
	word := uint32(0x94000000) | (uint32(imm26) & 0x3FFFFFF)
	return Insn{opcode: word, pc: pc, mnemonic: MnemBl, supertype: SutBranchImm, imm: target}, nil
}

// NewImmediateMovz builds "movz rd, #imm16, lsl #(hw*16)" at pc.
func NewImmediateMovz(pc uint64, imm16 uint32, rd uint8, hw uint8) (Insn, error) {
	if rd > 31 || hw > 3 || imm16 > 0xFFFF {
		return Insn{}, fmt.Errorf("movz rd=%d hw=%d imm=%#x: %w", rd, hw, imm16, ErrUnrepresentable)
	}
	word := uint32(0xD2800000) | (uint32(hw) << 21) | (imm16 << 5) | uint32(rd)
	return Insn{opcode: word, pc: pc, mnemonic: MnemMovz, supertype: SutGeneral, rd: rd, imm: int64(imm16), sf: 1}, nil
}

// NewImmediateMovk builds "movk rd, #imm16, lsl #(hw*16)" at pc.
func NewImmediateMovk(pc uint64, imm16 uint32, rd uint8, hw uint8) (Insn, error) {
	if rd > 31 || hw > 3 || imm16 > 0xFFFF {
		return Insn{}, fmt.Errorf("movk rd=%d hw=%d imm=%#x: %w", rd, hw, imm16, ErrUnrepresentable)
	}
	word := uint32(0xF2800000) | (uint32(hw) << 21) | (imm16 << 5) | uint32(rd)
	return Insn{opcode: word, pc: pc, mnemonic: MnemMovk, supertype: SutGeneral, rd: rd, imm: int64(imm16), sf: 1}, nil
}

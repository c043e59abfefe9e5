package main

import (
	"errors"
	"testing"
)

func TestFindLiteralRefSoundness(t *testing.T) {
	mem, buf := newTestVMem(t)
	target := testBase + 0x5000
	adrVA := testBase + 0x1000
	in, err := NewGeneralAdr(adrVA, int64(target), 3)
	if err != nil {
		t.Fatalf("NewGeneralAdr: %v", err)
	}
	putU32VA(buf, testBase, adrVA, in.Opcode())

	scan := NewScanner(mem)
	got, err := scan.FindLiteralRef(target, 0)
	if err != nil {
		t.Fatalf("FindLiteralRef: %v", err)
	}
	if got != adrVA {
		t.Fatalf("FindLiteralRef = %#x, want %#x", got, adrVA)
	}

	cur := NewInsnCursor(mem, got)
	decoded, err := cur.Insn()
	if err != nil {
		t.Fatalf("Insn: %v", err)
	}
	if uint64(decoded.Imm()) != target {
		t.Fatalf("decoded target = %#x, want %#x", decoded.Imm(), target)
	}
}

func TestFindLiteralRefSkip(t *testing.T) {
	mem, buf := newTestVMem(t)
	target := testBase + 0x5000
	va1 := testBase + 0x1000
	va2 := testBase + 0x2000

	in1, _ := NewGeneralAdr(va1, int64(target), 3)
	in2, _ := NewGeneralAdr(va2, int64(target), 4)
	putU32VA(buf, testBase, va1, in1.Opcode())
	putU32VA(buf, testBase, va2, in2.Opcode())

	scan := NewScanner(mem)
	first, err := scan.FindLiteralRef(target, 0)
	if err != nil || first != va1 {
		t.Fatalf("skip=0: got %#x, err %v, want %#x", first, err, va1)
	}
	second, err := scan.FindLiteralRef(target, 1)
	if err != nil || second != va2 {
		t.Fatalf("skip=1: got %#x, err %v, want %#x", second, err, va2)
	}
}

func TestFindLiteralRefNotFound(t *testing.T) {
	mem, _ := newTestVMem(t)
	scan := NewScanner(mem)
	if _, err := scan.FindLiteralRef(testBase+0x9999, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindCallRef(t *testing.T) {
	mem, buf := newTestVMem(t)
	target := testBase + 0x4000
	blVA := testBase + 0x1000
	bl, err := NewImmediateBl(blVA, int64(target))
	if err != nil {
		t.Fatalf("NewImmediateBl: %v", err)
	}
	putU32VA(buf, testBase, blVA, bl.Opcode())

	scan := NewScanner(mem)
	got, err := scan.FindCallRef(target)
	if err != nil {
		t.Fatalf("FindCallRef: %v", err)
	}
	if got != blVA {
		t.Fatalf("FindCallRef = %#x, want %#x", got, blVA)
	}
}

func newPrologueWord(t *testing.T) uint32 {
	t.Helper()
	// stp x29, x30, [sp, #-0x10]!
	return uint32(0xA9800000) | (30 << 10) | (31 << 5) | 29
}

func TestFindBOFLocality(t *testing.T) {
	mem, buf := newTestVMem(t)
	far := testBase + 0x1000
	near := testBase + 0x2000
	putU32VA(buf, testBase, far, newPrologueWord(t))
	putU32VA(buf, testBase, near, newPrologueWord(t))

	scan := NewScanner(mem)
	got, err := scan.FindBOF(near + 0x20)
	if err != nil {
		t.Fatalf("FindBOF: %v", err)
	}
	if got != near {
		t.Fatalf("FindBOF = %#x, want the nearer prologue at %#x", got, near)
	}
}

func TestFindBOFSubSpPrologue(t *testing.T) {
	mem, buf := newTestVMem(t)
	prologueVA := testBase + 0x1000
	// sub sp, sp, #0x30
	sub := uint32(0xD1000000) | (0x30 << 10) | (31 << 5) | 31
	// stp x29, x30, [sp, #0] (plain offset form, companion to the sub above)
	stp := uint32(0xA9000000) | (30 << 10) | (31 << 5) | 29
	putU32VA(buf, testBase, prologueVA, sub)
	putU32VA(buf, testBase, prologueVA+4, stp)

	scan := NewScanner(mem)
	got, err := scan.FindBOF(prologueVA + 0x10)
	if err != nil {
		t.Fatalf("FindBOF: %v", err)
	}
	if got != prologueVA {
		t.Fatalf("FindBOF = %#x, want %#x (the sub sp start)", got, prologueVA)
	}
}

func TestFindBOFNotFound(t *testing.T) {
	mem, _ := newTestVMem(t)
	scan := NewScanner(mem)
	if _, err := scan.FindBOF(mem.Base() + 0x100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

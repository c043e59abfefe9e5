package main

import "fmt"

// InsnCursor walks a VMem's instruction stream one 32-bit word at a time.
// It is a small value type: copying a cursor copies its position, so
// scanners can fork a cursor to explore without disturbing the caller's
// walk.
type InsnCursor struct {
	mem *VMem
	pc  uint64
}

// NewInsnCursor seats a cursor at va. va need not be word-aligned to
// construct the cursor, but Insn/Next/Prev will fail with ErrOutOfBounds
// once stepping would leave the segment.
func NewInsnCursor(mem *VMem, va uint64) InsnCursor {
	return InsnCursor{mem: mem, pc: va}
}

// PC returns the cursor's current virtual address.
func (c InsnCursor) PC() uint64 { return c.pc }

// Insn decodes and returns the instruction at the cursor's current
// position.
func (c InsnCursor) Insn() (Insn, error) {
	word, err := c.mem.ReadU32(c.pc)
	if err != nil {
		return Insn{}, fmt.Errorf("cursor %#x: %w", c.pc, err)
	}
	return Decode(c.pc, word), nil
}

// Next returns a cursor advanced by one instruction (4 bytes).
func (c InsnCursor) Next() (InsnCursor, error) {
	next := InsnCursor{mem: c.mem, pc: c.pc + 4}
	if !next.mem.Contains(next.pc) {
		return InsnCursor{}, fmt.Errorf("cursor advance past %#x: %w", next.pc, ErrOutOfBounds)
	}
	return next, nil
}

// Prev returns a cursor stepped back by one instruction (4 bytes).
func (c InsnCursor) Prev() (InsnCursor, error) {
	if c.pc < c.mem.Base()+4 {
		return InsnCursor{}, fmt.Errorf("cursor retreat before %#x: %w", c.pc, ErrOutOfBounds)
	}
	prev := InsnCursor{mem: c.mem, pc: c.pc - 4}
	return prev, nil
}

// Seek reseats the cursor at an arbitrary virtual address.
func (c InsnCursor) Seek(va uint64) (InsnCursor, error) {
	seeked := InsnCursor{mem: c.mem, pc: va}
	if !seeked.mem.Contains(va) {
		return InsnCursor{}, fmt.Errorf("cursor seek %#x: %w", va, ErrOutOfBounds)
	}
	return seeked, nil
}

// Is decodes the instruction at the cursor and compares its mnemonic to m.
// Decode failures (out-of-bounds reads) are treated as a non-match.
func (c InsnCursor) Is(m Mnemonic) bool {
	in, err := c.Insn()
	if err != nil {
		return false
	}
	return in.Is(m)
}

package main

import "fmt"

// Scanner provides the higher-level locators patchers anchor on: literal
// PC-relative references, direct-call references, windowed branch
// references, and backward function-prologue search.
type Scanner struct {
	mem *VMem
}

// NewScanner wraps a VMem view for pattern finding.
func NewScanner(mem *VMem) *Scanner {
	return &Scanner{mem: mem}
}

// FindLiteralRef scans the whole segment for an adr, or adrp(+add) pair,
// whose computed absolute value equals target. skip selects the
// skip-th such match in address order (0 = first).
func (s *Scanner) FindLiteralRef(target uint64, skip int) (uint64, error) {
	found := 0
	for pc := s.mem.Base(); pc+4 <= s.mem.End(); pc += 4 {
		word, err := s.mem.ReadU32(pc)
		if err != nil {
			return 0, err
		}
		in := Decode(pc, word)

		switch in.Mnemonic() {
		case MnemAdr:
			if uint64(in.Imm()) == target {
				if found == skip {
					return pc, nil
				}
				found++
			}
		case MnemAdrp:
			// Look for a following "add rd, rd, #imm" completing the page
			// address, within a short instruction window. A bare adrp only
			// counts when no add pair claimed it.
			page := uint64(in.Imm())
			paired := false
			for extra := pc + 4; extra < pc+32 && extra+4 <= s.mem.End(); extra += 4 {
				w2, err := s.mem.ReadU32(extra)
				if err != nil {
					break
				}
				add := Decode(extra, w2)
				if add.Mnemonic() != MnemAdd || add.Rn() != in.Rd() {
					continue
				}
				paired = true
				if page+uint64(add.Imm()) == target {
					if found == skip {
						return pc, nil
					}
					found++
				}
				break
			}
			if !paired && page == target {
				if found == skip {
					return pc, nil
				}
				found++
			}
		}
	}
	return 0, fmt.Errorf("literal ref to %#x: %w", target, ErrNotFound)
}

// FindCallRef scans for a bl whose destination equals target.
func (s *Scanner) FindCallRef(target uint64) (uint64, error) {
	for pc := s.mem.Base(); pc+4 <= s.mem.End(); pc += 4 {
		word, err := s.mem.ReadU32(pc)
		if err != nil {
			return 0, err
		}
		in := Decode(pc, word)
		if in.Mnemonic() == MnemBl && uint64(in.Imm()) == target {
			return pc, nil
		}
	}
	return 0, fmt.Errorf("call ref to %#x: %w", target, ErrNotFound)
}

// FindBranchRef is like FindCallRef but matches any branch_imm mnemonic
// (b, bl, b.cond, cbz, cbnz) and is restricted to a window of
// searchWindow bytes centred on target.
func (s *Scanner) FindBranchRef(target uint64, searchWindow uint64) (uint64, error) {
	lo := s.mem.Base()
	if target > searchWindow && target-searchWindow > lo {
		lo = target - searchWindow
	}
	hi := s.mem.End()
	if target+searchWindow < hi {
		hi = target + searchWindow
	}
	for pc := lo; pc+4 <= hi; pc += 4 {
		word, err := s.mem.ReadU32(pc)
		if err != nil {
			return 0, err
		}
		in := Decode(pc, word)
		if in.Supertype() == SutBranchImm && uint64(in.Imm()) == target {
			return pc, nil
		}
	}
	return 0, fmt.Errorf("branch ref to %#x: %w", target, ErrNotFound)
}

// isPrologue reports whether the word at pc starts a standard AArch64
// frame-save prologue: "stp x29, x30, [sp, #-N]!" directly, or the
// two-instruction "sub sp, sp, #N; stp x29, x30, [sp, #M]" variant.
func (s *Scanner) isPrologue(pc uint64) bool {
	word, err := s.mem.ReadU32(pc)
	if err != nil {
		return false
	}
	// STP (pre-indexed), 64-bit: 1 0 101 0011 0 imm7 Rt2 Rn Rt
	if word&0xFFC00000 == 0xA9800000 && (word&0x1F) == 29 && ((word>>10)&0x1F) == 30 {
		return true
	}
	in := Decode(pc, word)
	if in.Mnemonic() != MnemSub || in.Rd() != 31 || in.Rn() != 31 {
		return false
	}
	word2, err := s.mem.ReadU32(pc + 4)
	if err != nil {
		return false
	}
	if word2&0xFFC00000 == 0xA9000000 && (word2&0x1F) == 29 && ((word2>>10)&0x1F) == 30 {
		return true
	}
	return false
}

// FindBOF walks backward from va to the nearest function prologue at or
// before va.
func (s *Scanner) FindBOF(va uint64) (uint64, error) {
	for pc := va; pc >= s.mem.Base(); pc -= 4 {
		if s.isPrologue(pc) {
			return pc, nil
		}
		if pc < 4 {
			break
		}
	}
	return 0, fmt.Errorf("prologue above %#x: %w", va, ErrNotFound)
}

package main

import (
	"fmt"
)

const (
	defaultBootArgsStr       = "rd=md0 nand-enable-reformat=1 -progress"
	defaultBootArgsStr13     = "rd=md0 -progress -restore"
	defaultBootArgsStrOther  = "rd=md0"
	defaultBootArgsStrOther2 = " -restore"
	certStr                  = "Apple Inc.1"
)

var movX0Zero = []byte{0x00, 0x00, 0x80, 0xD2}
var movX0One = []byte{0x20, 0x00, 0x80, 0xD2}
var retBytes = []byte{0xC0, 0x03, 0x5F, 0xD6}
var nopBytes = []byte{0x1F, 0x20, 0x03, 0xD5}

func zero270() []byte {
	return make([]byte, 270)
}

// GetBootArgPatch rewrites the default boot-args string and its xref
// chain so the image boots with the caller-supplied argument string.
func (img *Image) GetBootArgPatch(args string) ([]Patch, error) {
	var patches []Patch
	if args == "" {
		return patches, nil
	}

	mem := img.mem
	scan := img.scan

	var strLoc uint64
	var curStrLen int
	var err error
	strLoc, err = mem.Memstr(defaultBootArgsStr)
	if err == nil {
		curStrLen = len(defaultBootArgsStr)
	} else {
		strLoc, err = mem.Memstr(defaultBootArgsStr13)
		if err == nil {
			curStrLen = len(defaultBootArgsStr13)
		} else {
			strLoc, err = mem.Memstr(defaultBootArgsStrOther)
			if err == nil {
				curStrLen = len(defaultBootArgsStrOther)
			} else {
				return nil, fmt.Errorf("boot-args anchor: %w", ErrNotFound)
			}
		}
	}
	if img.Dev {
		strLoc--
	}

	newStyle7429 := img.Vers >= 7429 && img.VersArr[0] >= 0
	newStyle6723 := ((img.Vers == 6723 && img.VersArr[0] >= 100) || img.Vers > 6723) && !newStyle7429

	var xref uint64
	if (newStyle6723 || newStyle7429) && !img.Dev {
		adr1, err := scan.FindLiteralRef(strLoc, 0)
		if err != nil {
			return nil, err
		}
		cur := NewInsnCursor(mem, adr1)
		for !cur.Is(MnemB) {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
		in, _ := cur.Insn()
		branchDst := uint64(in.Imm())
		cur, err = cur.Seek(branchDst)
		if err != nil {
			return nil, err
		}
		// The branch destination itself is never a candidate; start the
		// bl search one instruction past it.
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
		for !cur.Is(MnemBl) {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
		for !cur.Is(MnemNop) {
			cur, err = cur.Prev()
			if err != nil {
				return nil, err
			}
		}
		xref = cur.PC()
	} else {
		xref, err = scan.FindLiteralRef(strLoc, 0)
		if err != nil {
			return nil, err
		}
	}

	// Only relocate the boot-args string when the caller's replacement
	// doesn't fit in the space the original string already occupies;
	// otherwise overwrite it in place and leave every xref untouched.
	var relocLoc uint64
	if len(args) <= curStrLen {
		relocLoc = strLoc
	} else {
		bootargLoc1, zerr := mem.Memmem(zero270(), xref)
		if zerr == nil && (img.ChipID == 8010 || img.ChipID == 8003 || (img.ChipID == 8000 && !newStyle7429)) {
			bootargLoc1, zerr = mem.Memmem(zero270(), bootargLoc1+270)
		}

		if zerr == nil {
			scratch := bootargLoc1 + 0x11
			cur := NewInsnCursor(mem, scratch)
			for {
				in, ierr := cur.Insn()
				if ierr != nil {
					return nil, ierr
				}
				if in.Opcode() == 0 {
					next, nerr := cur.Next()
					if nerr != nil {
						return nil, nerr
					}
					nin, ierr2 := next.Insn()
					if ierr2 != nil {
						return nil, ierr2
					}
					if nin.Opcode() == 0 {
						break
					}
				}
				cur, err = cur.Next()
				if err != nil {
					return nil, err
				}
			}
			relocLoc = cur.PC() - 1
		} else {
			relocLoc, err = mem.Memstr(certStr)
			if err != nil {
				return nil, fmt.Errorf("boot-args relocation site: %w", ErrNotFound)
			}
		}
	}

	var reg uint8
	if (newStyle6723 || newStyle7429) && !img.Dev {
		cur := NewInsnCursor(mem, xref)
		in, err := cur.Insn()
		if err != nil || !in.Is(MnemNop) {
			return nil, fmt.Errorf("boot-args xref: expected nop: %w", ErrInvalidCursorState)
		}
		other2Loc, err := mem.Memstr(defaultBootArgsStrOther2)
		if err != nil {
			return nil, err
		}
		other2Xref, err := scan.FindLiteralRef(other2Loc, 0)
		if err != nil {
			return nil, err
		}
		cur, err = cur.Seek(other2Xref)
		if err != nil {
			return nil, err
		}
		is10151 := img.Vers >= 10151 && img.VersArr[0] >= 0
		for !cur.Is(MnemSub) {
			if is10151 {
				cur, err = cur.Next()
			} else {
				cur, err = cur.Prev()
			}
			if err != nil {
				return nil, err
			}
		}
		in, _ = cur.Insn()
		reg = in.Rd()
	} else {
		cur := NewInsnCursor(mem, xref)
		in, err := cur.Insn()
		if err != nil {
			return nil, err
		}
		if !in.Is(MnemAdr) {
			cur, err = cur.Prev()
			if err != nil {
				return nil, err
			}
			cur, err = cur.Prev()
			if err != nil {
				return nil, err
			}
			in, err = cur.Insn()
			if err != nil || !in.Is(MnemBl) {
				return nil, fmt.Errorf("boot-args xref: expected bl: %w", ErrInvalidCursorState)
			}
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
			in, _ = cur.Insn()
			reg = in.Rd()
		} else {
			reg = in.Rd()
		}
	}

	adrIns, err := NewGeneralAdr(xref, int64(relocLoc), reg)
	if err != nil {
		return nil, err
	}
	// When the string stays in place the rewritten adr is byte-identical
	// to what is already there; emitting it would just be a no-op patch.
	xrefWord, err := mem.ReadU32(xref)
	if err != nil {
		return nil, err
	}
	if xrefWord != adrIns.Opcode() {
		patches = append(patches, Patch{VA: xref, Bytes: PutU32(adrIns.Opcode())})
	}
	patches = append(patches, Patch{VA: relocLoc, Bytes: append([]byte(args), 0)})

	var xrefRD uint8
	if newStyle6723 || newStyle7429 {
		xrefRD = 4
	} else {
		cur := NewInsnCursor(mem, xref)
		in, err := cur.Insn()
		if err != nil {
			return nil, err
		}
		xrefRD = in.Rd()
	}
	if xrefRD > 9 || xrefRD == 4 {
		return patches, nil
	}

	cur := NewInsnCursor(mem, xref)
	var err2 error
	for !cur.Is(MnemCsel) {
		cur, err2 = cur.Next()
		if err2 != nil {
			return nil, err2
		}
	}
	csel, err := cur.Insn()
	if err != nil {
		return nil, err
	}
	if xrefRD != csel.Rn() && xrefRD != csel.Rm() {
		return nil, fmt.Errorf("csel operand mismatch: %w", ErrInvalidCursorState)
	}

	movIns, err := NewRegisterMov(cur.PC(), csel.Rd(), xrefRD)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(movIns.Opcode())})

	for {
		cur, err2 = cur.Prev()
		if err2 != nil {
			return nil, err2
		}
		in, err2 := cur.Insn()
		if err2 != nil {
			return nil, err2
		}
		if in.Supertype() == SutBranchImm && !in.Is(MnemBl) {
			break
		}
	}
	branchIn, err := cur.Insn()
	if err != nil {
		return nil, err
	}
	cur, err = cur.Seek(uint64(branchIn.Imm()))
	if err != nil {
		return nil, err
	}
	if !cur.Is(MnemAdr) {
		for !cur.Is(MnemAdr) {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
	}
	in2, err := cur.Insn()
	if err != nil {
		return nil, err
	}
	adrIns2, err := NewGeneralAdr(cur.PC(), int64(relocLoc), in2.Rd())
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(adrIns2.Opcode())})

	return patches, nil
}

// GetDebugEnabledPatch forces the debug-enabled gate to true.
func (img *Image) GetDebugEnabledPatch() ([]Patch, error) {
	loc, err := img.mem.Findstr("debug-enabled", true)
	if err != nil {
		return nil, err
	}
	xref, err := img.scan.FindLiteralRef(loc, 0)
	if err != nil {
		return nil, err
	}
	cur := NewInsnCursor(img.mem, xref)
	for i := 0; i < 2; i++ {
		for !cur.Is(MnemBl) {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
		if i == 0 {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
	}
	return []Patch{{VA: cur.PC(), Bytes: movX0One}}, nil
}

// GetSigcheckPatch neutralises the IMG4 manifest signature check.
func (img *Image) GetSigcheckPatch() ([]Patch, error) {
	var patches []Patch
	var anchor []byte
	isnotptr := false
	isadrl := false

	switch {
	case img.isIOS134OrLater():
		anchor = []byte{0xE8, 0x03, 0x00, 0xAA, 0xC0, 0x00, 0x80, 0x52, 0xE8, 0x00, 0x00, 0xB4}
	case (img.Vers == 5540 && img.VersArr[0] <= 100) || (img.Vers <= 5540 && img.Vers >= 3406):
		anchor = []byte{0xE8, 0x03, 0x00, 0xAA, 0xE0, 0x07, 0x1F, 0x32, 0xE8, 0x00, 0x00, 0xB4}
	case img.Vers < 3406:
		if img.Vers <= 1940 {
			isadrl = true
		}
		isnotptr = true
		anchor = []byte{0xE8, 0x07, 0x1F, 0x32, 0xE0, 0x00, 0x00, 0xB4, 0xC1, 0x00, 0x00, 0xB4}
	default:
		return nil, fmt.Errorf("sigcheck: vers %d: %w", img.Vers, ErrUnrecognisedVersion)
	}

	fnLoc, err := img.mem.Memmem(anchor, 0)
	if err != nil {
		return nil, err
	}
	callsite, err := img.scan.FindCallRef(fnLoc)
	if err != nil {
		return nil, err
	}

	cur := NewInsnCursor(img.mem, callsite)
	var in Insn
	if isadrl {
		for {
			for !cur.Is(MnemLdr) {
				cur, err = cur.Next()
				if err != nil {
					return nil, err
				}
			}
			next, err := cur.Next()
			if err != nil {
				return nil, err
			}
			in, err = next.Insn()
			if err != nil {
				return nil, err
			}
			if in.Rd() == 2 {
				cur = next
				break
			}
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
	} else {
		for {
			if cur.Is(MnemAdr) {
				in, err = cur.Insn()
				if err != nil {
					return nil, err
				}
				if in.Rd() == 2 {
					break
				}
			}
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
	}
	callbackPtr := uint64(in.Imm())

	var callback uint64
	if isnotptr {
		callback = callbackPtr
	} else {
		callback, err = img.mem.Deref(callbackPtr)
		if err != nil {
			return nil, err
		}
	}

	if isnotptr {
		patches = append(patches, Patch{VA: callback, Bytes: movzX0ZeroRet})
		if !img.Stage2 {
			return patches, nil
		}
	}

	cur, err = cur.Seek(callback)
	if err != nil {
		return nil, err
	}
	// The callback's entry point is never the ret; the search starts at
	// its second instruction.
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	for !cur.Is(MnemRet) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	retLoc := cur.PC()

	if !isnotptr {
		patches = append(patches,
			Patch{VA: retLoc, Bytes: movX0Zero},
			Patch{VA: retLoc + 4, Bytes: retBytes},
		)
	}

	cproJump, err := img.scan.FindLiteralRef(retLoc+4, 0)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cproJump, Bytes: nopBytes})

	// Two steps forward: the word at retLoc+4 becomes the new ret and is
	// not a candidate for the second ret search.
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	for !cur.Is(MnemRet) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	patches = append(patches, Patch{VA: cur.PC() - 4, Bytes: movX0Zero})

	return patches, nil
}

var demoteRegisters = []uint64{
	0x3F500000, 0x3F500000, 0x3F500000,
	0x481BC000, 0x481BC000,
	0x20E02A000,
	0x2102BC000, 0x2102BC000,
	0x2352BC000,
}

// GetDemotionPatch clears the production-mode bit on every demotion
// register this SoC generation exposes.
func (img *Image) GetDemotionPatch() ([]Patch, error) {
	var patches []Patch
	for _, reg := range demoteRegisters {
		ref, err := img.scan.FindLiteralRef(reg, 0)
		if err != nil {
			continue
		}
		cur := NewInsnCursor(img.mem, ref)
		for !cur.Is(MnemAnd) {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
		in, err := cur.Insn()
		if err != nil {
			return nil, err
		}
		if in.Imm() != 1 {
			return nil, fmt.Errorf("demotion and-immediate: %w", ErrInvalidCursorState)
		}
		patches = append(patches, Patch{VA: cur.PC(), Bytes: movX0Zero})
	}
	return patches, nil
}

// GetCmdHandlerPatch redirects the named shell command's handler slot to
// ptr.
func (img *Image) GetCmdHandlerPatch(cmd string, ptr uint64) ([]Patch, error) {
	needle := append([]byte{0}, append([]byte(cmd), 0)...)
	loc, err := img.mem.Memmem(needle, 0)
	if err != nil {
		return nil, err
	}
	handlerLoc := loc + 1
	tableref, err := img.mem.Memmem(PutU64(handlerLoc), 0)
	if err != nil {
		return nil, err
	}
	return []Patch{{VA: tableref + 8, Bytes: PutU64(ptr)}}, nil
}

// ReplaceBgcolorWithMemcpy hijacks the bgcolor shell command and turns
// its handler into a raw byte-copy loop named "memcpy".
func (img *Image) ReplaceBgcolorWithMemcpy() ([]Patch, error) {
	var patches []Patch
	scratch, err := img.mem.Memstr("failed to execute upgrade command from new")
	if err != nil {
		return nil, err
	}
	needle := append([]byte{0}, append([]byte("bgcolor"), 0)...)
	handlerLoc, err := img.mem.Memmem(needle, 0)
	if err != nil {
		return nil, err
	}
	handlerLoc++
	tableref, err := img.mem.Memmem(PutU64(handlerLoc), 0)
	if err != nil {
		return nil, err
	}

	patches = append(patches,
		Patch{VA: scratch, Bytes: append([]byte("memcpy"), 0)},
		Patch{VA: tableref, Bytes: PutU64(scratch)},
	)

	bgcolor, err := img.mem.Deref(tableref + 8)
	if err != nil {
		return nil, err
	}

	cur := NewInsnCursor(img.mem, bgcolor)
	seqLdr := 0
	for seqLdr != 3 {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
		in, err := cur.Insn()
		if err != nil {
			return nil, err
		}
		if in.Supertype() == SutMemory {
			seqLdr++
		} else {
			seqLdr = 0
		}
	}
	for {
		in, err := cur.Insn()
		if err != nil {
			return nil, err
		}
		ldrIns, err := NewImmediateLdr(cur.PC(), in.Imm(), in.Rn(), in.Rd())
		if err != nil {
			return nil, err
		}
		patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(ldrIns.Opcode())})
		seqLdr--
		if seqLdr <= 0 {
			break
		}
		cur, err = cur.Prev()
		if err != nil {
			return nil, err
		}
	}

	for !cur.Is(MnemBl) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	overwriteBl := cur.PC()

	for !cur.Is(MnemRet) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	cur, err = cur.Prev()
	if err != nil {
		return nil, err
	}
	backup, err := img.mem.ReadU32(cur.PC())
	if err != nil {
		return nil, err
	}

	copyLoop := []byte{0x23, 0x14, 0x40, 0x38, 0x03, 0x14, 0x00, 0x38, 0x42, 0x04, 0x00, 0xF1, 0xA1, 0xFF, 0xFF, 0x54}
	patches = append(patches,
		Patch{VA: overwriteBl, Bytes: copyLoop},
		Patch{VA: overwriteBl + uint64(len(copyLoop)), Bytes: PutU32(backup)},
		Patch{VA: overwriteBl + uint64(len(copyLoop)) + 4, Bytes: retBytes},
	)
	return patches, nil
}

// GetRa1nra1nPatch installs the ra1nra1n jailbreak trampoline by
// rerouting the bzero stub through a shellcode cave.
func (img *Image) GetRa1nra1nPatch() ([]Patch, error) {
	var patches []Patch

	findloc, err := img.mem.Memmem([]byte{0x12, 0x00, 0x80, 0xD2}, 0)
	if err != nil {
		return nil, err
	}
	tramp := []byte{0xE8, 0x03, 0x1B, 0xAA, 0xE9, 0x03, 0x1D, 0xAA, 0x1B, 0x01, 0xC0, 0xD2, 0x1B, 0x00, 0xA5, 0xF2, 0xFD, 0x03, 0x1B, 0xAA}
	patches = append(patches, Patch{VA: findloc, Bytes: tramp})

	findloc2, err := img.mem.Memmem([]byte{0x23, 0x74, 0x0B, 0xD5}, 0)
	if err != nil {
		return nil, err
	}
	bzero, err := img.scan.FindBOF(findloc2)
	if err != nil {
		return nil, err
	}

	nops := make([]byte, 40)
	for i := 0; i < 10; i++ {
		copy(nops[i*4:], nopBytes)
	}
	findNops, err := img.mem.Memmem(nops, 0)
	if err != nil {
		return nil, err
	}

	bIns, err := NewImmediateB(bzero, int64(findNops))
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: bzero, Bytes: PutU32(bIns.Opcode())})

	shellcode := []byte{
		0x03, 0x01, 0xC0, 0xD2, 0x03, 0x00, 0xA5, 0xF2, 0x1F, 0x00, 0x03, 0xEB,
		0xA8, 0x00, 0x00, 0x54, 0x22, 0x00, 0x00, 0x8B, 0x5F, 0x00, 0x03, 0xEB,
		0x43, 0x00, 0x00, 0x54, 0xC0, 0x03, 0x1F, 0xD6,
	}
	patches = append(patches, Patch{VA: findNops, Bytes: shellcode})

	afterShellcode := findNops + uint64(len(shellcode))
	backupProlog, err := img.mem.ReadU32(bzero)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: afterShellcode, Bytes: PutU32(backupProlog)})
	afterShellcode += 4

	bIns2, err := NewImmediateB(afterShellcode, int64(bzero+4))
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: afterShellcode, Bytes: PutU32(bIns2.Opcode())})

	return patches, nil
}

var movzX0ZeroRet = append(append([]byte{}, movX0Zero...), retBytes...)

// GetUnlockNvramPatch neutralises the NVRAM variable-name whitelist so
// any variable may be set via the boot shell.
func (img *Image) GetUnlockNvramPatch() ([]Patch, error) {
	var patches []Patch
	if img.Stage1 {
		return patches, nil
	}

	mem := img.mem
	scan := img.scan

	if img.Dev {
		if !img.Stage2 {
			loc, err := mem.Findstr("nvram_set_var", true)
			if err != nil {
				return nil, err
			}
			xref, err := scan.FindLiteralRef(loc, 0)
			if err != nil {
				return nil, err
			}
			cur := NewInsnCursor(mem, xref)
			for !cur.Is(MnemOrr) {
				cur, err = cur.Prev()
				if err != nil {
					return nil, err
				}
			}
			blacklistTop := cur.PC() - 4
			patches = append(patches, Patch{VA: blacklistTop, Bytes: movX0Zero})
		} else {
			loc, err := mem.Findstr("Blocked shadowed write to variable", false)
			if err != nil {
				return nil, err
			}
			xref, err := scan.FindLiteralRef(loc, 0)
			if err != nil {
				return nil, err
			}
			cur := NewInsnCursor(mem, xref)
			for !cur.Is(MnemNop) {
				cur, err = cur.Prev()
				if err != nil {
					return nil, err
				}
			}
			patches = append(patches, Patch{VA: cur.PC(), Bytes: []byte{0x33, 0x00, 0x80, 0x52}})
		}

		comAppleSystem, err := mem.Findstr("com.apple.System.", true)
		if err != nil {
			return nil, err
		}
		xref, err := scan.FindLiteralRef(comAppleSystem, 0)
		if err != nil {
			return nil, err
		}
		top, err := scan.FindBOF(xref)
		if err != nil {
			return nil, err
		}
		patches = append(patches, Patch{VA: top, Bytes: movzX0ZeroRet})
		return patches, nil
	}

	debugUartsStr, err := mem.Findstr("debug-uarts", true)
	if err != nil {
		return nil, err
	}
	debugUartsRef, err := mem.Memmem(PutU64(debugUartsStr), 0)
	if err != nil {
		return nil, err
	}

	setenvWhitelist := debugUartsRef
	if img.ChipID == 7001 || img.ChipID == 8000 || img.ChipID == 8003 {
		setenvWhitelist -= 16
	} else {
		for {
			setenvWhitelist -= 8
			v, derr := mem.Deref(setenvWhitelist)
			if derr != nil || v == 0 {
				break
			}
		}
		setenvWhitelist += 8
	}

	blacklist1Func, err := scan.FindLiteralRef(setenvWhitelist, 0)
	if err != nil {
		return nil, err
	}
	blacklist1Top, err := scan.FindBOF(blacklist1Func)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: blacklist1Top, Bytes: movzX0ZeroRet})

	envWhitelist := setenvWhitelist
	for {
		envWhitelist += 8
		v, derr := mem.Deref(envWhitelist)
		if derr != nil || v == 0 {
			break
		}
	}
	envWhitelist += 8

	blacklist2Func, err := scan.FindLiteralRef(envWhitelist, 0)
	if err != nil {
		return nil, err
	}
	blacklist2Top, err := scan.FindBOF(blacklist2Func)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: blacklist2Top, Bytes: movzX0ZeroRet})

	comAppleSystem, err := mem.Findstr("com.apple.System.", true)
	if err != nil {
		return nil, err
	}
	xref, err := scan.FindLiteralRef(comAppleSystem, 0)
	if err != nil {
		return nil, err
	}
	top, err := scan.FindBOF(xref)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: top, Bytes: movzX0ZeroRet})

	return patches, nil
}

// GetNvramNosavePatch disables persisting NVRAM writes to storage.
func (img *Image) GetNvramNosavePatch() ([]Patch, error) {
	saveenvStr, err := img.mem.Findstr("saveenv", true)
	if err != nil {
		return nil, err
	}
	saveenvRef, err := img.mem.Memmem(PutU64(saveenvStr), 0)
	if err != nil {
		return nil, err
	}
	saveenvFuncPos, err := img.mem.Deref(saveenvRef + 8)
	if err != nil {
		return nil, err
	}
	cur := NewInsnCursor(img.mem, saveenvFuncPos)
	in, err := cur.Insn()
	if err != nil {
		return nil, err
	}
	if !in.Is(MnemB) {
		return nil, fmt.Errorf("saveenv handler: expected b: %w", ErrInvalidCursorState)
	}
	nvramSaveFunc := uint64(in.Imm())
	return []Patch{{VA: nvramSaveFunc, Bytes: retBytes}}, nil
}

// GetNvramNoremovePatch disables the ability to unset NVRAM variables.
func (img *Image) GetNvramNoremovePatch() ([]Patch, error) {
	nosave, err := img.GetNvramNosavePatch()
	if err != nil {
		return nil, err
	}
	nvramSaveFunc := nosave[0].VA

	bootcommandStr, err := img.mem.Findstr("boot-command", true)
	if err != nil {
		return nil, err
	}

	for i := 0; ; i++ {
		bootcommandRef, err := img.scan.FindLiteralRef(bootcommandStr, i)
		if err != nil {
			return nil, fmt.Errorf("remove_env_func: %w", ErrNotFound)
		}
		cur := NewInsnCursor(img.mem, bootcommandRef)
		var removeEnvFunc uint64
		found := false
		for z := 0; z < 4; z++ {
			for !cur.Is(MnemBl) {
				cur, err = cur.Next()
				if err != nil {
					return nil, err
				}
			}
			in, _ := cur.Insn()
			if z == 0 {
				removeEnvFunc = uint64(in.Imm())
			} else if uint64(in.Imm()) == nvramSaveFunc {
				found = true
				break
			}
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
		if found {
			return []Patch{{VA: removeEnvFunc, Bytes: retBytes}}, nil
		}
	}
}

// GetFreshnoncePatch forces a fresh boot-nonce to be generated on every
// boot by skipping the cached-nonce branch.
func (img *Image) GetFreshnoncePatch() ([]Patch, error) {
	if img.Stage1 {
		return nil, nil
	}

	noncevarStr, err := img.mem.Findstr("com.apple.System.boot-nonce", true)
	if err != nil {
		return nil, err
	}
	noncevarRef, err := img.scan.FindLiteralRef(noncevarStr, 0)
	if err != nil {
		return nil, err
	}
	noncefun1, err := img.scan.FindBOF(noncevarRef)
	if err != nil {
		return nil, err
	}
	noncefun1Blref, err := img.scan.FindCallRef(noncefun1)
	if err != nil {
		return nil, err
	}
	noncefun2, err := img.scan.FindBOF(noncefun1Blref)
	if err != nil {
		return nil, err
	}
	noncefun2Blref, err := img.scan.FindCallRef(noncefun2)
	if err != nil {
		return nil, err
	}

	cur := NewInsnCursor(img.mem, noncefun2Blref)
	for {
		cur, err = cur.Prev()
		if err != nil {
			return nil, err
		}
		in, err := cur.Insn()
		if err != nil {
			return nil, err
		}
		if in.Supertype() == SutBranchImm {
			break
		}
	}
	return []Patch{{VA: cur.PC(), Bytes: nopBytes}}, nil
}

// GetReadbackLoadaddrPatch repoints the cmd-results shell handler at the
// loadaddr environment variable, switching its backing call to
// getenv_int and feeding it the filesize variable. [ADDED — restored
// from a commented-out draft in original_source.]
func (img *Image) GetReadbackLoadaddrPatch() ([]Patch, error) {
	var patches []Patch
	mem := img.mem

	cmdResultsStr, err := mem.Findstr("cmd-results", true)
	if err != nil {
		return nil, err
	}
	cmdResultsRef, err := img.scan.FindLiteralRef(cmdResultsStr, 0)
	if err != nil {
		return nil, err
	}

	loadaddrStr, err := mem.Findstr("loadaddr", true)
	if err != nil {
		return nil, err
	}
	fileSizeStr, err := mem.Findstr("filesize", true)
	if err != nil {
		return nil, err
	}
	fileSizeRef, err := img.scan.FindLiteralRef(fileSizeStr, 0)
	if err != nil {
		return nil, err
	}

	cur := NewInsnCursor(mem, fileSizeRef)
	for !cur.Is(MnemBl) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	in, _ := cur.Insn()
	getenvIntFunc := uint64(in.Imm())

	adrIns, err := NewGeneralAdr(cmdResultsRef, int64(loadaddrStr), 0)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cmdResultsRef, Bytes: PutU32(adrIns.Opcode())})

	cur, err = cur.Seek(cmdResultsRef)
	if err != nil {
		return nil, err
	}
	for !cur.Is(MnemBl) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	blIns, err := NewImmediateBl(cur.PC(), int64(getenvIntFunc))
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(blIns.Opcode())})

	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	adrIns2, err := NewGeneralAdr(cur.PC(), int64(fileSizeStr), 0)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(adrIns2.Opcode())})

	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	blIns2, err := NewImmediateBl(cur.PC(), int64(getenvIntFunc))
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(blIns2.Opcode())})

	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	for !cur.Is(MnemBl) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: append([]byte{0xE1, 0x03, 0x00, 0xAA}, nopBytes...)})

	return patches, nil
}

// GetMemloadPatch renames the memboot shell command to memload and
// rewires it to load an already-staged image from loadaddr/filesize
// instead of parsing a ramdisk container. [ADDED — restored from a
// commented-out draft in original_source.]
func (img *Image) GetMemloadPatch() ([]Patch, error) {
	var patches []Patch
	mem := img.mem

	loadaddrStr, err := mem.Findstr("loadaddr", true)
	if err != nil {
		return nil, err
	}
	membootStr, err := mem.Findstr("memboot", true)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: membootStr, Bytes: []byte("memload")})

	membootTablePtr, err := mem.Memmem(PutU64(membootStr), 0)
	if err != nil {
		return nil, err
	}
	membootTablePtr += 8
	membootFunc, err := mem.Deref(membootTablePtr)
	if err != nil {
		return nil, err
	}

	cur := NewInsnCursor(mem, membootFunc)
	for !cur.Is(MnemBl) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}
	firstBL := cur.PC()
	in, _ := cur.Insn()
	getenvFunc := uint64(in.Imm())

	for !cur.Is(MnemCbz) {
		cur, err = cur.Next()
		if err != nil {
			return nil, err
		}
	}

	errStr, err := mem.Findstr("error loading ramdisk\n", true)
	if err != nil {
		return nil, err
	}
	errRef, err := img.scan.FindLiteralRef(errStr, 0)
	if err != nil {
		return nil, err
	}
	bsrc, err := img.scan.FindBranchRef(errRef, 0x200)
	if err != nil {
		return nil, err
	}

	cur, err = cur.Seek(bsrc)
	if err != nil {
		return nil, err
	}
	for !cur.Is(MnemBl) {
		cur, err = cur.Prev()
		if err != nil {
			return nil, err
		}
	}
	in, _ = cur.Insn()
	loadRamdiskFunc := uint64(in.Imm())

	cur, err = cur.Seek(loadRamdiskFunc)
	if err != nil {
		return nil, err
	}
	var loadimgFunc uint64
	for {
		for !cur.Is(MnemBl) {
			cur, err = cur.Next()
			if err != nil {
				return nil, err
			}
		}
		in, _ = cur.Insn()
		loadimgFunc = uint64(in.Imm())
		break
	}

	cur, err = cur.Seek(firstBL)
	if err != nil {
		return nil, err
	}
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	in, _ = cur.Insn()
	backupreg := in.Rd()
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}

	adrIns, err := NewGeneralAdr(cur.PC(), int64(loadaddrStr), 0)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(adrIns.Opcode())})
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	blIns, err := NewImmediateBl(cur.PC(), int64(getenvFunc))
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(blIns.Opcode())})
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	movIns, err := NewRegisterMov(cur.PC(), 1, backupreg)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(movIns.Opcode())})
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}

	ibotTag := uint32(0x69626f74)
	movzIns, err := NewImmediateMovz(cur.PC(), ibotTag&0xFFFF, 2, 0)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(movzIns.Opcode())})
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	movkIns, err := NewImmediateMovk(cur.PC(), (ibotTag>>16)&0xFFFF, 2, 1)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(movkIns.Opcode())})
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	movzIns2, err := NewImmediateMovz(cur.PC(), 0, 3, 0)
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(movzIns2.Opcode())})
	cur, err = cur.Next()
	if err != nil {
		return nil, err
	}
	blIns2, err := NewImmediateBl(cur.PC(), int64(loadimgFunc))
	if err != nil {
		return nil, err
	}
	patches = append(patches, Patch{VA: cur.PC(), Bytes: PutU32(blIns2.Opcode())})

	return patches, nil
}

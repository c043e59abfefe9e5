package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// VMem is a virtual-address view over a ByteImage's single read/write/exec
// segment [base, base+size). Every exported method here takes and returns
// virtual addresses, never buffer offsets.
type VMem struct {
	img *ByteImage
}

// NewVMem wraps a ByteImage in a virtual-address view.
func NewVMem(img *ByteImage) *VMem {
	return &VMem{img: img}
}

// Base returns the segment's load base.
func (v *VMem) Base() uint64 {
	return v.img.Base()
}

// End returns the address one past the end of the segment.
func (v *VMem) End() uint64 {
	return v.img.Base() + uint64(v.img.Len())
}

// Contains reports whether va falls within [base, base+size).
func (v *VMem) Contains(va uint64) bool {
	return va >= v.Base() && va < v.End()
}

func (v *VMem) offset(va uint64) (int, error) {
	if !v.Contains(va) {
		return 0, fmt.Errorf("va %#x outside segment [%#x,%#x): %w", va, v.Base(), v.End(), ErrOutOfBounds)
	}
	return int(va - v.Base()), nil
}

// Deref reads 8 little-endian bytes at va and returns them as a uint64.
func (v *VMem) Deref(va uint64) (uint64, error) {
	off, err := v.offset(va)
	if err != nil {
		return 0, err
	}
	return v.img.ReadU64(off)
}

// ReadU32 reads a little-endian 32-bit word at va.
func (v *VMem) ReadU32(va uint64) (uint32, error) {
	off, err := v.offset(va)
	if err != nil {
		return 0, err
	}
	return v.img.ReadU32(off)
}

// Memmem searches for needle as a raw byte sequence, returning the VA of
// the first occurrence. An optional fromVA narrows the search to start at
// that address; if fromVA is 0 the whole segment is searched.
func (v *VMem) Memmem(needle []byte, fromVA uint64) (uint64, error) {
	start := 0
	if fromVA != 0 {
		off, err := v.offset(fromVA)
		if err != nil {
			return 0, err
		}
		start = off
	}
	buf := v.img.Bytes()
	if start > len(buf) {
		return 0, fmt.Errorf("memmem start %#x: %w", fromVA, ErrOutOfBounds)
	}
	idx := bytes.Index(buf[start:], needle)
	if idx < 0 {
		return 0, fmt.Errorf("memmem %d bytes: %w", len(needle), ErrNotFound)
	}
	return v.Base() + uint64(start+idx), nil
}

// Memstr locates a NUL-terminated C string (needle, plus an implied
// terminator) anywhere in the segment.
func (v *VMem) Memstr(needle string) (uint64, error) {
	nul := append([]byte(needle), 0)
	va, err := v.Memmem(nul, 0)
	if err != nil {
		return 0, fmt.Errorf("memstr %q: %w", needle, ErrNotFound)
	}
	return va, nil
}

// Findstr locates s the same way Memstr does; when fullString is true the
// byte immediately before the hit must be NUL, forcing the match to land
// on a string's first character rather than a substring of a longer one.
func (v *VMem) Findstr(s string, fullString bool) (uint64, error) {
	fromVA := uint64(0)
	for {
		va, err := v.Memmem([]byte(s), fromVA)
		if err != nil {
			return 0, fmt.Errorf("findstr %q: %w", s, ErrNotFound)
		}
		if !fullString || va == v.Base() {
			return va, nil
		}
		prev, err := v.offset(va - 1)
		if err != nil {
			return 0, err
		}
		if v.img.Bytes()[prev] == 0 {
			return va, nil
		}
		fromVA = va + 1
	}
}

// PutU64 encodes x as 8 little-endian bytes, used by patchers building
// pointer-sized patch payloads.
func PutU64(x uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, x)
	return b
}

// PutU32 encodes x as 4 little-endian bytes (an encoded instruction word).
func PutU32(x uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, x)
	return b
}

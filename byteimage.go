package main

import (
	"encoding/binary"
	"fmt"
	"os"
)

// minImageSize is the smallest buffer the core will treat as a candidate
// iBoot image; anything smaller can't hold the fixed-offset header fields
// the metadata parser reads.
const minImageSize = 0x1000

// ByteImage is a contiguous, owned-or-borrowed byte buffer mapped at a
// virtual load base. Every exported operation that deals in addresses
// elsewhere in this package works in virtual addresses (VA); the offset
// into buf is always va - base.
type ByteImage struct {
	buf   []byte
	base  uint64
	owned bool
}

// FromBuffer wraps an existing buffer as a ByteImage. takeOwnership only
// affects whether callers should treat buf as still theirs to mutate
// afterwards; the core itself never writes through buf.
func FromBuffer(buf []byte, takeOwnership bool) (*ByteImage, error) {
	if len(buf) <= minImageSize {
		return nil, fmt.Errorf("buffer size %#x: %w", len(buf), ErrInvalidImage)
	}
	return &ByteImage{buf: buf, owned: takeOwnership}, nil
}

// Open reads an image file whole and wraps it as a ByteImage. The actual
// read strategy (mmap vs plain read) is platform-specific; see
// byteimage_unix.go and byteimage_other.go.
func Open(path string) (*ByteImage, error) {
	buf, err := readImageFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if len(buf) <= minImageSize {
		return nil, fmt.Errorf("%s: size %#x: %w", path, len(buf), ErrInvalidImage)
	}
	return &ByteImage{buf: buf, owned: true}, nil
}

// statSize is a small os.Stat wrapper shared by the platform-specific
// readImageFile implementations so they agree on "file too small to be an
// image" handling before ever touching mmap/read.
func statSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Len returns the size of the underlying buffer in bytes.
func (bi *ByteImage) Len() int {
	return len(bi.buf)
}

// Base returns the virtual load base address of the image.
func (bi *ByteImage) Base() uint64 {
	return bi.base
}

// SetBase sets the virtual load base; used once by the metadata parser
// after reading the base address out of the buffer itself.
func (bi *ByteImage) SetBase(base uint64) {
	bi.base = base
}

// Bytes exposes the raw backing buffer read-only. The core never mutates
// it; callers applying patches work against their own copy.
func (bi *ByteImage) Bytes() []byte {
	return bi.buf
}

func (bi *ByteImage) offsetFor(off, size int) error {
	if off < 0 || off+size > len(bi.buf) {
		return fmt.Errorf("offset %#x+%d exceeds buffer of size %#x: %w", off, size, len(bi.buf), ErrOutOfBounds)
	}
	return nil
}

// ReadU32 reads a little-endian 32-bit value at a buffer offset.
func (bi *ByteImage) ReadU32(off int) (uint32, error) {
	if err := bi.offsetFor(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(bi.buf[off : off+4]), nil
}

// ReadU64 reads a little-endian 64-bit value at a buffer offset.
func (bi *ByteImage) ReadU64(off int) (uint64, error) {
	if err := bi.offsetFor(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(bi.buf[off : off+8]), nil
}

// ReadCString reads a NUL-terminated string starting at a buffer offset,
// not including the terminator.
func (bi *ByteImage) ReadCString(off int) (string, error) {
	if off < 0 || off > len(bi.buf) {
		return "", fmt.Errorf("offset %#x: %w", off, ErrOutOfBounds)
	}
	end := off
	for end < len(bi.buf) && bi.buf[end] != 0 {
		end++
	}
	if end >= len(bi.buf) {
		return "", fmt.Errorf("unterminated string at %#x: %w", off, ErrOutOfBounds)
	}
	return string(bi.buf[off:end]), nil
}

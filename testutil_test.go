package main

import (
	"encoding/binary"
	"testing"
)

// Test fixtures below hand-assemble minimal iBoot-shaped images: a header
// satisfying NewFromImage's invariants plus whatever instructions/strings
// a given test needs at specific virtual addresses. Nothing here touches
// the real corpus; addresses and sizes are picked to stay comfortably
// inside a single small buffer.

const (
	testBase uint64 = 0x80000000
	testSize        = 0x40000
)

// newHeaderBuf allocates a zeroed buffer of testSize and stamps the fixed
// header fields NewFromImage requires: magic, stage tag, mode tag,
// version string, and load base.
func newHeaderBuf(versTail, stageTag, modeTag string) []byte {
	buf := make([]byte, testSize)
	binary.LittleEndian.PutUint32(buf[0:], 0x90000000)
	putCString(buf, iBootStageStrOffset, stageTag)
	putCString(buf, iBootModeStrOffset, modeTag)
	putCString(buf, iBootVersStrOffset, "iBoot-"+versTail)
	binary.LittleEndian.PutUint64(buf[iBootBaseOffset:], testBase)
	return buf
}

func putCString(buf []byte, off int, s string) {
	copy(buf[off:], s)
	buf[off+len(s)] = 0
}

// putVA writes bytes at virtual address va within buf, given base.
func putVA(buf []byte, base, va uint64, data []byte) {
	copy(buf[int(va-base):], data)
}

func putU32VA(buf []byte, base, va uint64, word uint32) {
	binary.LittleEndian.PutUint32(buf[int(va-base):], word)
}

// mustImage builds an *Image from buf, failing the test on error.
func mustImage(t *testing.T, buf []byte) *Image {
	t.Helper()
	img, err := NewFromBuffer(buf, true)
	if err != nil {
		t.Fatalf("NewFromBuffer: %v", err)
	}
	return img
}

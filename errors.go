package main

import "errors"

// Sentinel errors returned (wrapped with context via fmt.Errorf's %w) by
// every exported operation in this package. Callers distinguish kinds with
// errors.Is, e.g. errors.Is(err, ErrNotFound).
var (
	// ErrInvalidImage means the magic, size, or version-string checks
	// failed during image construction.
	ErrInvalidImage = errors.New("invalid iboot image")

	// ErrNotFound means a search (string, byte sequence, literal ref,
	// call ref) yielded no result when one was required.
	ErrNotFound = errors.New("not found")

	// ErrOutOfBounds means address arithmetic escaped the mapped segment.
	ErrOutOfBounds = errors.New("address out of bounds")

	// ErrUnrecognisedVersion means the image's version does not fall
	// into any known band for the requested transformation.
	ErrUnrecognisedVersion = errors.New("unrecognised or unsupported iboot version")

	// ErrUnrepresentable means an immediate does not fit the target
	// instruction encoding.
	ErrUnrepresentable = errors.New("value not representable in instruction encoding")

	// ErrInvalidCursorState means a register/operand assertion failed,
	// e.g. the decoder expected an adr and found a bl.
	ErrInvalidCursorState = errors.New("unexpected instruction at cursor")
)

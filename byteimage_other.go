//go:build !linux && !darwin
// +build !linux,!darwin

package main

import "os"

// readImageFile falls back to a plain whole-file read on platforms where
// mmap isn't wired up (windows, and anything else go vet/CI runs on).
func readImageFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

//go:build linux || darwin
// +build linux darwin

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// readImageFile memory-maps the file read-only and copies it into an
// owned buffer, unmapping immediately afterwards. This mirrors the
// reference corpus's existing use of golang.org/x/sys/unix for
// platform-specific file access (see the inotify-based FileWatcher this
// repo used to carry) rather than reaching for a second dependency just
// to read a file once.
func readImageFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size, err := statSize(f)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("empty file")
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	defer unix.Munmap(mapped)

	buf := make([]byte, len(mapped))
	copy(buf, mapped)
	return buf, nil
}

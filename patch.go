package main

import "fmt"

// Patch is a single independent byte-range overwrite: apply bytes at the
// absolute virtual address va. Patches never overlap within one
// transformation's output, and callers may apply a list in any order.
type Patch struct {
	VA    uint64
	Bytes []byte
}

// Len reports how many bytes this patch overwrites.
func (p Patch) Len() int { return len(p.Bytes) }

// End returns the address one past the patch's last overwritten byte.
func (p Patch) End() uint64 { return p.VA + uint64(len(p.Bytes)) }

// Overlaps reports whether p and other cover any common byte.
func (p Patch) Overlaps(other Patch) bool {
	return p.VA < other.End() && other.VA < p.End()
}

func (p Patch) String() string {
	return fmt.Sprintf("patch(%#x, %d bytes)", p.VA, len(p.Bytes))
}

// checkNoOverlap validates the independence invariant patchers must
// uphold: no two patches in a single transformation's output may touch
// the same byte.
func checkNoOverlap(patches []Patch) error {
	for i := range patches {
		for j := i + 1; j < len(patches); j++ {
			if patches[i].Overlaps(patches[j]) {
				return fmt.Errorf("patch %s overlaps %s", patches[i], patches[j])
			}
		}
	}
	return nil
}

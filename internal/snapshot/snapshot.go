// Package snapshot captures the deep-copy (register file, memory image)
// pair a warm-up run produces at a designated guest PC, and restores it
// cheaply between fuzz cases. Taken once at startup, read-only thereafter:
// every future case resets from the same Image rather than replaying the
// target's own warm-up path.
package snapshot

import (
	"fmt"

	"github.com/mellow-hype/sfuzz/internal/jit"
	"github.com/mellow-hype/sfuzz/internal/mmu"
)

// Image is the state one guest thread had at the moment its warm-up run
// reached the configured snapshot PC: a forked address space (memory plus
// permissions) and a copy of the register file.
type Image struct {
	PC   uint64
	Mem  *mmu.Mmu
	Regs [jit.RegFileSlots]uint64
}

// Take forks mem and pairs the fork with a copy of regs, capturing the
// state at pc. mem itself is left untouched; the caller keeps running from
// it, since the fork is what every future case resets against, not the
// live address space that took it.
func Take(pc uint64, mem *mmu.Mmu, regs [jit.RegFileSlots]uint64) (*Image, error) {
	forked, err := mem.Fork()
	if err != nil {
		return nil, fmt.Errorf("snapshot: fork address space at pc %#x: %w", pc, err)
	}
	return &Image{PC: pc, Mem: forked, Regs: regs}, nil
}

// Restore resets mem to this image's memory and permissions, using the
// MMU's own dirty-vector-driven Reset so only blocks the running thread
// actually touched since the last reset are copied back, and returns the
// register file the caller should reinstall.
func (img *Image) Restore(mem *mmu.Mmu) [jit.RegFileSlots]uint64 {
	mem.Reset(img.Mem)
	return img.Regs
}

// Close releases the forked address space backing this image. Safe to call
// on a nil *Image.
func (img *Image) Close() error {
	if img == nil {
		return nil
	}
	return img.Mem.Close()
}

// Package loader reads a target RV64I ELF binary and maps it into a fresh
// guest address space, deriving the segment list from a real ELF file's
// program headers instead of a caller-supplied, hand-written slice.
package loader

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/mellow-hype/sfuzz/internal/mmu"
)

// Segment is one PT_LOAD program header's file-to-memory mapping.
type Segment struct {
	FileOffset uint
	VirtAddr   mmu.VirtAddr
	FileSize   uint
	MemSize    uint
	Perm       mmu.Perm
}

// Image is a loaded target: its mapped segments, entry point, the
// malloc/free addresses resolved from its symbol table (if present and
// statically linked, per the external-interfaces contract), and the
// function-range table the decoder needs to know where a lifted
// function's guest bytes end.
type Image struct {
	Entry     mmu.VirtAddr
	Segments  []Segment
	MallocPC  mmu.VirtAddr
	FreePC    mmu.VirtAddr
	HasMalloc bool
	HasFree   bool
	Funcs     *FuncTable
}

// FuncTable answers codecache.FuncResolver's FuncRange question from an
// ELF symbol table's STT_FUNC entries: entry address -> declared size.
type FuncTable struct {
	ranges map[uint64]uint64
}

// FuncRange reports the declared size of the function starting at entry,
// if the symbol table named one there.
func (t *FuncTable) FuncRange(entry uint64) (size uint64, ok bool) {
	if t == nil {
		return 0, false
	}
	size, ok = t.ranges[entry]
	return size, ok
}

func permFromFlags(f elf.ProgFlag) mmu.Perm {
	var p mmu.Perm
	if f&elf.PF_R != 0 {
		p |= mmu.PermRead
	}
	if f&elf.PF_W != 0 {
		p |= mmu.PermWrite
	}
	if f&elf.PF_X != 0 {
		p |= mmu.PermExec
	}
	return p
}

// Open parses path as an ELF file, validating it is a statically linked
// 64-bit RISC-V executable, and returns the Image describing where it needs
// to be mapped. The file is only needed transiently to read headers and
// symbols; Load reopens path itself when it's time to copy bytes in, so
// Open closes its handle before returning.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("loader: %s is not a 64-bit ELF", path)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("loader: %s is not a RISC-V ELF (machine=%s)", path, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("loader: %s is not statically linked (type=%s, dynamic targets are a known limitation)", path, f.Type)
	}

	img := &Image{Entry: mmu.VirtAddr(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		img.Segments = append(img.Segments, Segment{
			FileOffset: uint(p.Off),
			VirtAddr:   mmu.VirtAddr(p.Vaddr),
			FileSize:   uint(p.Filesz),
			MemSize:    uint(p.Memsz),
			Perm:       permFromFlags(p.Flags),
		})
	}

	resolveHookSymbols(f, img)
	return img, nil
}

// resolveHookSymbols pattern-matches the symbol table for malloc/free entry
// points, per the hooks contract: both are installed by name at load time,
// never by guessing an address. It also builds img.Funcs from every
// STT_FUNC symbol, so the decoder can bound how far a lifted function
// extends without this package needing its own function-boundary
// heuristics.
func resolveHookSymbols(f *elf.File, img *Image) {
	syms, err := f.Symbols()
	if err != nil {
		return
	}
	ranges := make(map[uint64]uint64)
	for _, s := range syms {
		switch s.Name {
		case "malloc":
			img.MallocPC = mmu.VirtAddr(s.Value)
			img.HasMalloc = true
		case "free":
			img.FreePC = mmu.VirtAddr(s.Value)
			img.HasFree = true
		}
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Size > 0 {
			ranges[s.Value] = s.Size
		}
	}
	img.Funcs = &FuncTable{ranges: ranges}
}

// Load reads path's raw bytes and writes each of img's PT_LOAD segments
// into m at its mapped address, following the original load's
// write-then-pad-then-demote-permissions sequence: pages are briefly
// writable while the file contents (and zero padding for the bss tail) are
// copied in, then permissions are set back down to whatever the program
// header actually grants.
func Load(path string, img *Image, m *mmu.Mmu) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("loader: read %s: %w", path, err)
	}
	for _, seg := range img.Segments {
		if err := m.SetPermissions(seg.VirtAddr, seg.MemSize, mmu.PermWrite); err != nil {
			return fmt.Errorf("loader: stage segment at %s: %w", seg.VirtAddr, err)
		}

		if seg.FileSize > 0 {
			if seg.FileOffset+seg.FileSize > uint(len(raw)) {
				return fmt.Errorf("loader: segment at %s reads past end of file", seg.VirtAddr)
			}
			if err := m.Write(seg.VirtAddr, raw[seg.FileOffset:seg.FileOffset+seg.FileSize]); err != nil {
				return fmt.Errorf("loader: write segment at %s: %w", seg.VirtAddr, err)
			}
		}
		if seg.MemSize > seg.FileSize {
			pad := make([]byte, seg.MemSize-seg.FileSize)
			if err := m.Write(seg.VirtAddr+mmu.VirtAddr(seg.FileSize), pad); err != nil {
				return fmt.Errorf("loader: zero-pad segment at %s: %w", seg.VirtAddr, err)
			}
		}

		if err := m.SetPermissions(seg.VirtAddr, seg.MemSize, seg.Perm); err != nil {
			return fmt.Errorf("loader: finalize segment permissions at %s: %w", seg.VirtAddr, err)
		}
	}
	return nil
}

// Package codecache is the shared, append-only executable region that
// holds every guest function this process JIT-compiles, the guest-PC ->
// host-offset translation table indexing into it, and the dispatcher loop
// that ties the two together with the JIT's exit-code protocol
// (internal/jit).
//
// Grounded on dsmmcken-dh-cli's internal/vm/uffd_linux.go for its
// unix.Mmap/unix.Mprotect usage and mutex-guarded single-writer shape; the
// append-only bump allocator and translation-table discipline itself is
// this module's own restatement of the shared code-cache contract.
package codecache

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize is the host page granularity W^X toggling operates on.
const pageSize = 4096

// DefaultSize is the code cache's region size when New is called with 0.
const DefaultSize = 256 * 1024 * 1024

// CodeCache is a single mmap-backed executable region, bump-allocated
// under an exclusive writer lock. Entries are appended whole and never
// relocated or rewritten: a host offset handed out by Append stays valid
// for the process's lifetime.
type CodeCache struct {
	mu     sync.Mutex
	region []byte
	used   int
}

// New reserves size bytes (rounded up to a page) of anonymous memory for
// the cache. size of 0 uses DefaultSize.
//
// Offset 0 is never handed out: the first page is carved off up front and
// left unused, so a legitimately compiled host offset can never collide
// with the translation table's "0 == uncompiled" sentinel (Append's
// return value would otherwise legitimately be 0 for the very first
// function ever compiled at the very first PC of its own entry block).
func New(size int) (*CodeCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	size = alignUp(size)
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codecache: mmap %d-byte region: %w", size, err)
	}
	if err := unix.Mprotect(region[:pageSize], unix.PROT_NONE); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("codecache: guard first page: %w", err)
	}
	return &CodeCache{region: region, used: pageSize}, nil
}

// Close releases the backing mmap region. Safe to call once.
func (c *CodeCache) Close() error {
	if c.region == nil {
		return nil
	}
	err := unix.Munmap(c.region)
	c.region = nil
	return err
}

// Append copies code into the cache and returns the host offset it now
// lives at. The call is exclusive: at most one Append runs at a time, and
// the pages code lands on are toggled RW for the copy and RX before
// Append returns, never left simultaneously writable and executable.
//
// Every Append starts at a page boundary and reserves whole pages, so the
// RW toggle below only ever touches pages that have never been exposed as
// RX to a reader; no other thread can be executing out of a page this
// call makes briefly writable. That is what makes the W^X discipline safe
// without a page-level lock finer than the single append mutex: the
// hazard "self-nulling" patches would have faced (toggling a page back to
// writable while another thread might already be mid-execution inside it,
// see internal/jit's DESIGN.md note) cannot happen here because pages are
// never revisited once published.
func (c *CodeCache) Append(code []byte) (int, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("codecache: refusing to append empty code")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.used
	need := alignUp(len(code))
	if start+need > len(c.region) {
		return 0, fmt.Errorf("codecache: region exhausted (used=%d, need=%d, cap=%d)", start, need, len(c.region))
	}

	span := c.region[start : start+need]
	if err := unix.Mprotect(span, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return 0, fmt.Errorf("codecache: mprotect RW: %w", err)
	}
	copy(c.region[start:start+len(code)], code)
	if err := unix.Mprotect(span, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return 0, fmt.Errorf("codecache: mprotect RX: %w", err)
	}

	c.used = start + need
	return start, nil
}

// EntryPointer returns the host address of the code at offset off, for
// handing to jit.Enter.
func (c *CodeCache) EntryPointer(off int) uintptr {
	return uintptr(unsafe.Pointer(&c.region[off]))
}

// Bytes returns a read-only view of up to maxLen bytes starting at host
// offset off, clamped to however much of the cache is actually in use.
// For disassembling a compiled block (internal/jit.DisassembleBlock):
// the cache records no per-block length, so the caller over-asks and
// relies on the decoder's instruction cap; the window can include the
// zero padding up to the entry's page boundary and later entries.
func (c *CodeCache) Bytes(off, maxLen int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off < 0 || off >= c.used {
		return nil
	}
	end := off + maxLen
	if end > c.used {
		end = c.used
	}
	return c.region[off:end]
}

// Used reports how many bytes (including the reserved guard page) have
// been bump-allocated so far.
func (c *CodeCache) Used() int { return c.used }

// Cap reports the cache's total capacity in bytes.
func (c *CodeCache) Cap() int { return len(c.region) }

func alignUp(n int) int { return (n + pageSize - 1) &^ (pageSize - 1) }

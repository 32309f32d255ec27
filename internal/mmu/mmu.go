// Package mmu implements a byte-granular memory manager: a flat guest
// address space paired with a parallel permission array and a page-dirty
// log used to make resets between fuzz cases cheap. Errors are returned
// rather than panicking, guard-byte quarantine isolates malloc/free
// regions, and the guest memory region is backed by an anonymous mmap so
// large guest address spaces don't pressure the Go heap.
package mmu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Perm is a bitmask of permissions carried by a single guest byte.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermRAW // "read-after-write": writable, not yet readable
)

// DirtyBlockSize is the granularity at which written pages are tracked for
// reset. 4096 lines up with the host page size so the code cache's
// mprotect-based W^X toggling (internal/codecache) and this dirty
// tracking move in the same units.
const DirtyBlockSize = 4096

// DefaultGuestSize is the default size of a guest address space.
const DefaultGuestSize = 64 * 1024 * 1024

// guardSize is the width, in bytes, of the no-permission guard region
// inserted on each side of a heap allocation.
const guardSize = 16

// VirtAddr is a guest virtual address.
type VirtAddr uint64

func (v VirtAddr) String() string { return fmt.Sprintf("%#x", uint64(v)) }

// AllocHook lets a caller request a stable base address for an allocation
// identified by a content key (e.g. a hash of the call site and size),
// rather than taking whatever the bump allocator would hand out next.
// Consulted by Allocate before falling through to the bump allocator;
// results are cached so the same key always maps to the same base for the
// lifetime of the Mmu, keeping heap layout stable across fuzz-case resets
// even though freed regions themselves are never reused (quarantine).
type AllocHook func(size uint, key uint64) (base VirtAddr, ok bool)

// Mmu is one thread's private guest address space. Each worker thread
// exclusively owns its Mmu; there is no internal synchronization.
type Mmu struct {
	memory      []byte
	permissions []Perm

	// dirty holds the block indices (DirtyBlockSize granularity) that have
	// been written since the last Reset, along with a membership bitmap
	// for O(1) "have we already recorded this block" checks.
	dirty *DirtyLog

	curAlloc VirtAddr
	heapEnd  VirtAddr // grown by the brk syscall handler

	allocHook  AllocHook
	allocCache map[uint64]VirtAddr

	mapped []byte // backing mmap region, unmapped on Close
}

// New allocates a guest address space of the given size, backed by an
// anonymous mmap region so multi-megabyte guest spaces don't live on the
// Go GC heap.
func New(size uint) (*Mmu, error) {
	if size == 0 {
		size = DefaultGuestSize
	}
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmu: mmap guest address space: %w", err)
	}
	m := &Mmu{
		memory:      region,
		permissions: make([]Perm, size),
		dirty:       newDirtyLog(size/DirtyBlockSize + 1),
		curAlloc:    VirtAddr(0x10000),
		heapEnd:     VirtAddr(0x10000),
		allocCache:  make(map[uint64]VirtAddr),
		mapped:      region,
	}
	return m, nil
}

// Close releases the backing mmap region. Safe to call once per Mmu.
func (m *Mmu) Close() error {
	if m.mapped == nil {
		return nil
	}
	err := unix.Munmap(m.mapped)
	m.mapped = nil
	return err
}

// Len returns the size of the guest address space in bytes.
func (m *Mmu) Len() uint { return uint(len(m.memory)) }

// DirtyLog exposes the dirty-tracking region the JIT's reserved RegDirty
// pointer binds to for inline store instrumentation.
func (m *Mmu) DirtyLog() *DirtyLog { return m.dirty }

// MemPointer is the raw pointer the JIT's reserved RegMemBase register
// binds to for the duration of one jit.Enter call.
func (m *Mmu) MemPointer() unsafe.Pointer { return unsafe.Pointer(&m.memory[0]) }

// PermPointer is the raw pointer the JIT's reserved RegPermBase register
// binds to.
func (m *Mmu) PermPointer() unsafe.Pointer { return unsafe.Pointer(&m.permissions[0]) }

// SetAllocHook installs a content-addressable allocator hook (see AllocHook).
func (m *Mmu) SetAllocHook(h AllocHook) { m.allocHook = h }

// Fork creates an independent copy of m: a new backing region with the same
// memory and permission contents and the same allocation cursor. Used to
// hand each worker thread its own Mmu derived from a single loaded image
// before the master snapshot is taken.
func (m *Mmu) Fork() (*Mmu, error) {
	clone, err := New(m.Len())
	if err != nil {
		return nil, err
	}
	copy(clone.memory, m.memory)
	copy(clone.permissions, m.permissions)
	clone.curAlloc = m.curAlloc
	clone.heapEnd = m.heapEnd
	return clone, nil
}

// SetPermissions sets perm on every byte in [addr, addr+size).
func (m *Mmu) SetPermissions(addr VirtAddr, size uint, perm Perm) error {
	if uint64(addr)+uint64(size) > uint64(len(m.memory)) {
		return fmt.Errorf("mmu: set_permissions OOB of guest address space: addr=%s size=%d", addr, size)
	}
	for i := uint64(addr); i < uint64(addr)+uint64(size); i++ {
		m.permissions[i] = perm
	}
	return nil
}

// Reset restores memory and permissions to match master for every block
// this Mmu has dirtied since its last reset, then clears the dirty log.
// After Reset, the dirty vector and bitmap are empty and every byte
// matches master byte-for-byte.
func (m *Mmu) Reset(master *Mmu) {
	for i := uint64(0); i < m.dirty.Count(); i++ {
		block := uint(m.dirty.Entry(i))
		start := block * DirtyBlockSize
		end := start + DirtyBlockSize
		if end > uint(len(m.memory)) {
			end = uint(len(m.memory))
		}
		copy(m.memory[start:end], master.memory[start:end])
		copy(m.permissions[start:end], master.permissions[start:end])
	}
	m.dirty.reset()
	m.curAlloc = master.curAlloc
	m.heapEnd = master.heapEnd
}

// markDirty records block as dirty if it is not already, appending to the
// dirty vector exactly once per block between resets.
func (m *Mmu) markDirty(block uint) {
	if m.dirty.testBit(uint64(block)) {
		return
	}
	m.dirty.append(uint64(block))
}

// Write writes buf to addr. Every touched byte must already carry
// PermWrite. Bytes carrying PermRAW are promoted to additionally carry
// PermRead (the RAW->READ upgrade on first write), and the pages touched
// are recorded in the dirty log.
func (m *Mmu) Write(addr VirtAddr, buf []byte) error {
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if uint64(addr)+size > uint64(len(m.memory)) {
		return &OOBError{Addr: addr, Size: uint(size), Op: "write"}
	}

	perms := m.permissions[addr : uint64(addr)+size]
	hasRAW := false
	for _, p := range perms {
		if p&PermRAW != 0 {
			hasRAW = true
		}
		if p&PermWrite == 0 {
			return &PermissionError{Addr: addr, Op: "write", Need: PermWrite}
		}
	}

	copy(m.memory[addr:], buf)

	blockStart := uint(addr) / DirtyBlockSize
	blockEnd := (uint(addr) + uint(size) - 1) / DirtyBlockSize
	for b := blockStart; b <= blockEnd; b++ {
		m.markDirty(b)
	}

	if hasRAW {
		for i := range perms {
			if perms[i]&PermRAW != 0 {
				perms[i] |= PermRead
			}
		}
	}
	return nil
}

// Read reads len(buf) bytes from addr, requiring PermRead on every byte.
func (m *Mmu) Read(addr VirtAddr, buf []byte) error {
	return m.ReadPerms(addr, buf, PermRead)
}

// ReadPerms reads len(buf) bytes from addr, requiring every byte to carry
// `need`. This indirection lets the decoder's guest-memory reader
// (internal/emu) read EXEC-only text bytes without first granting
// PermRead.
func (m *Mmu) ReadPerms(addr VirtAddr, buf []byte, need Perm) error {
	size := uint64(len(buf))
	if size == 0 {
		return nil
	}
	if uint64(addr)+size > uint64(len(m.memory)) {
		return &OOBError{Addr: addr, Size: uint(size), Op: "read"}
	}
	for _, p := range m.permissions[addr : uint64(addr)+size] {
		if p&need == 0 {
			return &PermissionError{Addr: addr, Op: "read", Need: need}
		}
	}
	copy(buf, m.memory[addr:uint64(addr)+size])
	return nil
}

// allocKey folds a size and caller-supplied key into a single cache key.
func allocKey(size uint, key uint64) uint64 {
	h := uint64(size)*1099511628211 ^ key
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// Allocate bump-allocates size bytes from the heap region, 16-byte aligned,
// flanked by no-permission guard bytes on each side, with the payload
// stamped PermRAW|PermWrite. key, if nonzero, is consulted against the
// allocator hook for a deterministic base address.
func (m *Mmu) Allocate(size uint, key uint64) (VirtAddr, error) {
	if key != 0 {
		if cached, ok := m.allocCache[allocKey(size, key)]; ok {
			return cached, nil
		}
		if m.allocHook != nil {
			if base, ok := m.allocHook(size, key); ok {
				m.allocCache[allocKey(size, key)] = base
				return base, nil
			}
		}
	}

	alignSize := (size + 0xf) &^ 0xf
	base := m.curAlloc + VirtAddr(guardSize)
	end := base + VirtAddr(alignSize) + VirtAddr(guardSize)
	if uint64(end) >= uint64(len(m.memory)) {
		return 0, fmt.Errorf("mmu: allocation of %d bytes would exceed the guest address space", size)
	}

	m.curAlloc = end

	if err := m.SetPermissions(base-guardSize, guardSize, 0); err != nil {
		return 0, err
	}
	if err := m.SetPermissions(base+VirtAddr(alignSize), guardSize, 0); err != nil {
		return 0, err
	}
	if err := m.SetPermissions(base, size, PermRAW|PermWrite); err != nil {
		return 0, err
	}

	if key != 0 {
		m.allocCache[allocKey(size, key)] = base
	}
	return base, nil
}

// Free clears all permissions on the payload bytes of a prior allocation so
// any subsequent access (double-free, use-after-free) faults. The address
// is never reused by the bump allocator (quarantine); callers that pass
// `size` incorrectly only under-quarantine, they cannot corrupt live data.
func (m *Mmu) Free(addr VirtAddr, size uint) error {
	return m.SetPermissions(addr, size, 0)
}

// HeapEnd reports the guest-visible program break brk's zero-delta query
// form needs: "what is the break right now" without moving it.
func (m *Mmu) HeapEnd() VirtAddr { return m.heapEnd }

// Grow extends the heap end used by the brk syscall handler by delta bytes
// and returns the new break. brk never moves curAlloc; it only bookkeeps
// the guest-visible break address within the already-reserved address
// space.
func (m *Mmu) Grow(delta int64) (VirtAddr, error) {
	next := int64(m.heapEnd) + delta
	if next < 0 || uint64(next) > uint64(len(m.memory)) {
		return m.heapEnd, fmt.Errorf("mmu: brk would move heap end OOB")
	}
	m.heapEnd = VirtAddr(next)
	return m.heapEnd, nil
}

// PermissionError reports an access that lacked a required permission bit.
type PermissionError struct {
	Addr VirtAddr
	Op   string
	Need Perm
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("mmu: %s denied at %s (need perm %#x)", e.Op, e.Addr, uint8(e.Need))
}

// OOBError reports an access outside the guest address space.
type OOBError struct {
	Addr VirtAddr
	Size uint
	Op   string
}

func (e *OOBError) Error() string {
	return fmt.Sprintf("mmu: %s of %d bytes at %s would go out of bounds", e.Op, e.Size, e.Addr)
}

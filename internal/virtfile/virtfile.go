// Package virtfile backs the guest's open/read/close syscalls with
// in-memory named byte buffers instead of a real filesystem, so a fuzz
// target's file I/O can be redirected straight at mutated input without
// ever touching disk. open resolves a guest-supplied path against a
// registered name; read serves bytes out of the matching buffer; close
// forgets the guest's file descriptor.
package virtfile

import (
	"sync"

	"github.com/mellow-hype/sfuzz/internal/emu"
	"github.com/mellow-hype/sfuzz/internal/mmu"
)

// Registry is a name -> content map. The orchestrator gives each worker
// its own Registry, seeds it with the files registered through
// register_virtual_file, and registers the current input again before
// every case; the mutex makes Register and lookup safe to call from
// different goroutines.
type Registry struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewRegistry() *Registry { return &Registry{files: make(map[string][]byte)} }

// Register installs (or replaces) the content served for name.
func (r *Registry) Register(name string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[name] = content
}

func (r *Registry) lookup(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.files[name]
	return b, ok
}

type openFile struct {
	data []byte
	pos  int
}

// Table is one worker thread's private file-descriptor table: guest fds
// are never shared across threads (each Emulator owns its own guest
// address space), so this carries no locking.
type Table struct {
	files  map[int64]*openFile
	nextFd int64
}

// NewTable starts fd allocation at 3, leaving 0/1/2 (stdin/stdout/stderr)
// unused by this registry — a guest touching those gets nothing served
// here, matching real fd numbering without this package pretending to
// back the standard streams.
func NewTable() *Table { return &Table{files: make(map[int64]*openFile), nextFd: 3} }

// maxPathLen bounds how far Wire's open handler reads guest memory
// looking for a path string's NUL terminator, so a guest passing a
// pointer into unmapped memory faults quickly instead of scanning
// unbounded.
const maxPathLen = 4096

// readCString reads a NUL-terminated string from guest memory starting at
// addr, up to maxPathLen bytes.
func readCString(e *emu.Emulator, addr uint64) (string, error) {
	var buf []byte
	var b [1]byte
	for i := 0; i < maxPathLen; i++ {
		if err := e.Mem.Read(mmu.VirtAddr(addr)+mmu.VirtAddr(i), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf), nil
}

// Wire installs the open/read/close syscall handlers on e, backed by reg
// and e's own private fd table. openNum/readNum/closeNum are the guest
// ABI's syscall numbers for open (in this ABI, openat), read, and close.
func Wire(e *emu.Emulator, reg *Registry, table *Table, openNum, readNum, closeNum int64) {
	e.SetSyscallHandler(openNum, func(em *emu.Emulator, num int64) (bool, error) {
		// openat(dirfd, path, flags, mode): path is a1 when dirfd occupies
		// a0, matching the four-argument riscv64 openat ABI this syscall
		// number corresponds to.
		pathPtr := em.Arg(1)
		name, err := readCString(em, pathPtr)
		if err != nil {
			em.SetReturn(negErrno(errFault))
			return false, nil
		}
		content, ok := reg.lookup(name)
		if !ok {
			em.SetReturn(negErrno(errNoEnt))
			return false, nil
		}
		fd := table.nextFd
		table.nextFd++
		table.files[fd] = &openFile{data: content}
		em.SetReturn(uint64(fd))
		return false, nil
	})

	e.SetSyscallHandler(readNum, func(em *emu.Emulator, num int64) (bool, error) {
		fd := int64(em.Arg(0))
		bufPtr := em.Arg(1)
		count := em.Arg(2)

		f, ok := table.files[fd]
		if !ok {
			em.SetReturn(negErrno(errBadFD))
			return false, nil
		}
		remaining := f.data[f.pos:]
		n := len(remaining)
		if uint64(n) > count {
			n = int(count)
		}
		if n > 0 {
			if err := em.Mem.Write(mmu.VirtAddr(bufPtr), remaining[:n]); err != nil {
				em.SetReturn(negErrno(errFault))
				return false, nil
			}
			f.pos += n
		}
		em.SetReturn(uint64(n))
		return false, nil
	})

	e.SetSyscallHandler(closeNum, func(em *emu.Emulator, num int64) (bool, error) {
		fd := int64(em.Arg(0))
		if _, ok := table.files[fd]; !ok {
			em.SetReturn(negErrno(errBadFD))
			return false, nil
		}
		delete(table.files, fd)
		em.SetReturn(0)
		return false, nil
	})
}

// Linux errno values the guest's native error convention expects back as
// a negative return value (spec's "syscall failure ... native error
// convention").
const (
	errNoEnt = 2
	errBadFD = 9
	errFault = 14
)

func negErrno(e int64) uint64 { return uint64(-e) }

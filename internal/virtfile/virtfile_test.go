package virtfile

import (
	"testing"

	"github.com/mellow-hype/sfuzz/internal/emu"
	"github.com/mellow-hype/sfuzz/internal/mmu"
)

const (
	testOpenNum  = 1001
	testReadNum  = 1002
	testCloseNum = 1003
)

func newTestEmulator(t *testing.T) *emu.Emulator {
	t.Helper()
	m, err := mmu.New(1 << 16)
	if err != nil {
		t.Fatalf("mmu.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	if err := m.SetPermissions(0x2000, 512, mmu.PermRead|mmu.PermWrite); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	return emu.New(m, nil, nil, 0)
}

func writeCString(t *testing.T, e *emu.Emulator, addr uint64, s string) {
	t.Helper()
	buf := append([]byte(s), 0)
	if err := e.Mem.Write(mmu.VirtAddr(addr), buf); err != nil {
		t.Fatalf("Write path: %v", err)
	}
}

func TestOpenReadCloseRoundTrip(t *testing.T) {
	e := newTestEmulator(t)
	reg := NewRegistry()
	reg.Register("input.bin", []byte("hello world"))
	table := NewTable()
	Wire(e, reg, table, testOpenNum, testReadNum, testCloseNum)

	writeCString(t, e, 0x2000, "input.bin")
	e.Regs[11] = 0x2000 // a1: path pointer for openat(dirfd, path, ...)

	if done, err := e.Syscalls[testOpenNum](e, testOpenNum); done || err != nil {
		t.Fatalf("open handler: done=%v err=%v", done, err)
	}
	fd := e.Regs[10] // a0: return value
	if int64(fd) < 3 {
		t.Fatalf("open returned fd=%d, want >= 3", fd)
	}

	e.Regs[10] = fd
	e.Regs[11] = 0x2100 // a1: read buffer
	e.Regs[12] = 5      // a2: count
	if done, err := e.Syscalls[testReadNum](e, testReadNum); done || err != nil {
		t.Fatalf("read handler: done=%v err=%v", done, err)
	}
	if n := e.Regs[10]; n != 5 {
		t.Fatalf("read returned %d, want 5", n)
	}
	got := make([]byte, 5)
	if err := e.Mem.Read(mmu.VirtAddr(0x2100), got); err != nil {
		t.Fatalf("Read back buffer: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read buffer = %q, want %q", got, "hello")
	}

	e.Regs[10] = fd
	if done, err := e.Syscalls[testCloseNum](e, testCloseNum); done || err != nil {
		t.Fatalf("close handler: done=%v err=%v", done, err)
	}
	if e.Regs[10] != 0 {
		t.Fatalf("close returned %d, want 0", e.Regs[10])
	}

	// A read after close must fail with -EBADF, not panic or succeed.
	e.Regs[10] = fd
	if done, err := e.Syscalls[testReadNum](e, testReadNum); done || err != nil {
		t.Fatalf("read-after-close handler: done=%v err=%v", done, err)
	}
	if int64(e.Regs[10]) != -errBadFD {
		t.Fatalf("read-after-close returned %d, want %d", int64(e.Regs[10]), -errBadFD)
	}
}

func TestOpenUnregisteredNameReturnsENOENT(t *testing.T) {
	e := newTestEmulator(t)
	reg := NewRegistry()
	table := NewTable()
	Wire(e, reg, table, testOpenNum, testReadNum, testCloseNum)

	writeCString(t, e, 0x2000, "missing.bin")
	e.Regs[11] = 0x2000

	if done, err := e.Syscalls[testOpenNum](e, testOpenNum); done || err != nil {
		t.Fatalf("open handler: done=%v err=%v", done, err)
	}
	if int64(e.Regs[10]) != -errNoEnt {
		t.Fatalf("open on unregistered name returned %d, want %d", int64(e.Regs[10]), -errNoEnt)
	}
}

package emu

import (
	"testing"

	"github.com/mellow-hype/sfuzz/internal/codecache"
	"github.com/mellow-hype/sfuzz/internal/jit"
	"github.com/mellow-hype/sfuzz/internal/mmu"
)

const (
	testOpOpImm  = 0b0010011
	testOpLoad   = 0b0000011
	testOpSystem = 0b1110011
)

func encodeI(opcode, rd, f3, rs1 uint32, imm int64) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | f3<<12 | rd<<7 | opcode
}

// fixedRange satisfies codecache.FuncResolver with one size for every pc,
// mirroring internal/codecache's own test helper.
type fixedRange struct{ size uint64 }

func (f fixedRange) FuncRange(uint64) (uint64, bool) { return f.size, true }

func newTestDispatcher(t *testing.T, mem *mmu.Mmu, ranges codecache.FuncResolver) *codecache.Dispatcher {
	t.Helper()
	cache, err := codecache.New(256 * 1024)
	if err != nil {
		t.Fatalf("codecache.New: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	table := codecache.NewTranslationTable()
	dec := NewDecoder(mem)
	comp := jit.NewCompiler()
	return codecache.NewDispatcher(cache, table, ranges, dec, comp)
}

func newTestGuestMem(t *testing.T) *mmu.Mmu {
	t.Helper()
	m, err := mmu.New(1 << 16)
	if err != nil {
		t.Fatalf("mmu.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// writeCode grants Exec|Write|Read on [addr, addr+len(code)) and writes
// code there. Real targets load text read-only+exec from an ELF image;
// granting Write here is a test-only convenience, not a claim about the
// real loader's permission model.
func writeCode(t *testing.T, m *mmu.Mmu, addr mmu.VirtAddr, code []uint32) {
	t.Helper()
	if err := m.SetPermissions(addr, uint(len(code)*4), mmu.PermExec|mmu.PermWrite|mmu.PermRead); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	buf := make([]byte, 0, len(code)*4)
	for _, w := range code {
		buf = append(buf, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	if err := m.Write(addr, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestRunCaseExitSyscallEndsTheCaseOK(t *testing.T) {
	mem := newTestGuestMem(t)
	writeCode(t, mem, 0x1000, []uint32{
		encodeI(testOpOpImm, 17, 0b000, 0, 93), // ADDI x17(a7), x0, 93  (exit)
		encodeI(testOpSystem, 0, 0, 0, 0),      // ECALL
	})

	disp := newTestDispatcher(t, mem, fixedRange{size: 8})
	cov := make([]byte, 1<<jit.DefaultMapBits)
	e := New(mem, disp, cov, 10000)
	e.StartPC = 0x1000
	e.SetSyscallHandler(93, func(em *Emulator, num int64) (bool, error) {
		return true, nil
	})

	out, err := e.RunCase(nil, nil)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if out.Kind != OutcomeOK {
		t.Fatalf("outcome = %v, want OK", out.Kind)
	}
}

func TestRunCaseNonExitSyscallReenters(t *testing.T) {
	mem := newTestGuestMem(t)
	writeCode(t, mem, 0x2000, []uint32{
		encodeI(testOpOpImm, 17, 0b000, 0, 64), // ADDI a7, x0, 64 (write)
		encodeI(testOpSystem, 0, 0, 0, 0),      // ECALL
		encodeI(testOpOpImm, 17, 0b000, 0, 93), // ADDI a7, x0, 93 (exit)
		encodeI(testOpSystem, 0, 0, 0, 0),      // ECALL
	})

	disp := newTestDispatcher(t, mem, fixedRange{size: 16})
	cov := make([]byte, 1<<jit.DefaultMapBits)
	e := New(mem, disp, cov, 10000)
	e.StartPC = 0x2000

	var writeCalls int
	e.SetSyscallHandler(64, func(em *Emulator, num int64) (bool, error) {
		writeCalls++
		em.SetReturn(0)
		return false, nil
	})
	e.SetSyscallHandler(93, func(em *Emulator, num int64) (bool, error) {
		return true, nil
	})

	out, err := e.RunCase(nil, nil)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if out.Kind != OutcomeOK {
		t.Fatalf("outcome = %v, want OK", out.Kind)
	}
	if writeCalls != 1 {
		t.Fatalf("write syscall invoked %d times, want 1", writeCalls)
	}
}

func TestRunCaseUnregisteredSyscallIsIllegalInstructionCrash(t *testing.T) {
	mem := newTestGuestMem(t)
	writeCode(t, mem, 0x2500, []uint32{
		encodeI(testOpOpImm, 17, 0b000, 0, 999), // ADDI a7, x0, 999 (unknown)
		encodeI(testOpSystem, 0, 0, 0, 0),       // ECALL
	})
	disp := newTestDispatcher(t, mem, fixedRange{size: 8})
	cov := make([]byte, 1<<jit.DefaultMapBits)
	e := New(mem, disp, cov, 10000)
	e.StartPC = 0x2500

	out, err := e.RunCase(nil, nil)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if out.Kind != OutcomeCrash || out.Fault == nil {
		t.Fatalf("outcome = %+v, want a crash", out)
	}
}

func TestRunCaseLoadFaultIsReportedAsACrash(t *testing.T) {
	mem := newTestGuestMem(t)
	writeCode(t, mem, 0x3000, []uint32{
		encodeI(testOpLoad, 5, 0b011, 0, 0), // LD x5, 0(x0): address 0 has no permissions
	})
	disp := newTestDispatcher(t, mem, fixedRange{size: 4})
	cov := make([]byte, 1<<jit.DefaultMapBits)
	e := New(mem, disp, cov, 10000)
	e.StartPC = 0x3000

	out, err := e.RunCase(nil, nil)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if out.Kind != OutcomeCrash {
		t.Fatalf("outcome = %v, want CRASH", out.Kind)
	}
	if out.Fault.Kind.String() != "READ_FAULT" {
		t.Fatalf("fault kind = %v, want READ_FAULT", out.Fault.Kind)
	}
}

func TestRunCaseHookAndExitPCTerminateTheCase(t *testing.T) {
	mem := newTestGuestMem(t)
	disp := newTestDispatcher(t, mem, fixedRange{size: 4})
	cov := make([]byte, 1<<jit.DefaultMapBits)
	e := New(mem, disp, cov, 10000)

	var hookCalled bool
	e.AddHook(0x9000, func(em *Emulator) (uint64, error) {
		hookCalled = true
		return 0xa000, nil
	})
	e.SetExitPC(0xa000)
	e.StartPC = 0x9000

	out, err := e.RunCase(nil, nil)
	if err != nil {
		t.Fatalf("RunCase: %v", err)
	}
	if !hookCalled {
		t.Fatalf("expected the hook handler to run")
	}
	if out.Kind != OutcomeOK {
		t.Fatalf("outcome = %v, want OK", out.Kind)
	}
}

func TestArgAndSetReturnAddressRISCVCallingConventionSlots(t *testing.T) {
	e := &Emulator{}
	e.Regs[10] = 0x11 // a0
	e.Regs[11] = 0x22 // a1
	if e.Arg(0) != 0x11 || e.Arg(1) != 0x22 {
		t.Fatalf("Arg(0)=%#x Arg(1)=%#x, want 0x11/0x22", e.Arg(0), e.Arg(1))
	}
	e.SetReturn(0x33)
	if e.Regs[10] != 0x33 {
		t.Fatalf("SetReturn did not write a0")
	}
}

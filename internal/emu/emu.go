// Package emu owns the per-thread emulator: one goroutine's private guest
// register file and MMU, wired to a shared internal/codecache.Dispatcher
// for translation, and the semantic half of the exit-code dispatch the
// dispatcher does not itself understand (SYSCALL, HOOK, FAULT, TIMEOUT,
// DEBUG). internal/codecache's Step already absorbs NEED_COMPILE and
// COVERAGE_NEW internally; everything this package sees back from Step is
// something only a register file and an MMU can resolve.
package emu

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"github.com/mellow-hype/sfuzz/internal/codecache"
	"github.com/mellow-hype/sfuzz/internal/faults"
	"github.com/mellow-hype/sfuzz/internal/ir"
	"github.com/mellow-hype/sfuzz/internal/jit"
	"github.com/mellow-hype/sfuzz/internal/logging"
	"github.com/mellow-hype/sfuzz/internal/mmu"
	"github.com/mellow-hype/sfuzz/internal/snapshot"
)

// SyscallHandler executes one intercepted ecall. num is the value of a7 at
// the trap; implementations read further arguments with Emulator.Arg and
// report a return value with Emulator.SetReturn. Returning done=true ends
// the fuzz case with OutcomeOK (the `exit` syscall); any other syscall
// resumes at the PC the dispatcher already computed (the instruction after
// the ecall) regardless of the returned bool.
type SyscallHandler func(e *Emulator, num int64) (done bool, err error)

// HookHandler entirely replaces a guest function (malloc/free) with host
// code: it runs instead of the guest bytes living at the hooked address,
// which are never lifted or compiled. It must return the guest PC
// execution resumes at — ordinarily the return address the call already
// left in the link register (x1/ra).
type HookHandler func(e *Emulator) (resumePC uint64, err error)

// OutcomeKind classifies how a fuzz case ended.
type OutcomeKind uint8

const (
	OutcomeOK OutcomeKind = iota
	OutcomeTimeout
	OutcomeCrash
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "OK"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeCrash:
		return "CRASH"
	default:
		return "UNKNOWN_OUTCOME"
	}
}

// Outcome is the result of one run_case call.
type Outcome struct {
	Kind  OutcomeKind
	Fault *faults.Fault // set only when Kind == OutcomeCrash
	// NewEdges holds every coverage-map index this case set for the first
	// time (edges_delta), in discovery order.
	NewEdges []uint64
}

// Emulator is one worker thread's private execution context: its own
// guest address space and register file, sharing only the read-mostly
// code cache/translation table (via Disp) and the coverage bytemap (Cov)
// with every other Emulator in the fleet.
type Emulator struct {
	Mem  *mmu.Mmu
	Disp *codecache.Dispatcher
	Cov  []byte

	Regs [jit.RegFileSlots]uint64

	// InstrBudget is the instruction allowance primed into the register
	// file's budget slot before every case; exceeding it is the only
	// timeout this core knows (no wall-clock timers).
	InstrBudget uint64

	Syscalls map[int64]SyscallHandler
	Hooks    map[uint64]HookHandler

	// StartPC is the guest PC RunCase begins each case at. SnapshotAt sets
	// it to the snapshot PC; tests and harnesses with no warm-up phase may
	// set it directly instead.
	StartPC uint64
	snap    *snapshot.Image

	exitPC    uint64
	hasExitPC bool
}

// New builds an Emulator over its own guest address space, sharing disp
// and cov with the rest of the fleet.
func New(mem *mmu.Mmu, disp *codecache.Dispatcher, cov []byte, instrBudget uint64) *Emulator {
	return &Emulator{
		Mem:         mem,
		Disp:        disp,
		Cov:         cov,
		InstrBudget: instrBudget,
		Syscalls:    make(map[int64]SyscallHandler),
		Hooks:       make(map[uint64]HookHandler),
	}
}

// Arg returns guest integer argument register a{n} (x10+n), following the
// RISC-V calling convention's a0-a5 argument slots (n in 0..5).
func (e *Emulator) Arg(n int) uint64 { return e.Regs[ir.RegX(10+uint8(n))] }

// SetReturn writes v into a0 (x10), the RISC-V return-value register.
func (e *Emulator) SetReturn(v uint64) { e.Regs[ir.RegX(10)] = v }

// AddHook registers addr as a host-intercepted function entry: the shared
// dispatcher will never lift or compile guest code there, and Step routes
// control to handler instead.
func (e *Emulator) AddHook(addr uint64, handler HookHandler) {
	e.Disp.SetHook(addr)
	e.Hooks[addr] = handler
}

// SetSyscallHandler registers the handler invoked when a7 == num at an
// ecall trap.
func (e *Emulator) SetSyscallHandler(num int64, handler SyscallHandler) {
	e.Syscalls[num] = handler
}

// SetExitPC marks pc as the case-terminating address: reaching it ends the
// running case with OutcomeOK without requiring the guest to call exit.
func (e *Emulator) SetExitPC(pc uint64) {
	e.Disp.SetHook(pc)
	e.exitPC = pc
	e.hasExitPC = true
}

// Close releases the snapshot image's forked address space, if one was
// ever taken. The caller is still responsible for closing Mem itself.
func (e *Emulator) Close() error {
	return e.snap.Close()
}

// SnapshotAt runs the guest from entryPC until snapshotPC is reached for
// the first time, then deep-copies the register file and address space as
// the master state every future RunCase resets from, and sets StartPC to
// snapshotPC so future cases start there.
//
// Per the contract this mirrors, future cases never replay warm-up: they
// reset Mem/Regs from the captured master and re-enter directly at
// snapshotPC.
func (e *Emulator) SnapshotAt(entryPC, snapshotPC uint64) error {
	e.Disp.SetHook(snapshotPC)
	e.Regs = [jit.RegFileSlots]uint64{}
	e.Regs[jit.BudgetSlot] = e.InstrBudget

	pc := entryPC
	for {
		exit, err := e.step(pc, nil)
		if err != nil {
			return fmt.Errorf("emu: warm-up to snapshot pc %#x: %w", snapshotPC, err)
		}
		if exit.Code == jit.ExitHook && exit.PC == snapshotPC {
			break
		}
		next, done, err := e.handleExit(exit)
		if err != nil {
			return fmt.Errorf("emu: warm-up to snapshot pc %#x: %w", snapshotPC, err)
		}
		if done {
			return fmt.Errorf("emu: case ended before reaching snapshot pc %#x", snapshotPC)
		}
		pc = next
	}

	img, err := snapshot.Take(snapshotPC, e.Mem, e.Regs)
	if err != nil {
		return fmt.Errorf("emu: %w", err)
	}
	e.snap = img
	e.StartPC = snapshotPC
	return nil
}

// RunCase resets state from the snapshot (or, before any snapshot has been
// taken, runs from scratch starting at the current Regs/Mem), stages
// input via stageInput, and executes until the dispatcher reports an exit
// this package must resolve into a terminal Outcome.
func (e *Emulator) RunCase(input []byte, stageInput func(e *Emulator, input []byte) error) (Outcome, error) {
	if e.snap != nil {
		e.Regs = e.snap.Restore(e.Mem)
	}
	e.Regs[jit.BudgetSlot] = e.InstrBudget

	if stageInput != nil {
		if err := stageInput(e, input); err != nil {
			return Outcome{}, fmt.Errorf("emu: stage input: %w", err)
		}
	}

	pc := e.StartPC
	var newEdges []uint64
	for {
		exit, err := e.step(pc, &newEdges)
		if err != nil {
			return Outcome{}, err
		}
		if e.hasExitPC && exit.Code == jit.ExitHook && exit.PC == e.exitPC {
			return Outcome{Kind: OutcomeOK, NewEdges: newEdges}, nil
		}

		next, done, err := e.handleExit(exit)
		if err != nil {
			if f, ok := err.(*faults.Fault); ok {
				if f.Kind == faults.Timeout {
					return Outcome{Kind: OutcomeTimeout, Fault: f, NewEdges: newEdges}, nil
				}
				return Outcome{Kind: OutcomeCrash, Fault: f, NewEdges: newEdges}, nil
			}
			return Outcome{}, err
		}
		if done {
			return Outcome{Kind: OutcomeOK, NewEdges: newEdges}, nil
		}
		pc = next
	}
}

// step runs the dispatcher loop once, binding this Emulator's own
// register file, memory, permissions, and dirty log to the JIT's reserved
// host registers for the call.
func (e *Emulator) step(pc uint64, newEdges *[]uint64) (jit.Exit, error) {
	return e.Disp.Step(pc, e.regsPtr(), e.Mem.MemPointer(), e.Mem.PermPointer(), e.Mem.DirtyLog().Base(), e.Cov, newEdges)
}

// handleExit resolves one non-mechanical exit code into either the next
// guest PC to resume at (done=false) or a case-ending condition. A
// returned *faults.Fault signals a crash outcome; any other error is
// unrecoverable.
func (e *Emulator) handleExit(exit jit.Exit) (next uint64, done bool, err error) {
	switch exit.Code {
	case jit.ExitSyscall:
		num := int64(e.Regs[ir.RegX(17)]) // a7 carries the syscall number
		h, ok := e.Syscalls[num]
		if !ok {
			return 0, false, &faults.Fault{Kind: faults.IllegalInstruction, PC: exit.PC}
		}
		finished, serr := h(e, num)
		if serr != nil {
			return 0, false, serr
		}
		if finished {
			return 0, true, nil
		}
		return exit.PC, false, nil

	case jit.ExitHook:
		h, ok := e.Hooks[exit.PC]
		if !ok {
			return 0, false, fmt.Errorf("emu: no hook registered for guest pc %#x", exit.PC)
		}
		resume, herr := h(e)
		if herr != nil {
			return 0, false, herr
		}
		return resume, false, nil

	case jit.ExitFault:
		kind, addr := classify(exit)
		return 0, false, &faults.Fault{Kind: kind, PC: exit.PC, Addr: addr}

	case jit.ExitTimeout:
		return 0, false, &faults.Fault{Kind: faults.Timeout, PC: exit.PC}

	case jit.ExitDebug:
		e.dumpDebug(exit)
		return exit.PC, false, nil

	default:
		return 0, false, fmt.Errorf("emu: unexpected exit code %v from dispatcher", exit.Code)
	}
}

// dumpDebug logs the guest register file and a disassembly of the host
// code compiled for exit.PC, for the DEBUG exit's "dump registers;
// reenter" contract. A miss in DisassembleHostCode (the block somehow
// isn't in the translation table) still logs the registers; it just
// skips the disassembly line.
func (e *Emulator) dumpDebug(exit jit.Exit) {
	entry := logging.Log.WithField("pc", fmt.Sprintf("%#x", exit.PC))
	entry.Infof("debug trap\n%s", jit.DumpRegisters(e.Regs))
	if lines, ok := e.Disp.DisassembleHostCode(exit.PC); ok {
		entry.Infof("host code:\n%s", strings.Join(lines, "\n"))
	}
}

// classify splits an ExitFault's Aux back into a fault kind and the bare
// guest address, undoing the WriteFaultTag compileStore ORs in (see
// internal/jit's WriteFaultTag doc comment).
func classify(exit jit.Exit) (faults.Kind, uint64) {
	if exit.Aux&jit.WriteFaultTag != 0 {
		return faults.WriteFault, exit.Aux &^ jit.WriteFaultTag
	}
	return faults.ReadFault, exit.Aux
}

func (e *Emulator) regsPtr() unsafe.Pointer { return unsafe.Pointer(&e.Regs[0]) }

// guestMemory adapts an *mmu.Mmu to the narrow ir.Memory contract the
// decoder needs: fetch one little-endian instruction word, requiring only
// PermExec so text pages never need PermRead granted just to be lifted.
type guestMemory struct{ m *mmu.Mmu }

func (g guestMemory) FetchInstr(pc uint64) (uint32, error) {
	var buf [4]byte
	if err := g.m.ReadPerms(mmu.VirtAddr(pc), buf[:], mmu.PermExec); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// NewDecoder builds an ir.Decoder reading instruction words out of mem.
func NewDecoder(mem *mmu.Mmu) *ir.Decoder {
	return ir.NewDecoder(guestMemory{m: mem})
}

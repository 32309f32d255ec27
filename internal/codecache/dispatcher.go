package codecache

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/mellow-hype/sfuzz/internal/ir"
	"github.com/mellow-hype/sfuzz/internal/jit"
)

// FuncResolver answers "what is the address range of the function that
// starts at this guest PC", the pre-built function-range map the decoder
// contract assumes already exists (built by the ELF loader, out of this
// module's scope). A lookup miss means pc does not begin a known
// function and is itself an unrecoverable condition for the caller.
type FuncResolver interface {
	FuncRange(entry uint64) (size uint64, ok bool)
}

// Dispatcher is the mechanical half of the per-thread dispatcher loop
// described for the code cache: look up a guest PC, lazily lift+compile
// it if the translation table has never seen it, enter the JIT, and
// absorb the two exit codes that are pure code-cache/coverage bookkeeping
// (NEED_COMPILE, COVERAGE_NEW) by resolving them and re-entering without
// involving the caller. Every other exit code (SYSCALL, HOOK, FAULT,
// TIMEOUT, DEBUG) is handed back to the caller, which owns the guest
// register file and MMU this dispatcher has no business touching
// (internal/emu's per-thread Emulator).
//
// A Dispatcher may be shared by many worker threads: Cache and Table are
// already safe for concurrent use, and compileMu serializes the
// lift+compile+publish sequence process-wide, matching "at most one
// thread may emit into the cache at any time".
type Dispatcher struct {
	Cache    *CodeCache
	Table    *TranslationTable
	Funcs    FuncResolver
	Decoder  *ir.Decoder
	Compiler *jit.Compiler

	compileMu sync.Mutex
	hooksMu   sync.RWMutex
	hooks     map[uint64]struct{}
}

func NewDispatcher(cache *CodeCache, table *TranslationTable, funcs FuncResolver, dec *ir.Decoder, comp *jit.Compiler) *Dispatcher {
	return &Dispatcher{Cache: cache, Table: table, Funcs: funcs, Decoder: dec, Compiler: comp, hooks: make(map[uint64]struct{})}
}

// SetHook marks addr as host-intercepted: Step returns ExitHook for addr
// instead of ever lifting or compiling guest code there. Installed once at
// setup time (malloc/free-style symbol interception), never under the
// compile lock since it touches neither the cache nor the translation
// table.
func (d *Dispatcher) SetHook(addr uint64) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.hooks[addr] = struct{}{}
}

func (d *Dispatcher) isHooked(addr uint64) bool {
	d.hooksMu.RLock()
	defer d.hooksMu.RUnlock()
	_, ok := d.hooks[addr]
	return ok
}

// Step runs guest code starting at pc until an exit code other than
// NEED_COMPILE or COVERAGE_NEW is produced, or a compilation error makes
// further progress impossible (a code-cache-full or allocation failure,
// fatal to the whole process per the error-handling contract — Step
// returns it rather than panicking so the caller can decide how to
// surface a terminal error to the orchestrator).
//
// A pc marked by SetHook short-circuits straight to an ExitHook result
// without ever lifting or compiling the guest code living there: the
// caller owns the actual handler (it may need the register file and
// guest memory this package never touches) and is expected to invoke it
// and call Step again at whatever PC the handler decides to resume at.
//
// regs/mem/perms/dirty are the calling thread's own register file, guest
// memory, permission bytes, and dirty log, bound to the JIT's reserved
// host registers for the duration of each entry; cov is the shared
// coverage bytemap. newEdges, if non-nil, has every edge index this call
// newly recorded appended to it (the edges_delta a run_case outcome
// reports); pass nil to discard that bookkeeping.
func (d *Dispatcher) Step(pc uint64, regs, mem, perms, dirty unsafe.Pointer, cov []byte, newEdges *[]uint64) (jit.Exit, error) {
	var covPtr unsafe.Pointer
	if len(cov) > 0 {
		covPtr = unsafe.Pointer(&cov[0])
	}
	for {
		if d.isHooked(pc) {
			return jit.Exit{Code: jit.ExitHook, PC: pc}, nil
		}

		off, ok := d.Table.Lookup(pc)
		if !ok {
			var err error
			off, err = d.compile(pc)
			if err != nil {
				return jit.Exit{}, err
			}
		}

		exit := jit.Enter(d.Cache.EntryPointer(off), regs, mem, perms, d.Table.Base(), dirty, covPtr)
		switch exit.Code {
		case jit.ExitNeedCompile:
			pc = exit.PC
		case jit.ExitCoverageNew:
			// exit.Aux was observed zero by the emitted coverage-site check
			// itself (that is precisely why it exited ExitCoverageNew), so
			// every occurrence is a genuinely new edge; no need to re-check
			// cov[idx] here to avoid double-counting.
			recordCoverage(cov, exit.Aux)
			if newEdges != nil {
				*newEdges = append(*newEdges, exit.Aux)
			}
			pc = exit.PC
		default:
			return exit, nil
		}
	}
}

// maxDisasmWindow bounds how many host bytes DisassembleHostCode hands to
// the decoder; comfortably larger than any single lifted basic block this
// JIT currently emits.
const maxDisasmWindow = 4096

// DisassembleHostCode returns a line-per-instruction disassembly of the
// host code compiled for guest pc, for a DEBUG exit's dump. ok is false
// if pc has never been compiled (a DEBUG site reached without its
// enclosing block ever having gone through Step, which should not
// happen in practice since the debug trap itself only fires from inside
// already-compiled code).
func (d *Dispatcher) DisassembleHostCode(pc uint64) (lines []string, ok bool) {
	off, found := d.Table.Lookup(pc)
	if !found {
		return nil, false
	}
	code := d.Cache.Bytes(off, maxDisasmWindow)
	return jit.DisassembleBlock(code, d.Cache.EntryPointer(off)), true
}

// compile lifts and compiles the function beginning at pc under the
// exclusive compile lock, publishing a translation-table entry for every
// guest PC the compiler recorded a host offset for, then returns pc's own
// offset. A second caller that loses the lock race to a first one that
// already compiled pc observes the double-checked Lookup below and never
// recompiles.
func (d *Dispatcher) compile(pc uint64) (int, error) {
	d.compileMu.Lock()
	defer d.compileMu.Unlock()

	if off, ok := d.Table.Lookup(pc); ok {
		return off, nil
	}

	size, ok := d.Funcs.FuncRange(pc)
	if !ok {
		return 0, fmt.Errorf("codecache: no function range registered for guest pc %#x", pc)
	}
	fn, err := d.Decoder.LiftFunction(pc, size)
	if err != nil {
		return 0, fmt.Errorf("codecache: lift pc %#x: %w", pc, err)
	}
	cf := d.Compiler.Compile(fn)

	base, err := d.Cache.Append(cf.Code)
	if err != nil {
		return 0, fmt.Errorf("codecache: append: %w", err)
	}
	for gpc, rel := range cf.PCToOff {
		d.Table.Publish(gpc, base+rel)
	}

	off, ok := d.Table.Lookup(pc)
	if !ok {
		return 0, fmt.Errorf("codecache: compiled pc %#x but it lifted to no host offset", pc)
	}
	return off, nil
}

// recordCoverage marks idx as hit. A plain byte store, not an atomic one:
// the coverage map's contract only needs the monotone 0->1 transition to
// be observed eventually by every reader, and a single byte write cannot
// tear on any architecture this JIT targets (amd64), so two threads
// racing to set the same edge's byte both just write 1 — the same benign
// race every AFL-lineage fuzzer accepts for its coverage bitmap.
func recordCoverage(cov []byte, idx uint64) {
	if idx < uint64(len(cov)) {
		cov[idx] = 1
	}
}

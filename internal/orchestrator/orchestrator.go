// Package orchestrator assembles a loaded target, a shared code cache, a
// shared coverage map, and a pool of per-thread emulators into one fuzzing
// fleet, and owns the host-side syscall handlers and malloc/free hooks
// every worker shares: write/fstat/exit/exit_group/brk, and the guarded
// allocator hooks installed wherever the target's symbol table names
// malloc and free.
package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mellow-hype/sfuzz/internal/codecache"
	"github.com/mellow-hype/sfuzz/internal/coverage"
	"github.com/mellow-hype/sfuzz/internal/emu"
	"github.com/mellow-hype/sfuzz/internal/faults"
	"github.com/mellow-hype/sfuzz/internal/ir"
	"github.com/mellow-hype/sfuzz/internal/jit"
	"github.com/mellow-hype/sfuzz/internal/loader"
	"github.com/mellow-hype/sfuzz/internal/mmu"
	"github.com/mellow-hype/sfuzz/internal/virtfile"
)

// riscv64's generic syscall ABI numbers (asm-generic/unistd.h) for the
// syscalls the external interface recognizes.
const (
	SysOpenat    = 56
	SysClose     = 57
	SysRead      = 63
	SysWrite     = 64
	SysFstat     = 80
	SysExit      = 93
	SysExitGroup = 94
	SysBrk       = 214
)

// inputFileName is the conventional path a target opens to read its
// current fuzz case: the virtualized-file mechanism, not a real file.
const inputFileName = "/input"

// Linux errno values the guest's native error-return convention expects
// back negated, matching internal/virtfile's own table.
const (
	errBadFD = 9
	errFault = 14
)

func negErrno(e int64) uint64 { return uint64(-e) }

// maxWriteLen bounds how many bytes a single write() is willing to copy
// out of guest memory, so a guest passing a bogus huge count can't make
// the host allocate an unbounded buffer.
const maxWriteLen = 1 << 20

// statBufSize is sized to riscv64's struct stat (asm-generic/bits/stat.h);
// fstat here only ever hands back a zeroed struct, enough for a target
// that checks the call merely succeeded without relying on any field.
const statBufSize = 128

// CrashStore deduplicates crash records by (kind, PC), the unit of
// uniqueness the user-visible behavior promises: each distinct crash is
// reported once, and every repeat of an already-seen one only increments
// a counter.
type CrashStore struct {
	seen sync.Map // [2]uint64 (faults.Fault.Key()) -> *int64
}

// NewCrashStore returns an empty CrashStore.
func NewCrashStore() *CrashStore { return &CrashStore{} }

// Record registers f, returning whether this is the first time this
// (kind, PC) pair has been seen and the running count of hits (including
// this one). Safe for concurrent use by many worker threads at once: the
// compare-and-swap insertion is sync.Map.LoadOrStore, never a check-then-
// set pair that could race.
func (c *CrashStore) Record(f *faults.Fault) (isNew bool, count int64) {
	actual, loaded := c.seen.LoadOrStore(f.Key(), new(int64))
	n := atomic.AddInt64(actual.(*int64), 1)
	return !loaded, n
}

// Count reports how many distinct (kind, PC) crashes have been recorded.
func (c *CrashStore) Count() int {
	n := 0
	c.seen.Range(func(_, _ any) bool { n++; return true })
	return n
}

// WriteCrashFile saves input as the reproducer for f, named
// <dir>/crashes/<kind>_<pc>.bin.
func WriteCrashFile(dir string, f *faults.Fault, input []byte) error {
	crashDir := filepath.Join(dir, "crashes")
	if err := os.MkdirAll(crashDir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create crash directory: %w", err)
	}
	name := fmt.Sprintf("%s_%x.bin", strings.ToLower(f.Kind.String()), f.PC)
	path := filepath.Join(crashDir, name)
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write %s: %w", path, err)
	}
	return nil
}

// Worker is one OS thread's private execution context: its own Emulator
// (and therefore its own guest address space and register file) plus the
// host-side bookkeeping the malloc/free hooks need that the guest itself
// never supplies — free(addr) carries no size, so this map remembers what
// Allocate handed out for each live address.
type Worker struct {
	Emu        *emu.Emulator
	Files      *virtfile.Registry
	allocSizes map[mmu.VirtAddr]uint
}

// RunCase clears this worker's allocation bookkeeping (Emu.RunCase's own
// Mem.Reset already restores guest memory and permissions from the
// snapshot, but it has no idea this Go-side map exists) and stages input
// for the target to read back through the virtualized-file mechanism.
func (w *Worker) RunCase(input []byte) (emu.Outcome, error) {
	w.allocSizes = make(map[mmu.VirtAddr]uint)
	return w.Emu.RunCase(input, func(e *emu.Emulator, in []byte) error {
		w.Files.Register(inputFileName, in)
		return nil
	})
}

// Config parameterizes a Fleet.
type Config struct {
	TargetPath string

	Jobs          int    // worker thread count; <= 0 means 1
	GuestMemSize  uint   // per-worker guest address space size; 0 means mmu.DefaultGuestSize
	CodeCacheSize int    // shared code cache size; <= 0 means codecache.DefaultSize
	InstrBudget   uint64 // per-case instruction allowance

	MapBits uint // log2 coverage map size; 0 means jit.DefaultMapBits

	HasSnapshot bool
	SnapshotPC  uint64

	HasExitPC bool
	ExitPC    uint64

	// OutDir is where crash artifacts are written (<OutDir>/crashes/...).
	// Empty disables writing artifacts; crashes are still deduplicated.
	OutDir string

	// VirtualFiles seeds every worker's private file registry before the
	// first case (register_virtual_file, called ahead of fuzzing).
	VirtualFiles map[string][]byte
}

// Fleet is every shared and per-thread piece of state needed to run N
// workers against one loaded target: one code cache, one translation
// table, one coverage map, one crash store, and N independent guest
// address spaces and register files, each forked from the same loaded
// master image.
type Fleet struct {
	Image  *loader.Image
	Master *mmu.Mmu

	Cache *codecache.CodeCache
	Table *codecache.TranslationTable
	Disp  *codecache.Dispatcher
	Cov   *coverage.Map

	Crashes *CrashStore
	Workers []*Worker

	outDir       string
	virtualFiles map[string][]byte
}

// NewFleet loads cfg.TargetPath, builds the shared code cache and
// coverage map, and forks cfg.Jobs workers from the loaded master image,
// each wired with the builtin syscall handlers and any malloc/free hooks
// the target's symbol table named.
func NewFleet(cfg Config) (*Fleet, error) {
	img, err := loader.Open(cfg.TargetPath)
	if err != nil {
		return nil, err
	}

	master, err := mmu.New(cfg.GuestMemSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: allocate master address space: %w", err)
	}
	if err := loader.Load(cfg.TargetPath, img, master); err != nil {
		return nil, err
	}

	cache, err := codecache.New(cfg.CodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: allocate code cache: %w", err)
	}
	table := codecache.NewTranslationTable()
	dec := emu.NewDecoder(master)

	comp := jit.NewCompiler()
	if cfg.MapBits != 0 {
		comp.MapBits = cfg.MapBits
	}
	comp.DirtyBitmapWords = 1 + master.DirtyLog().BitmapWords()

	disp := codecache.NewDispatcher(cache, table, img.Funcs, dec, comp)
	cov := coverage.NewMap(cfg.MapBits)

	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = 1
	}

	f := &Fleet{
		Image:        img,
		Master:       master,
		Cache:        cache,
		Table:        table,
		Disp:         disp,
		Cov:          cov,
		Crashes:      NewCrashStore(),
		outDir:       cfg.OutDir,
		virtualFiles: make(map[string][]byte),
	}

	for i := 0; i < jobs; i++ {
		w, err := f.newWorker(cfg)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build worker %d: %w", i, err)
		}
		f.Workers = append(f.Workers, w)
	}

	for name, content := range cfg.VirtualFiles {
		f.RegisterVirtualFile(name, content)
	}

	if cfg.HasSnapshot {
		for i, w := range f.Workers {
			if err := w.Emu.SnapshotAt(uint64(img.Entry), cfg.SnapshotPC); err != nil {
				return nil, fmt.Errorf("orchestrator: worker %d warm-up: %w", i, err)
			}
		}
	}

	return f, nil
}

// newWorker forks a fresh guest address space from the (already loaded)
// master and wires one Emulator against the fleet's shared dispatcher and
// coverage map.
func (f *Fleet) newWorker(cfg Config) (*Worker, error) {
	mem, err := f.Master.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork guest address space: %w", err)
	}

	e := emu.New(mem, f.Disp, f.Cov.Bytes(), cfg.InstrBudget)
	e.StartPC = uint64(f.Image.Entry)
	if cfg.HasExitPC {
		e.SetExitPC(cfg.ExitPC)
	}

	reg := virtfile.NewRegistry()
	for name, content := range f.virtualFiles {
		reg.Register(name, content)
	}
	fdTable := virtfile.NewTable()
	virtfile.Wire(e, reg, fdTable, SysOpenat, SysRead, SysClose)

	e.SetSyscallHandler(SysWrite, builtinWrite)
	e.SetSyscallHandler(SysFstat, builtinFstat)
	e.SetSyscallHandler(SysExit, builtinExit)
	e.SetSyscallHandler(SysExitGroup, builtinExit)
	e.SetSyscallHandler(SysBrk, builtinBrk)

	w := &Worker{Emu: e, Files: reg, allocSizes: make(map[mmu.VirtAddr]uint)}

	if f.Image.HasMalloc {
		e.AddHook(uint64(f.Image.MallocPC), w.mallocHook)
	}
	if f.Image.HasFree {
		e.AddHook(uint64(f.Image.FreePC), w.freeHook)
	}

	return w, nil
}

// RegisterVirtualFile installs content under name in every worker's
// private file registry (register_virtual_file), and remembers it so
// workers built after this call would see it too (none are, today — all
// workers are built up front by NewFleet — but a future caller adding
// workers at runtime gets this for free).
func (f *Fleet) RegisterVirtualFile(name string, content []byte) {
	f.virtualFiles[name] = content
	for _, w := range f.Workers {
		w.Files.Register(name, content)
	}
}

// RunCase runs input on the given worker and records a crash, including
// writing its artifact if this is the first time this (kind, PC) has been
// seen and OutDir is set.
func (f *Fleet) RunCase(workerIdx int, input []byte) (emu.Outcome, error) {
	out, err := f.Workers[workerIdx].RunCase(input)
	if err != nil {
		return out, err
	}
	if out.Kind == emu.OutcomeCrash && out.Fault != nil {
		isNew, _ := f.Crashes.Record(out.Fault)
		if isNew && f.outDir != "" {
			if werr := WriteCrashFile(f.outDir, out.Fault, input); werr != nil {
				return out, fmt.Errorf("orchestrator: %w", werr)
			}
		}
	}
	return out, nil
}

// Close releases every worker's guest address space, the master's, and
// the shared code cache.
func (f *Fleet) Close() error {
	var firstErr error
	for _, w := range f.Workers {
		if err := w.Emu.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.Emu.Mem.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.Master.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.Cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// builtinExit ends the case with OutcomeOK; exit and exit_group are
// indistinguishable from a single-threaded guest's point of view.
func builtinExit(e *emu.Emulator, num int64) (bool, error) {
	return true, nil
}

// builtinWrite copies the guest's buffer out to the host's stdout/stderr.
// Any other fd, or a buffer the guest has no business pointing at, is a
// syscall failure (negative errno), not a crash: per the error-handling
// contract, a bad fd or bad pointer here is the guest's own mistake, same
// as a real kernel would report.
func builtinWrite(e *emu.Emulator, num int64) (bool, error) {
	fd := int64(e.Arg(0))
	bufPtr := e.Arg(1)
	count := e.Arg(2)
	if fd != 1 && fd != 2 {
		e.SetReturn(negErrno(errBadFD))
		return false, nil
	}
	if count > maxWriteLen {
		count = maxWriteLen
	}
	buf := make([]byte, count)
	if err := e.Mem.Read(mmu.VirtAddr(bufPtr), buf); err != nil {
		e.SetReturn(negErrno(errFault))
		return false, nil
	}
	w := io.Writer(os.Stdout)
	if fd == 2 {
		w = os.Stderr
	}
	n, _ := w.Write(buf)
	e.SetReturn(uint64(n))
	return false, nil
}

// builtinFstat hands back a zeroed struct stat and success; enough for a
// target that only checks the call did not fail.
func builtinFstat(e *emu.Emulator, num int64) (bool, error) {
	statPtr := e.Arg(1)
	buf := make([]byte, statBufSize)
	if err := e.Mem.Write(mmu.VirtAddr(statPtr), buf); err != nil {
		e.SetReturn(negErrno(errFault))
		return false, nil
	}
	e.SetReturn(0)
	return false, nil
}

// builtinBrk implements both brk(2) query forms: addr == 0 reports the
// current break without moving it, and a nonzero addr requests an
// absolute new break, translated into Mmu.Grow's relative delta. Real
// brk(2) never reports failure to the caller; it just leaves the break
// wherever it already was.
func builtinBrk(e *emu.Emulator, num int64) (bool, error) {
	target := e.Arg(0)
	if target == 0 {
		e.SetReturn(uint64(e.Mem.HeapEnd()))
		return false, nil
	}
	delta := int64(target) - int64(e.Mem.HeapEnd())
	newBreak, err := e.Mem.Grow(delta)
	if err != nil {
		e.SetReturn(uint64(e.Mem.HeapEnd()))
		return false, nil
	}
	e.SetReturn(uint64(newBreak))
	return false, nil
}

// mallocHook replaces a call to the target's own malloc with a direct
// Mmu.Allocate: key 0 skips the content-addressable allocator-hook cache
// entirely (a malloc call site has no natural content key), relying on
// Mmu.Reset restoring curAlloc from the master to give every fuzz case
// the same allocation addresses.
func (w *Worker) mallocHook(e *emu.Emulator) (uint64, error) {
	size := uint(e.Arg(0))
	resume := e.Regs[ir.RegX(1)] // ra: where the call instruction will resume
	addr, err := e.Mem.Allocate(size, 0)
	if err != nil {
		e.SetReturn(0) // malloc failure: guest sees NULL, same as a real allocator
		return resume, nil
	}
	w.allocSizes[addr] = size
	e.SetReturn(uint64(addr))
	return resume, nil
}

// freeHook replaces a call to the target's own free with Mmu.Free, using
// the worker's own bookkeeping for the size free(addr) never supplies.
// Since malloc/free are fully hook-intercepted rather than traced through
// guest code, Mmu's own quarantine-on-access detection never gets a
// chance to see a double free: the second call's address is already gone
// from allocSizes, so this hook is the only place that can observe the
// repeat and must fault it itself, never silently succeed.
func (w *Worker) freeHook(e *emu.Emulator) (uint64, error) {
	addr := mmu.VirtAddr(e.Arg(0))
	resume := e.Regs[ir.RegX(1)]
	size, ok := w.allocSizes[addr]
	if !ok {
		return 0, &faults.Fault{Kind: faults.WriteFault, PC: resume, Addr: uint64(addr)}
	}
	_ = e.Mem.Free(addr, size)
	delete(w.allocSizes, addr)
	return resume, nil
}

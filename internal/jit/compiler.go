package jit

import "github.com/mellow-hype/sfuzz/internal/ir"

// RegFileSlots is the number of uint64 slots in the guest register file
// RegFile addresses: x0-x31, pc, headroom for the lifter's scratch
// pseudo-registers, and one reserved slot (budgetSlot) the dispatcher
// primes with an instruction budget before every fuzz case.
const RegFileSlots = 64

// BudgetSlot holds the remaining per-case instruction budget. Every
// compiled block decrements it once; reaching zero exits ExitTimeout.
// The lifter currently never allocates scratch registers past 33, so
// reusing a high, fixed slot for this is safe. Exported so callers priming
// a register file (internal/emu) don't need to guess the layout.
const BudgetSlot = 63

const budgetSlot = BudgetSlot

// Permission bits, mirrored from internal/mmu's Perm so emitted code can
// test the permission byte array directly without importing mmu.
const (
	permReadBit  = 1
	permWriteBit = 2
)

// WriteFaultTag is OR'd into a store's faulting address before an
// ExitFault exit so the dispatcher can tell a write fault from a read
// fault without Exit growing a separate field: real guest addresses never
// set bit 63 (mmu guest address spaces are far smaller than 2^63), so the
// bit is free to repurpose as a one-bit fault-kind tag. A load fault's
// Aux is the bare address (tag bit clear).
const WriteFaultTag = uint64(1) << 63

func regOffset(r ir.Reg) int32 { return int32(r) * 8 }

// DefaultMapBits is the log2 size of the coverage bytemap the compiler
// assumes when none is configured (64KiB).
const DefaultMapBits = 16

// Compiler translates one ir.Func into a contiguous blob of host machine
// code, interleaving permission checks, dirty tracking, one-hit coverage
// accounting, and an instruction-budget timeout check.
type Compiler struct {
	// MapBits is log2 of the coverage bytemap size. 0 means DefaultMapBits.
	MapBits uint

	// DirtyBitmapWords is the word offset (from RegDirty) at which the
	// dirty log's fixed-capacity entries vector begins: 1 (the count
	// word) + the caller's mmu.DirtyLog.BitmapWords(). It must match the
	// layout of the DirtyLog this function's emitted code will run
	// against.
	DirtyBitmapWords int
}

func NewCompiler() *Compiler { return &Compiler{MapBits: DefaultMapBits} }

func (c *Compiler) mapMask() int32 {
	bits := c.MapBits
	if bits == 0 {
		bits = DefaultMapBits
	}
	return int32((uint64(1) << bits) - 1)
}

// xorshift64 is the classic Marsaglia 13/7/17 xorshift generator used as a
// one-way mix, not a PRNG: it takes fromPC's bit pattern and scatters it
// across the word before the edge's toPC bits are folded in.
func xorshift64(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

// edgeHash mixes a (from, to) PC pair into a coverage-map index.
func edgeHash(from, to uint64) uint64 {
	return xorshift64(from) ^ to
}

// CompiledFunc is one guest function's emitted machine code plus the
// guest-PC -> host-offset map a caller uses to populate the translation
// table for every address that might be jumped to directly (not just the
// function's own entry).
type CompiledFunc struct {
	Code    []byte
	PCToOff map[uint64]int
}

// scratch registers used within one instruction's emission; none of these
// are live across IR instructions, so reuse is always safe.
const (
	hA    = RAX
	hB    = RCX
	hAddr = RBX
	hBlk  = RSI
)

// compileState threads the assembler and label allocator through one
// function's emission.
type compileState struct {
	a         *Assembler
	c         *Compiler
	nextLabel int
	pcToOff   map[uint64]int
	blockOf   map[uint64]int // guest pc -> block label id
}

func (s *compileState) freshLabel() int {
	id := s.nextLabel
	s.nextLabel++
	return id
}

// Compile emits host machine code for every block in fn, in order, with a
// label per block (so intra-function control flow is a plain host jump)
// and a translation-table-ready PCToOff entry for every guest PC an IR
// instruction carries.
func (c *Compiler) Compile(fn *ir.Func) *CompiledFunc {
	s := &compileState{
		a:       NewAssembler(),
		c:       c,
		pcToOff: make(map[uint64]int),
		blockOf: make(map[uint64]int),
	}
	for i, b := range fn.Blocks {
		s.blockOf[b.Label] = i
	}
	s.nextLabel = len(fn.Blocks)

	for i, b := range fn.Blocks {
		s.a.Label(i)
		s.compileBlock(b)
	}
	s.a.resolve()
	return &CompiledFunc{Code: s.a.Bytes(), PCToOff: s.pcToOff}
}

func (s *compileState) compileBlock(b *ir.BasicBlock) {
	a := s.a
	// Instruction budget: charged once per block, at entry. The block's
	// own guest PC maps to the start of this prologue, so entering the
	// block through the translation table is charged like a jump to it.
	blockPC := b.Label
	s.pcToOff[blockPC] = a.Offset()
	a.LoadMem(hA, RegFile, budgetSlot*8, 8, false)
	a.SubRI(hA, 1)
	a.StoreMem(RegFile, budgetSlot*8, hA, 8)
	a.CmpRI(hA, 0)
	haveBudget := s.freshLabel()
	a.Jcc(CCGreater, haveBudget)
	s.exitStatic(ExitTimeout, blockPC, 0)
	a.Label(haveBudget)

	for _, instr := range b.Instrs {
		if instr.HasPC && instr.PC != blockPC {
			s.pcToOff[instr.PC] = a.Offset()
		}
		s.compileInstr(instr)
	}
}

// loadGuestReg loads r's value into host register dst. X0 always reads 0.
func (s *compileState) loadGuestReg(dst int, r ir.Reg) {
	if r == ir.X0 {
		s.a.MovRI32(dst, 0)
		return
	}
	s.a.LoadMem(dst, RegFile, regOffset(r), 8, false)
}

// storeGuestReg stores host register src into r's slot. Writes to X0 are
// discarded, matching the guest architecture's hard-wired zero register.
func (s *compileState) storeGuestReg(r ir.Reg, src int) {
	if r == ir.X0 {
		return
	}
	s.a.StoreMem(RegFile, regOffset(r), src, 8)
}

// exitStatic emits the exit-code protocol (RAX=code, RCX=pc, RDX=aux) and
// returns to the trampoline. Every basic-block-ending path goes through
// this or exitDynamicPC.
func (s *compileState) exitStatic(code ExitCode, pc uint64, aux uint64) {
	a := s.a
	a.MovRI32(RAX, int32(code))
	a.MovRegImm64(RCX, pc)
	a.MovRegImm64(RDX, aux)
	a.Ret()
}

// exitDynamicPC is like exitStatic but the reentry PC is a runtime value
// already sitting in host register pcReg (used for indirect jumps).
func (s *compileState) exitDynamicPC(code ExitCode, pcReg int, aux uint64) {
	a := s.a
	a.MovRI32(RAX, int32(code))
	if pcReg != RCX {
		a.MovRR(RCX, pcReg)
	}
	a.MovRegImm64(RDX, aux)
	a.Ret()
}

// exitDynamicAux is like exitStatic but the aux value (a faulting guest
// address) is a runtime value already sitting in host register auxReg.
func (s *compileState) exitDynamicAux(code ExitCode, pc uint64, auxReg int) {
	a := s.a
	a.MovRI32(RAX, int32(code))
	a.MovRegImm64(RCX, pc)
	if auxReg != RDX {
		a.MovRR(RDX, auxReg)
	}
	a.Ret()
}

// jumpOrExit transfers control to target: a plain host jump if target is
// a block within this function, otherwise an exit carrying target as the
// reentry PC for the dispatcher to resolve via the translation table.
func (s *compileState) jumpOrExit(fromPC, target uint64) {
	if label, ok := s.blockOf[target]; ok {
		s.emitCoverageSite(fromPC, target, func() { s.a.Jmp(label) })
		return
	}
	s.emitCoverageSite(fromPC, target, func() {
		s.exitStatic(ExitNeedCompile, target, 0)
	})
}

// branchOrExit is jumpOrExit's conditional counterpart: it emits a Jcc to
// takenLabel (falling through to the caller-supplied fallthrough path) or,
// for an out-of-function target, a conditional skip around an exit.
func (s *compileState) branchOrExit(cc CC, fromPC, target uint64, thenFall func()) {
	if label, ok := s.blockOf[target]; ok {
		skip := s.freshLabel()
		inv := invertCC(cc)
		s.a.Jcc(inv, skip)
		s.emitCoverageSite(fromPC, target, func() { s.a.Jmp(label) })
		s.a.Label(skip)
		thenFall()
		return
	}
	skip := s.freshLabel()
	inv := invertCC(cc)
	s.a.Jcc(inv, skip)
	s.emitCoverageSite(fromPC, target, func() {
		s.exitStatic(ExitNeedCompile, target, 0)
	})
	s.a.Label(skip)
	thenFall()
}

func invertCC(cc CC) CC {
	switch cc {
	case CCEqual:
		return CCNotEqual
	case CCNotEqual:
		return CCEqual
	case CCLess:
		return CCGreaterEqual
	case CCGreaterEqual:
		return CCLess
	case CCLessEqual:
		return CCGreater
	case CCGreater:
		return CCLessEqual
	case CCBelow:
		return CCAboveEqual
	case CCAboveEqual:
		return CCBelow
	case CCBelowEqual:
		return CCAbove
	case CCAbove:
		return CCBelowEqual
	default:
		panic("jit: no inverse for condition code")
	}
}

// emitCoverageSite wraps a control-transfer in a one-hit coverage check.
// The edge (fromPC, toPC) hashes to a compile-time-constant bytemap
// index; the first time this edge is taken the site exits with
// ExitCoverageNew (carrying the index so the dispatcher can record it and
// resume at toPC), and every later execution skips straight to transfer.
func (s *compileState) emitCoverageSite(fromPC, toPC uint64, transfer func()) {
	a := s.a
	idx := edgeHash(fromPC, toPC) & uint64(s.c.mapMask())
	alreadyHit := s.freshLabel()
	a.LoadMem(hA, RegCovMap, int32(idx), 1, false)
	a.CmpRI(hA, 0)
	a.Jcc(CCNotEqual, alreadyHit)
	s.exitStatic(ExitCoverageNew, toPC, idx)
	a.Label(alreadyHit)
	transfer()
}

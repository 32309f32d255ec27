package jit

import "github.com/mellow-hype/sfuzz/internal/ir"

// compileInstr emits one IR instruction's machine code into s.a.
func (s *compileState) compileInstr(instr ir.Instr) {
	a := s.a
	switch instr.Op {
	case ir.OpLabel, ir.OpReturn, ir.OpCall:
		// No architectural effect in the current lowering: OpLabel is a
		// marker consumed by LiftFunction, not emitted code; the decoder
		// never actually produces OpReturn/OpCall today (JAL/JALR lower to
		// OpJump/OpIndirectJump with the link register written inline).

	case ir.OpDebug:
		// Covers FENCE and EBREAK alike: neither changes guest state, but
		// the dispatcher still needs a chance to dump registers before
		// continuing, so this always exits rather than silently falling
		// through to the next instruction. Reentry PC is the instruction
		// after this one, not this one again: the latter would publish a
		// translation-table entry that skips straight past the owning
		// block's budget-decrement prologue and never advance.
		s.exitStatic(ExitDebug, instr.PC+4, 0)

	case ir.OpMoveImm:
		if instr.Dst == ir.X0 {
			return
		}
		a.MovRegImm64(hA, uint64(instr.Imm))
		s.storeGuestReg(instr.Dst, hA)

	case ir.OpAlu:
		s.compileAlu(instr)

	case ir.OpLoad:
		s.compileLoad(instr)

	case ir.OpStore:
		s.compileStore(instr)

	case ir.OpJump:
		s.jumpOrExit(instr.PC, instr.JumpTarget)

	case ir.OpBranch:
		s.loadGuestReg(hA, instr.Src1)
		s.loadGuestReg(hB, instr.Src2)
		a.CmpRR(hA, hB)
		cc := branchCC(instr.Cond)
		s.branchOrExit(cc, instr.PC, instr.TargetTaken, func() {
			s.jumpOrExit(instr.PC, instr.TargetFall)
		})

	case ir.OpIndirectJump:
		s.loadGuestReg(hAddr, instr.Src1)
		a.AddRI(hAddr, int32(instr.Imm))
		a.AndRI(hAddr, ^1) // guest jalr clears bit 0 of the target
		if instr.Dst != ir.X0 {
			a.MovRegImm64(hA, instr.PC+4)
			s.storeGuestReg(instr.Dst, hA)
		}
		s.exitDynamicPC(ExitNeedCompile, hAddr, 0)

	case ir.OpSyscall:
		// Reentry PC is the instruction after the ecall, not the ecall
		// itself: the syscall handler's return value lands in a0 and
		// execution must continue past the trap, never re-trap on it.
		s.exitStatic(ExitSyscall, instr.PC+4, 0)

	default:
		// Unknown ops never reach compiled code: the decoder only ever
		// produces the cases handled above.
	}
}

func branchCC(cond ir.BranchCond) CC {
	switch cond {
	case ir.CondEq:
		return CCEqual
	case ir.CondNe:
		return CCNotEqual
	case ir.CondLt:
		return CCLess
	case ir.CondGe:
		return CCGreaterEqual
	case ir.CondLtu:
		return CCBelow
	case ir.CondGeu:
		return CCAboveEqual
	default:
		panic("jit: unknown branch condition")
	}
}

// compileAlu emits one OpAlu instruction. Non-W ops operate on the full
// 64-bit register; *W ops compute the 64-bit op and then truncate/sign-
// extend per RV64I's "32-bit result, sign-extended to 64" rule, except
// SRLW/SRAW, which must first isolate the source's low 32 bits since a
// 64-bit shift would pull in bits the 32-bit op never sees.
func (s *compileState) compileAlu(instr ir.Instr) {
	a := s.a
	s.loadGuestReg(hA, instr.Src1)

	isShift := instr.Alu == ir.AluSll || instr.Alu == ir.AluSrl || instr.Alu == ir.AluSra ||
		instr.Alu == ir.AluSllw || instr.Alu == ir.AluSrlw || instr.Alu == ir.AluSraw

	if !instr.ImmForm && !isShift {
		s.loadGuestReg(hB, instr.Src2)
	}

	switch instr.Alu {
	case ir.AluAdd:
		if instr.ImmForm {
			a.AddRI(hA, int32(instr.Imm))
		} else {
			a.AddRR(hA, hB)
		}
	case ir.AluSub:
		a.SubRR(hA, hB) // SUB has no immediate form in the RV64I IR (ADDI negates instead)
	case ir.AluAnd:
		if instr.ImmForm {
			a.AndRI(hA, int32(instr.Imm))
		} else {
			a.AndRR(hA, hB)
		}
	case ir.AluOr:
		if instr.ImmForm {
			a.OrRI(hA, int32(instr.Imm))
		} else {
			a.OrRR(hA, hB)
		}
	case ir.AluXor:
		if instr.ImmForm {
			a.XorRI(hA, int32(instr.Imm))
		} else {
			a.XorRR(hA, hB)
		}
	case ir.AluSlt, ir.AluSltu:
		if instr.ImmForm {
			a.CmpRI(hA, int32(instr.Imm))
		} else {
			a.CmpRR(hA, hB)
		}
		cc := CCLess
		if instr.Alu == ir.AluSltu {
			cc = CCBelow
		}
		a.Setcc(cc, hA)
		a.MovzxB(hA)
	case ir.AluSll:
		s.emitShift(instr, a.ShlImm, a.ShlCl)
	case ir.AluSrl:
		s.emitShift(instr, a.ShrImm, a.ShrCl)
	case ir.AluSra:
		s.emitShift(instr, a.SarImm, a.SarCl)
	case ir.AluAddw:
		if instr.ImmForm {
			a.AddRI(hA, int32(instr.Imm))
		} else {
			a.AddRR(hA, hB)
		}
		a.MovSxdRR(hA, hA)
	case ir.AluSubw:
		a.SubRR(hA, hB)
		a.MovSxdRR(hA, hA)
	case ir.AluSllw:
		s.emitShift(instr, a.ShlImm, a.ShlCl)
		a.MovSxdRR(hA, hA)
	case ir.AluSrlw:
		a.Zx32(hA)
		s.emitShift(instr, a.ShrImm, a.ShrCl)
		a.MovSxdRR(hA, hA)
	case ir.AluSraw:
		a.MovSxdRR(hA, hA)
		s.emitShift(instr, a.SarImm, a.SarCl)
	}

	s.storeGuestReg(instr.Dst, hA)
}

// emitShift emits a shift-left/right by either a compile-time immediate
// (shamt, ImmForm true) or a runtime register value (must land in CL).
func (s *compileState) emitShift(instr ir.Instr, byImm func(int, byte), byCl func(int)) {
	a := s.a
	if instr.ImmForm {
		byImm(hA, byte(instr.Imm&0x3f))
		return
	}
	s.loadGuestReg(RCX, instr.Src2)
	a.AndRI(RCX, 0x3f)
	byCl(hA)
}

// compileLoad emits a permission-checked guest load: addr = Src1+Imm,
// require PermRead, then read `width` bytes (sign- or zero-extending) into
// Dst.
func (s *compileState) compileLoad(instr ir.Instr) {
	a := s.a
	s.loadGuestReg(hAddr, instr.Src1)
	a.AddRI(hAddr, int32(instr.Imm))

	ok := s.freshLabel()
	a.TestMemByte(RegPermBase, hAddr, permReadBit)
	a.Jcc(CCNotEqual, ok)
	s.exitDynamicAux(ExitFault, instr.PC, hAddr) // aux is the bare faulting address (read fault: no WriteFaultTag)
	a.Label(ok)

	a.LoadMemIndexed(hA, RegMemBase, hAddr, 1, int(instr.Width), instr.SignExtend)
	s.storeGuestReg(instr.Dst, hA)
}

// compileStore emits a permission-checked guest store: addr = Src1+Imm,
// require PermWrite, write Src2's low `width` bytes, then update the
// dirty log for every DirtyBlockSize block the write touches.
func (s *compileState) compileStore(instr ir.Instr) {
	a := s.a
	s.loadGuestReg(hAddr, instr.Src1)
	a.AddRI(hAddr, int32(instr.Imm))

	ok := s.freshLabel()
	a.TestMemByte(RegPermBase, hAddr, permWriteBit)
	a.Jcc(CCNotEqual, ok)
	// Tag the faulting address with WriteFaultTag so the dispatcher can
	// distinguish this from a load's ExitFault; hB is still free here,
	// Src2 isn't loaded until after the permission check.
	a.MovRegImm64(hB, WriteFaultTag)
	a.OrRR(hAddr, hB)
	s.exitDynamicAux(ExitFault, instr.PC, hAddr)
	a.Label(ok)

	s.loadGuestReg(hB, instr.Src2)
	a.StoreMemIndexed(RegMemBase, hAddr, 1, hB, int(instr.Width))

	s.markDirty(hAddr)
	if instr.Width > 1 {
		// The store's last byte may lie in the next block; markDirty is a
		// no-op when that block is already recorded.
		a.AddRI(hAddr, int32(instr.Width)-1)
		s.markDirty(hAddr)
	}
}

// markDirty emits the inline dirty-log test-and-append for the single
// DirtyBlockSize block containing the address in addrReg. compileStore
// calls it for a store's first and last byte, so an unaligned store that
// straddles a block boundary records both blocks.
func (s *compileState) markDirty(addrReg int) {
	a := s.a
	a.MovRR(hBlk, addrReg)
	a.ShrImm(hBlk, dirtyBlockShift)

	alreadyDirty := s.freshLabel()
	// bit test: word = 1+block/64, bit = block%64 (see mmu.DirtyLog).
	a.MovRR(RDI, hBlk)
	a.ShrImm(RDI, 6)
	a.AddRI(RDI, 1)
	a.LoadMemIndexed(R8, RegDirty, RDI, 8, 8, false)
	a.MovRR(R9, hBlk)
	a.AndRI(R9, 0x3f)
	a.MovRR(RCX, R9)
	a.MovRI32(R9, 1)
	a.ShlCl(R9)
	a.MovRR(RDX, R8)
	a.AndRR(RDX, R9)
	a.CmpRI(RDX, 0)
	a.Jcc(CCNotEqual, alreadyDirty)

	a.OrRR(R8, R9)
	a.StoreMemIndexed(RegDirty, RDI, 8, R8, 8)

	a.LoadMem(RCX, RegDirty, 0, 8, false)
	entriesBase := int32(s.c.DirtyBitmapWords) * 8 // DirtyBitmapWords already counts the leading count word
	a.LeaIndexed(RDI, RegDirty, RCX, 8)
	a.AddRI(RDI, entriesBase)
	a.StoreMem(RDI, 0, hBlk, 8)
	a.AddRI(RCX, 1)
	a.StoreMem(RegDirty, 0, RCX, 8)

	a.Label(alreadyDirty)
}

// dirtyBlockShift is log2(mmu.DirtyBlockSize).
const dirtyBlockShift = 12

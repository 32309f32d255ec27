package ir

import "testing"

// fakeMemory serves raw little-endian RV64I words from a plain map, one
// entry per instruction address. Satisfies the Memory interface the
// decoder needs without pulling in internal/mmu.
type fakeMemory struct {
	insns map[uint64]uint32
}

func (f *fakeMemory) FetchInstr(pc uint64) (uint32, error) {
	if v, ok := f.insns[pc]; ok {
		return v, nil
	}
	return 0, nil // unused by these tests; every address they touch is mapped
}

// encodeI builds an I-type instruction word.
func encodeI(opcode uint32, rdv, f3, rs1v uint32, imm int64) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1v<<15 | f3<<12 | rdv<<7 | opcode
}

// encodeR builds an R-type instruction word.
func encodeR(opcode, f7, rs2v, rs1v, f3, rdv uint32) uint32 {
	return f7<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | rdv<<7 | opcode
}

// encodeB builds a B-type instruction word.
func encodeB(f3, rs1v, rs2v uint32, imm int64) uint32 {
	u := uint32(imm)
	b0 := (u >> 11) & 0x1
	b1 := (u >> 1) & 0xf
	b2 := (u >> 5) & 0x3f
	b3 := (u >> 12) & 0x1
	return b3<<31 | b2<<25 | rs2v<<20 | rs1v<<15 | f3<<12 | b1<<8 | b0<<7 | opBranch
}

func TestLiftAddiAndRunInReferenceInterpreter(t *testing.T) {
	// ADDI x1, x0, 5  (x1 = 5)
	insn := encodeI(opOpImm, 1, 0b000, 0, 5)
	mem := &fakeMemory{insns: map[uint64]uint32{0x1000: insn}}
	d := NewDecoder(mem)

	fn, err := d.LiftFunction(0x1000, 4)
	if err != nil {
		t.Fatalf("LiftFunction: %v", err)
	}
	if len(fn.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(fn.Blocks))
	}

	interp := &Interp{PC: 0x1000}
	interp.Step(fn.Blocks[0].Instrs)
	if got := interp.Regs[1]; got != 5 {
		t.Fatalf("x1 = %d, want 5", got)
	}
	if interp.PC != 0x1004 {
		t.Fatalf("PC = %#x, want 0x1004", interp.PC)
	}
}

func TestLiftAddAndRunInReferenceInterpreter(t *testing.T) {
	// x1 = 2 (ADDI), x2 = 3 (ADDI), x3 = x1 + x2 (ADD)
	insns := map[uint64]uint32{
		0x2000: encodeI(opOpImm, 1, 0b000, 0, 2),
		0x2004: encodeI(opOpImm, 2, 0b000, 0, 3),
		0x2008: encodeR(opOp, 0, 2, 1, 0b000, 3),
	}
	mem := &fakeMemory{insns: insns}
	d := NewDecoder(mem)
	fn, err := d.LiftFunction(0x2000, 12)
	if err != nil {
		t.Fatalf("LiftFunction: %v", err)
	}

	interp := &Interp{PC: 0x2000}
	for _, b := range fn.Blocks {
		interp.Step(b.Instrs)
	}
	if got := interp.Regs[3]; got != 5 {
		t.Fatalf("x3 = %d, want 5", got)
	}
}

func TestLiftBranchSplitsBlocksAtTargets(t *testing.T) {
	// BEQ x0, x0, +8 (always taken, skips the next instruction)
	// ADDI x1, x0, 1   <- skipped
	// ADDI x2, x0, 2   <- branch target
	insns := map[uint64]uint32{
		0x3000: encodeB(0b000, 0, 0, 8),
		0x3004: encodeI(opOpImm, 1, 0b000, 0, 1),
		0x3008: encodeI(opOpImm, 2, 0b000, 0, 2),
	}
	mem := &fakeMemory{insns: insns}
	d := NewDecoder(mem)
	fn, err := d.LiftFunction(0x3000, 12)
	if err != nil {
		t.Fatalf("LiftFunction: %v", err)
	}
	if fn.BlockAt(0x3008) == nil {
		t.Fatalf("expected a block boundary at the branch target 0x3008")
	}

	interp := &Interp{PC: 0x3000}
	block := fn.BlockAt(0x3000)
	for block != nil {
		interp.Step(block.Instrs)
		block = fn.BlockAt(interp.PC)
		if interp.PC >= 0x300c {
			break
		}
	}
	if interp.Regs[1] != 0 {
		t.Fatalf("x1 should never execute, got %d", interp.Regs[1])
	}
	if interp.Regs[2] != 2 {
		t.Fatalf("x2 = %d, want 2", interp.Regs[2])
	}
}

func TestUnsupportedMulExtensionIsIllegal(t *testing.T) {
	// MUL x1, x2, x3 (OP opcode, funct7=0b0000001)
	insn := encodeR(opOp, 0b0000001, 3, 2, 0b000, 1)
	mem := &fakeMemory{insns: map[uint64]uint32{0x4000: insn}}
	d := NewDecoder(mem)
	if _, err := d.LiftFunction(0x4000, 4); err == nil {
		t.Fatalf("expected MUL to be reported as unsupported")
	}
}

// TestNopLiftsToARealDiscardedAluWrite checks that ADDI x0, x0, 0 (the
// canonical encoding of `nop`) lifts to a genuine OpAlu targeting x0, not
// OpDebug: x0 is architecturally read-only, so the discard has to happen
// where every other x0-destined write is discarded (storeGuestReg), not
// by turning the instruction into a debug trap.
func TestNopLiftsToARealDiscardedAluWrite(t *testing.T) {
	insn := encodeI(opOpImm, 0, 0b000, 0, 0) // ADDI x0, x0, 0
	mem := &fakeMemory{insns: map[uint64]uint32{0x5000: insn}}
	d := NewDecoder(mem)
	fn, err := d.LiftFunction(0x5000, 4)
	if err != nil {
		t.Fatalf("LiftFunction: %v", err)
	}
	instr := fn.Blocks[0].Instrs[0]
	if instr.Op != OpAlu {
		t.Fatalf("nop lifted to Op %v, want OpAlu", instr.Op)
	}
	if instr.Dst != X0 {
		t.Fatalf("nop lifted with Dst %v, want X0", instr.Dst)
	}
}

// TestRdZeroOnLuiAuipcAndOpLiftsToARealOp checks the same discarded-write
// property for LUI, AUIPC, and the OP (register-register) form, the other
// three encodings a zero destination can appear on.
func TestRdZeroOnLuiAuipcAndOpLiftsToARealOp(t *testing.T) {
	insns := map[uint64]uint32{
		0x6000: insnLui(0, 0x1000),
		0x6004: insnAuipc(0, 0x1000),
		0x6008: encodeR(opOp, 0, 2, 1, 0b000, 0), // ADD x0, x1, x2
	}
	mem := &fakeMemory{insns: insns}
	d := NewDecoder(mem)
	fn, err := d.LiftFunction(0x6000, 12)
	if err != nil {
		t.Fatalf("LiftFunction: %v", err)
	}
	wantOps := []Op{OpMoveImm, OpMoveImm, OpAlu}
	for i, instr := range fn.Blocks[0].Instrs {
		if instr.Op != wantOps[i] {
			t.Fatalf("instr %d: Op = %v, want %v", i, instr.Op, wantOps[i])
		}
		if instr.Dst != X0 {
			t.Fatalf("instr %d: Dst = %v, want X0", i, instr.Dst)
		}
	}
}

// TestFenceAndEbreakTerminateTheirBlock checks that FENCE and EBREAK
// (both lifted to OpDebug) end their basic block, the same as ECALL: the
// DEBUG exit's reentry PC is the instruction right after, which must
// start a fresh block with its own budget-check prologue rather than
// landing mid-block.
func TestFenceAndEbreakTerminateTheirBlock(t *testing.T) {
	insns := map[uint64]uint32{
		0x7000: encodeI(opMiscMem, 0, 0, 0, 0),    // FENCE
		0x7004: encodeI(opSystem, 0, 0, 0, 1),     // EBREAK
		0x7008: encodeI(opOpImm, 1, 0b000, 0, 1),  // ADDI x1, x0, 1
	}
	mem := &fakeMemory{insns: insns}
	d := NewDecoder(mem)
	fn, err := d.LiftFunction(0x7000, 12)
	if err != nil {
		t.Fatalf("LiftFunction: %v", err)
	}
	if len(fn.Blocks) != 3 {
		t.Fatalf("expected 3 blocks (FENCE and EBREAK each terminate their own), got %d", len(fn.Blocks))
	}
	if fn.BlockAt(0x7004) == nil {
		t.Fatalf("expected a block boundary right after the FENCE")
	}
	if fn.BlockAt(0x7008) == nil {
		t.Fatalf("expected a block boundary right after the EBREAK")
	}
}

func insnLui(rdv uint32, imm int64) uint32 {
	return (uint32(imm)&0xfffff)<<12 | rdv<<7 | opLui
}

func insnAuipc(rdv uint32, imm int64) uint32 {
	return (uint32(imm)&0xfffff)<<12 | rdv<<7 | opAuipc
}

package ir

import "fmt"

// RV64I opcode (bits [6:0]) constants, field extraction, and immediate
// decoding are grounded on tinyrange-cc's internal/hv/riscv/rv64 package
// (execute.go), adapted here to produce IR instead of direct interpretation.
const (
	opLoad    = 0b0000011
	opMiscMem = 0b0001111
	opOpImm   = 0b0010011
	opAuipc   = 0b0010111
	opOpImm32 = 0b0011011
	opStore   = 0b0100011
	opOp      = 0b0110011
	opLui     = 0b0110111
	opOp32    = 0b0111011
	opBranch  = 0b1100011
	opJalr    = 0b1100111
	opJal     = 0b1101111
	opSystem  = 0b1110011
)

func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint8      { return uint8((insn >> 7) & 0x1f) }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint8     { return uint8((insn >> 15) & 0x1f) }
func rs2(insn uint32) uint8     { return uint8((insn >> 20) & 0x1f) }
func funct7(insn uint32) uint32 { return (insn >> 25) & 0x7f }

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func immI(insn uint32) int64 { return signExtend(uint64(insn>>20), 12) }

func immS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

func immB(insn uint32) int64 {
	imm := ((insn >> 8) & 0xf) << 1
	imm |= ((insn >> 25) & 0x3f) << 5
	imm |= ((insn >> 7) & 0x1) << 11
	imm |= ((insn >> 31) & 0x1) << 12
	return signExtend(uint64(imm), 13)
}

func immU(insn uint32) int64 { return signExtend(uint64(insn&0xfffff000), 32) }

func immJ(insn uint32) int64 {
	imm := ((insn >> 21) & 0x3ff) << 1
	imm |= ((insn >> 20) & 0x1) << 11
	imm |= ((insn >> 12) & 0xff) << 12
	imm |= ((insn >> 31) & 0x1) << 20
	return signExtend(uint64(imm), 21)
}

func shamt(insn uint32) int64 { return int64((insn >> 20) & 0x3f) }

// Memory is the narrow read contract the decoder needs from the guest
// address space: fetch raw instruction bytes. internal/mmu.Mmu satisfies
// this via ReadPerms(addr, buf, PermExec).
type Memory interface {
	FetchInstr(pc uint64) (uint32, error)
}

// UnsupportedError is raised for opcodes the decoder recognizes as
// belonging to an unimplemented extension (M, A, F, D, C) or an otherwise
// unknown encoding. The emulator turns this into an illegal-instruction
// fault rather than attempting to execute it.
type UnsupportedError struct {
	PC   uint64
	Insn uint32
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("ir: unsupported or illegal instruction %#08x at pc=%#x", e.Insn, e.PC)
}

// Decoder lifts RV64I guest functions into IR graphs.
type Decoder struct {
	mem Memory
}

func NewDecoder(mem Memory) *Decoder { return &Decoder{mem: mem} }

// LiftFunction decodes the instructions in [entry, entry+size) into an IR
// graph, splitting basic blocks at branch targets and at
// branch/return/syscall/indirect-jump instructions.
func (d *Decoder) LiftFunction(entry uint64, size uint64) (*Func, error) {
	labels := map[uint64]bool{entry: true}
	type raw struct {
		pc   uint64
		insn uint32
	}
	var stream []raw

	for pc := entry; pc < entry+size; pc += 4 {
		insn, err := d.mem.FetchInstr(pc)
		if err != nil {
			return nil, err
		}
		stream = append(stream, raw{pc, insn})
		if op := opcode(insn); op == opBranch || op == opJal {
			target := uint64(int64(pc))
			if op == opBranch {
				target = uint64(int64(pc) + immB(insn))
			} else {
				target = uint64(int64(pc) + immJ(insn))
			}
			if target >= entry && target < entry+size {
				labels[target] = true
			}
			labels[pc+4] = true // fallthrough is always a block boundary too
		}
	}

	fn := &Func{Entry: entry}
	var cur *BasicBlock
	scratch := 0
	nextScratch := func() Reg {
		scratch++
		return Scratch(scratch)
	}

	flushBlock := func(label uint64) {
		cur = &BasicBlock{Label: label}
		fn.Blocks = append(fn.Blocks, cur)
	}

	for _, r := range stream {
		if labels[r.pc] || cur == nil {
			flushBlock(r.pc)
			scratch = 0
		}
		instrs, terminates, err := d.lift(r.pc, r.insn, nextScratch)
		if err != nil {
			return nil, err
		}
		cur.Instrs = append(cur.Instrs, instrs...)
		if terminates && r.pc+4 < entry+size {
			// Next guest instruction starts a new block even if it wasn't
			// discovered as a branch target (e.g. straight-line code after
			// a call).
			labels[r.pc+4] = true
		}
	}
	return fn, nil
}

// lift decodes one guest instruction into one or more IR instructions.
// Only the first returned instruction carries HasPC/PC.
// terminates reports whether this instruction ends its basic block.
func (d *Decoder) lift(pc uint64, insn uint32, scratch func() Reg) (out []Instr, terminates bool, err error) {
	first := func(i Instr) Instr {
		i.HasPC = true
		i.PC = pc
		return i
	}

	op := opcode(insn)
	switch op {
	case opLui:
		dst := rd(insn)
		// rd==0 (the canonical `nop`-adjacent encodings of LUI) still
		// lifts to a real OpMoveImm; storeGuestReg discards writes to X0.
		return []Instr{first(Instr{Op: OpMoveImm, Dst: RegX(dst), Imm: immU(insn)})}, false, nil

	case opAuipc:
		dst := rd(insn)
		val := int64(pc) + immU(insn)
		return []Instr{first(Instr{Op: OpMoveImm, Dst: RegX(dst), Imm: val})}, false, nil

	case opJal:
		dst := rd(insn)
		target := uint64(int64(pc) + immJ(insn))
		jump := Instr{Op: OpJump, JumpTarget: target}
		if dst == 0 {
			return []Instr{first(jump)}, true, nil
		}
		link := first(Instr{Op: OpMoveImm, Dst: RegX(dst), Imm: int64(pc) + 4})
		return []Instr{link, jump}, true, nil

	case opJalr:
		dst := rd(insn)
		instrs := []Instr{first(Instr{
			Op: OpIndirectJump, Src1: RegX(rs1(insn)), Imm: immI(insn), Dst: RegX(dst),
		})}
		return instrs, true, nil

	case opBranch:
		target := uint64(int64(pc) + immB(insn))
		fall := pc + 4
		cond, e := branchCond(funct3(insn), pc, insn)
		if e != nil {
			return nil, false, e
		}
		return []Instr{first(Instr{
			Op: OpBranch, Src1: RegX(rs1(insn)), Src2: RegX(rs2(insn)),
			Cond: cond, TargetTaken: target, TargetFall: fall,
		})}, true, nil

	case opLoad:
		width, signExt, e := loadWidth(funct3(insn), pc, insn)
		if e != nil {
			return nil, false, e
		}
		return []Instr{first(Instr{
			Op: OpLoad, Dst: RegX(rd(insn)), Src1: RegX(rs1(insn)), Imm: immI(insn),
			Width: width, SignExtend: signExt,
		})}, false, nil

	case opStore:
		width, e := storeWidth(funct3(insn), pc, insn)
		if e != nil {
			return nil, false, e
		}
		return []Instr{first(Instr{
			Op: OpStore, Src1: RegX(rs1(insn)), Src2: RegX(rs2(insn)), Imm: immS(insn), Width: width,
		})}, false, nil

	case opOpImm:
		return d.liftOpImm(pc, insn, first, false)

	case opOpImm32:
		return d.liftOpImm(pc, insn, first, true)

	case opOp:
		return d.liftOp(pc, insn, first, false)

	case opOp32:
		return d.liftOp(pc, insn, first, true)

	case opMiscMem:
		// FENCE: no architectural effect for a single-threaded guest, but
		// it still exits to let the dispatcher dump state, so it
		// terminates its block the same way ECALL does: the instruction
		// after it needs its own budget-check prologue, since ExitDebug
		// reenters exactly there.
		return []Instr{first(Instr{Op: OpDebug})}, true, nil

	case opSystem:
		imm := insn >> 20
		switch {
		case funct3(insn) == 0 && imm == 0: // ECALL
			return []Instr{first(Instr{Op: OpSyscall})}, true, nil
		case funct3(insn) == 0 && imm == 1: // EBREAK
			return []Instr{first(Instr{Op: OpDebug})}, true, nil
		default:
			return nil, false, &UnsupportedError{PC: pc, Insn: insn}
		}

	default:
		return nil, false, &UnsupportedError{PC: pc, Insn: insn}
	}
}

func branchCond(f3 uint32, pc uint64, insn uint32) (BranchCond, error) {
	switch f3 {
	case 0b000:
		return CondEq, nil
	case 0b001:
		return CondNe, nil
	case 0b100:
		return CondLt, nil
	case 0b101:
		return CondGe, nil
	case 0b110:
		return CondLtu, nil
	case 0b111:
		return CondGeu, nil
	default:
		return 0, &UnsupportedError{PC: pc, Insn: insn}
	}
}

func loadWidth(f3 uint32, pc uint64, insn uint32) (Width, bool, error) {
	switch f3 {
	case 0b000:
		return WidthByte, true, nil
	case 0b001:
		return WidthHalf, true, nil
	case 0b010:
		return WidthWord, true, nil
	case 0b011:
		return WidthDbl, true, nil
	case 0b100:
		return WidthByte, false, nil
	case 0b101:
		return WidthHalf, false, nil
	case 0b110:
		return WidthWord, false, nil
	default:
		return 0, false, &UnsupportedError{PC: pc, Insn: insn}
	}
}

func storeWidth(f3 uint32, pc uint64, insn uint32) (Width, error) {
	switch f3 {
	case 0b000:
		return WidthByte, nil
	case 0b001:
		return WidthHalf, nil
	case 0b010:
		return WidthWord, nil
	case 0b011:
		return WidthDbl, nil
	default:
		return 0, &UnsupportedError{PC: pc, Insn: insn}
	}
}

func (d *Decoder) liftOpImm(pc uint64, insn uint32, first func(Instr) Instr, w32 bool) ([]Instr, bool, error) {
	dst := rd(insn)
	// rd==0 is how `nop` itself is encoded (ADDI x0, x0, 0); lifted as a
	// real OpAlu like any other OP-IMM, the write to X0 is discarded by
	// storeGuestReg rather than this decoder special-casing it away.
	f3 := funct3(insn)
	instr := Instr{Op: OpAlu, Dst: RegX(dst), Src1: RegX(rs1(insn)), ImmForm: true}
	switch f3 {
	case 0b000: // ADDI / ADDIW
		instr.Alu, instr.Imm = pick(w32, AluAddw, AluAdd), immI(insn)
	case 0b010: // SLTI
		instr.Alu, instr.Imm = AluSlt, immI(insn)
	case 0b011: // SLTIU
		instr.Alu, instr.Imm = AluSltu, immI(insn)
	case 0b100: // XORI
		instr.Alu, instr.Imm = AluXor, immI(insn)
	case 0b110: // ORI
		instr.Alu, instr.Imm = AluOr, immI(insn)
	case 0b111: // ANDI
		instr.Alu, instr.Imm = AluAnd, immI(insn)
	case 0b001: // SLLI / SLLIW
		instr.Alu, instr.Imm = pick(w32, AluSllw, AluSll), shamt(insn)
	case 0b101: // SRLI/SRAI, SRLIW/SRAIW
		if funct7(insn)&0x20 != 0 {
			instr.Alu = pick(w32, AluSraw, AluSra)
		} else {
			instr.Alu = pick(w32, AluSrlw, AluSrl)
		}
		instr.Imm = shamt(insn)
	default:
		return nil, false, &UnsupportedError{PC: pc, Insn: insn}
	}
	return []Instr{first(instr)}, false, nil
}

func (d *Decoder) liftOp(pc uint64, insn uint32, first func(Instr) Instr, w32 bool) ([]Instr, bool, error) {
	if funct7(insn) == 0b0000001 {
		// M-extension (MUL/DIV/REM family): not implemented.
		return nil, false, &UnsupportedError{PC: pc, Insn: insn}
	}
	dst := rd(insn)
	f3, f7 := funct3(insn), funct7(insn)
	instr := Instr{Op: OpAlu, Dst: RegX(dst), Src1: RegX(rs1(insn)), Src2: RegX(rs2(insn))}
	switch {
	case f3 == 0b000 && f7 == 0:
		instr.Alu = pick(w32, AluAddw, AluAdd)
	case f3 == 0b000 && f7 == 0b0100000:
		instr.Alu = pick(w32, AluSubw, AluSub)
	case f3 == 0b001:
		instr.Alu = pick(w32, AluSllw, AluSll)
	case f3 == 0b010:
		instr.Alu = AluSlt
	case f3 == 0b011:
		instr.Alu = AluSltu
	case f3 == 0b100:
		instr.Alu = AluXor
	case f3 == 0b101 && f7 == 0:
		instr.Alu = pick(w32, AluSrlw, AluSrl)
	case f3 == 0b101 && f7 == 0b0100000:
		instr.Alu = pick(w32, AluSraw, AluSra)
	case f3 == 0b110:
		instr.Alu = AluOr
	case f3 == 0b111:
		instr.Alu = AluAnd
	default:
		return nil, false, &UnsupportedError{PC: pc, Insn: insn}
	}
	return []Instr{first(instr)}, false, nil
}

func pick(w32 bool, a, b AluOp) AluOp {
	if w32 {
		return a
	}
	return b
}

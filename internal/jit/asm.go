package jit

// Hand-rolled amd64 encoder. Grounded on tinyrange-rtg's
// std/compiler/x64.go (CodeGen's emitByte/emitBytes/REX+ModR/M helpers),
// trimmed to the subset of instructions the RV64I->amd64 translation
// needs: register moves, the integer ALU ops RV64I exposes, conditional
// and unconditional jumps with label fixups, calls/rets, and fixed-offset
// memory loads/stores at 1/2/4/8-byte widths.

// amd64 general-purpose register numbers (low 4 bits of ModR/M / SIB
// fields; bit 3 comes from the REX prefix for r8-r15).
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// Reserved host registers: for the duration of one enterHostCode call
// these hold pointers the JIT-emitted code dereferences directly and
// never uses as scratch. Mirrored exactly by the assembly trampoline in
// trampoline_amd64.s.
const (
	RegMemBase  = R15 // guest memory base
	RegPermBase = R14 // guest permission-byte base
	RegFile     = R13 // guest register file base
	RegTransTbl = R12 // translation table base
	RegDirty    = R11 // dirty log base (count, membership bitmap, then fixed-capacity entries array)
	RegCovMap   = R10 // coverage bytemap base
)

// Condition codes for Jcc/SETcc (second opcode byte of the 0F 8x / 0F 9x
// families).
type CC byte

const (
	CCEqual        CC = 0x84
	CCNotEqual     CC = 0x85
	CCLess         CC = 0x8C
	CCGreaterEqual CC = 0x8D
	CCLessEqual    CC = 0x8E
	CCGreater      CC = 0x8F
	CCBelow        CC = 0x82 // unsigned <
	CCAboveEqual   CC = 0x83 // unsigned >=
	CCBelowEqual   CC = 0x86 // unsigned <=
	CCAbove        CC = 0x87 // unsigned >
)

// fixup records a forward/backward jump whose 32-bit relative displacement
// needs patching once the target label's offset is known.
type fixup struct {
	patchAt int // offset of the 4-byte displacement field
	label   int
}

// Assembler accumulates a single function's host code plus the bookkeeping
// needed to resolve intra-function jumps (IR branch targets, not guest
// addresses outside the function, which never resolve within the JIT and
// exit to the dispatcher with ExitNeedCompile instead).
type Assembler struct {
	code   []byte
	labels map[int]int // label id -> offset
	fixups []fixup
}

func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[int]int)}
}

func (a *Assembler) Bytes() []byte { return a.code }
func (a *Assembler) Offset() int   { return len(a.code) }

func (a *Assembler) emitByte(b byte)        { a.code = append(a.code, b) }
func (a *Assembler) emitBytes(bs ...byte)   { a.code = append(a.code, bs...) }
func (a *Assembler) emitU32(v uint32) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (a *Assembler) emitU64(v uint64) {
	a.emitU32(uint32(v))
	a.emitU32(uint32(v >> 32))
}

// Label marks the current offset as the target of id for later jumps.
func (a *Assembler) Label(id int) { a.labels[id] = len(a.code) }

// resolve patches all recorded fixups once the function is fully emitted.
// Called by the compiler after laying out every IR basic block.
func (a *Assembler) resolve() {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic("jit: unresolved label in emitted function")
		}
		rel := int32(target - (f.patchAt + 4))
		v := uint32(rel)
		a.code[f.patchAt+0] = byte(v)
		a.code[f.patchAt+1] = byte(v >> 8)
		a.code[f.patchAt+2] = byte(v >> 16)
		a.code[f.patchAt+3] = byte(v >> 24)
	}
}

func rexRR(dst, src int) byte {
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	return rex
}

func modrmRR(dst, src int) byte {
	return byte(0xc0 | ((dst & 7) << 3) | (src & 7))
}

// MovRegImm64 emits `movabs reg, imm64`.
func (a *Assembler) MovRegImm64(reg int, val uint64) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.emitBytes(rex, byte(0xb8+(reg&7)))
	a.emitU64(val)
}

// MovRR emits `mov dst, src`.
func (a *Assembler) MovRR(dst, src int) {
	a.emitBytes(rexRR(src, dst), 0x89, modrmRR(src, dst))
}

func (a *Assembler) AddRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x01, modrmRR(src, dst)) }
func (a *Assembler) SubRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x29, modrmRR(src, dst)) }
func (a *Assembler) AndRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x21, modrmRR(src, dst)) }
func (a *Assembler) OrRR(dst, src int)  { a.emitBytes(rexRR(src, dst), 0x09, modrmRR(src, dst)) }
func (a *Assembler) XorRR(dst, src int) { a.emitBytes(rexRR(src, dst), 0x31, modrmRR(src, dst)) }
func (a *Assembler) CmpRR(x, y int)     { a.emitBytes(rexRR(y, x), 0x39, modrmRR(y, x)) }

// AddRI emits `add reg, imm32` (sign-extended).
func (a *Assembler) AddRI(reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	if reg == RAX {
		a.emitBytes(rex, 0x05)
	} else {
		a.emitBytes(rex, 0x81, byte(0xc0|(reg&7)))
	}
	a.emitU32(uint32(val))
}

// CmpRI emits `cmp reg, imm32` (sign-extended).
func (a *Assembler) CmpRI(reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0x81, byte(0xf8|(reg&7)))
	a.emitU32(uint32(val))
}

// group1RI emits the 0x81 /ext group1 instruction family: add/or/and/sub/xor/cmp
// against a sign-extended imm32.
func (a *Assembler) group1RI(ext byte, reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0x81, byte(0xc0|(ext<<3)|(reg&7)))
	a.emitU32(uint32(val))
}

func (a *Assembler) OrRI(reg int, val int32)  { a.group1RI(1, reg, val) }
func (a *Assembler) AndRI(reg int, val int32) { a.group1RI(4, reg, val) }
func (a *Assembler) SubRI(reg int, val int32) { a.group1RI(5, reg, val) }
func (a *Assembler) XorRI(reg int, val int32) { a.group1RI(6, reg, val) }

// MovSxdRR emits `movsxd dst, src32`: sign-extends src's low 32 bits into
// dst's full 64 bits. Used to finish every *W RV64I op, which always
// produces a 32-bit result sign-extended to 64.
func (a *Assembler) MovSxdRR(dst, src int) {
	a.emitBytes(rexRR(dst, src), 0x63, modrmRR(dst, src))
}

// Zx32 emits a 32-bit `mov reg, reg`, which as an amd64 architectural side
// effect zeroes the register's upper 32 bits without otherwise changing
// its value. Used to isolate the low 32 bits of a source operand before a
// *W shift that must not see the source's upper bits (SRLW/SRAW).
func (a *Assembler) Zx32(reg int) {
	if reg >= 8 {
		a.emitBytes(0x45, 0x89, byte(0xc0|((reg&7)<<3)|(reg&7)))
		return
	}
	a.emitBytes(0x89, byte(0xc0|(reg<<3)|reg))
}

// TestRI emits `test reg, imm32` (used for the permission-mask check).
func (a *Assembler) TestRI(reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0xf7, byte(0xc0|(reg&7)))
	a.emitU32(uint32(val))
}

// ShlImm/SarImm/ShrImm emit `shl/sar/shr reg, imm8`.
func (a *Assembler) ShlImm(reg int, n byte) { a.shiftImm(reg, n, 0x04) }
func (a *Assembler) SarImm(reg int, n byte) { a.shiftImm(reg, n, 0x07) }
func (a *Assembler) ShrImm(reg int, n byte) { a.shiftImm(reg, n, 0x05) }

func (a *Assembler) shiftImm(reg int, n byte, ext byte) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0xc1, byte(0xc0|(ext<<3)|(reg&7)), n)
}

// ShlCl/SarCl/ShrCl emit `shl/sar/shr reg, cl` (variable shift amount).
func (a *Assembler) ShlCl(reg int) { a.shiftCl(reg, 0x04) }
func (a *Assembler) SarCl(reg int) { a.shiftCl(reg, 0x07) }
func (a *Assembler) ShrCl(reg int) { a.shiftCl(reg, 0x05) }

func (a *Assembler) shiftCl(reg int, ext byte) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0xd3, byte(0xc0|(ext<<3)|(reg&7)))
}

// Setcc emits `setCC reg_lo8`.
func (a *Assembler) Setcc(cc CC, reg int) {
	rex := byte(0)
	if reg >= 8 {
		rex = 0x41
	}
	if rex != 0 {
		a.emitBytes(rex, 0x0f, byte(cc)+0x0c, byte(0xc0|(reg&7)))
	} else {
		a.emitBytes(0x0f, byte(cc)+0x0c, byte(0xc0|(reg&7)))
	}
}

// MovzxB zero-extends reg's low 8 bits into reg.
func (a *Assembler) MovzxB(reg int) {
	a.emitBytes(rexRR(reg, reg), 0x0f, 0xb6, modrmRR(reg, reg))
}

// LoadMem emits `mov dst, [base+off]` for the given width (1,2,4,8 bytes),
// zero-extending sub-64-bit loads unless signExtend is set.
func (a *Assembler) LoadMem(dst, base int, off int32, width int, signExtend bool) {
	rex := rexRR(dst, base)
	switch width {
	case 8:
		a.emitDispOp(rex, 0x8b, dst, base, off)
	case 4:
		if signExtend {
			a.emitDispOp(rex, 0x63, dst, base, off) // movsxd
		} else {
			a.emitDispOp((rex&^0x48)|0x40, 0x8b, dst, base, off) // 32-bit mov zero-extends to 64
		}
	case 2:
		op := byte(0xb7)
		if signExtend {
			op = 0xbf
		}
		a.emitDispOp0F(rex, op, dst, base, off)
	case 1:
		op := byte(0xb6)
		if signExtend {
			op = 0xbe
		}
		a.emitDispOp0F(rex, op, dst, base, off)
	}
}

// StoreMem emits `mov [base+off], src` for the given width.
func (a *Assembler) StoreMem(base int, off int32, src, width int) {
	rex := rexRR(src, base)
	switch width {
	case 8:
		a.emitDispOp(rex, 0x89, src, base, off)
	case 4:
		a.emitDispOp((rex&^0x48)|0x40, 0x89, src, base, off)
	case 2:
		a.emitByte(0x66)
		a.emitDispOp((rex&^0x48)|0x40, 0x89, src, base, off)
	case 1:
		a.emitDispOp((rex&^0x48)|0x40, 0x88, src, base, off)
	}
}

// emitDispOp emits `REX op ModR/M [disp]` addressing [base+off] with reg
// field `reg`, handling the RSP SIB-byte special case and disp8/disp32
// selection.
func (a *Assembler) emitDispOp(rex, op byte, reg, base int, off int32) {
	a.emitBytes(rex, op)
	a.emitModRMDisp(reg, base, off)
}

// emitDispOp0F emits a two-byte-opcode (0F xx) instruction with [base+off]
// addressing, used by movzx/movsx.
func (a *Assembler) emitDispOp0F(rex, op byte, reg, base int, off int32) {
	a.emitBytes(rex, 0x0f, op)
	a.emitModRMDisp(reg, base, off)
}

func (a *Assembler) emitModRMDisp(reg, base int, off int32) {
	needsSIB := (base & 7) == RSP
	switch {
	case off == 0 && (base&7) != RBP:
		a.emitByte(byte(((reg & 7) << 3) | (base & 7)))
		if needsSIB {
			a.emitByte(0x24)
		}
	case off >= -128 && off <= 127:
		a.emitByte(byte(0x40 | ((reg & 7) << 3) | (base & 7)))
		if needsSIB {
			a.emitByte(0x24)
		}
		a.emitByte(byte(off))
	default:
		a.emitByte(byte(0x80 | ((reg & 7) << 3) | (base & 7)))
		if needsSIB {
			a.emitByte(0x24)
		}
		a.emitU32(uint32(off))
	}
}

// MovRI32 emits `mov reg, imm32` (sign-extended into the 64-bit register).
func (a *Assembler) MovRI32(reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01
	}
	a.emitBytes(rex, 0xc7, byte(0xc0|(reg&7)))
	a.emitU32(uint32(val))
}

// LeaIndexed emits `lea dst, [base+index*scale]` (scale in {1,2,4,8}).
func (a *Assembler) LeaIndexed(dst, base, index, scale int) {
	rex := rexRSIB(dst, index, base)
	a.emitBytes(rex, 0x8d)
	a.emitModRMSIB(dst, base, index, scale, 0)
}

// LoadMemIndexed emits `mov dst, [base+index*scale]` for the given width.
func (a *Assembler) LoadMemIndexed(dst, base, index, scale, width int, signExtend bool) {
	rex := rexRSIB(dst, index, base)
	switch width {
	case 8:
		a.emitOpSIB(rex, 0x8b, dst, base, index, scale)
	case 4:
		if signExtend {
			a.emitOpSIB(rex, 0x63, dst, base, index, scale)
		} else {
			a.emitOpSIB((rex&^0x48)|0x40, 0x8b, dst, base, index, scale)
		}
	case 2:
		op := byte(0xb7)
		if signExtend {
			op = 0xbf
		}
		a.emitOp0FSIB(rex, op, dst, base, index, scale)
	case 1:
		op := byte(0xb6)
		if signExtend {
			op = 0xbe
		}
		a.emitOp0FSIB(rex, op, dst, base, index, scale)
	}
}

// StoreMemIndexed emits `mov [base+index*scale], src` for the given width.
func (a *Assembler) StoreMemIndexed(base, index, scale, src, width int) {
	rex := rexRSIB(src, index, base)
	switch width {
	case 8:
		a.emitOpSIB(rex, 0x89, src, base, index, scale)
	case 4:
		a.emitOpSIB((rex&^0x48)|0x40, 0x89, src, base, index, scale)
	case 2:
		a.emitByte(0x66)
		a.emitOpSIB((rex&^0x48)|0x40, 0x89, src, base, index, scale)
	case 1:
		a.emitOpSIB((rex&^0x48)|0x40, 0x88, src, base, index, scale)
	}
}

// TestMemByte emits `test byte [base+index], imm8` (the permission check:
// base is RegPermBase, index is the host register holding the guest
// address).
func (a *Assembler) TestMemByte(base, index int, imm8 byte) {
	rex := byte(0)
	if base >= 8 {
		rex |= 0x41
	}
	if index >= 8 {
		rex |= 0x42
	}
	if rex != 0 {
		a.emitByte(rex)
	}
	a.emitByte(0xf6)
	a.emitModRMSIB(0, base, index, 1, 0)
	a.emitByte(imm8)
}

func rexRSIB(reg, index, base int) byte {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x04
	}
	if index >= 8 {
		rex |= 0x02
	}
	if base >= 8 {
		rex |= 0x01
	}
	return rex
}

func (a *Assembler) emitOpSIB(rex, op byte, reg, base, index, scale int) {
	a.emitBytes(rex, op)
	a.emitModRMSIB(reg, base, index, scale, 0)
}

func (a *Assembler) emitOp0FSIB(rex, op byte, reg, base, index, scale int) {
	a.emitBytes(rex, 0x0f, op)
	a.emitModRMSIB(reg, base, index, scale, 0)
}

// emitModRMSIB emits a ModR/M+SIB pair addressing [base + index*scale + disp]
// with reg field `reg`. Used for every access keyed by a runtime value
// rather than a compile-time offset: guest memory, the permission array,
// and the dirty log.
func (a *Assembler) emitModRMSIB(reg, base, index, scale int, disp int32) {
	var ss byte
	switch scale {
	case 1:
		ss = 0
	case 2:
		ss = 1
	case 4:
		ss = 2
	case 8:
		ss = 3
	default:
		panic("jit: invalid SIB scale")
	}
	sib := byte((ss << 6) | ((index & 7) << 3) | (base & 7))
	switch {
	case disp == 0 && (base&7) != RBP:
		a.emitByte(byte(((reg & 7) << 3) | 0x04))
		a.emitByte(sib)
	case disp >= -128 && disp <= 127:
		a.emitByte(byte(0x40 | ((reg & 7) << 3) | 0x04))
		a.emitByte(sib)
		a.emitByte(byte(disp))
	default:
		a.emitByte(byte(0x80 | ((reg & 7) << 3) | 0x04))
		a.emitByte(sib)
		a.emitU32(uint32(disp))
	}
}

// Jmp emits an unconditional near jump to label.
func (a *Assembler) Jmp(label int) {
	a.emitBytes(0xe9)
	a.fixups = append(a.fixups, fixup{patchAt: len(a.code), label: label})
	a.emitU32(0)
}

// Jcc emits a conditional near jump to label.
func (a *Assembler) Jcc(cc CC, label int) {
	a.emitBytes(0x0f, byte(cc))
	a.fixups = append(a.fixups, fixup{patchAt: len(a.code), label: label})
	a.emitU32(0)
}

// CallReg emits `call reg` (indirect call through a register holding an
// absolute address).
func (a *Assembler) CallReg(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	a.emitBytes(rex, 0xff, byte(0xd0|(reg&7)))
}

// Ret emits `ret`.
func (a *Assembler) Ret() { a.emitByte(0xc3) }

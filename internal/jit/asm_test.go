package jit

import (
	"bytes"
	"testing"
)

func TestMovRegImm64EncodesMovabs(t *testing.T) {
	a := NewAssembler()
	a.MovRegImm64(RAX, 0x1122334455667788)
	want := []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(a.Bytes(), want) {
		t.Fatalf("got % x, want % x", a.Bytes(), want)
	}
}

func TestMovRegImm64UsesRexBForExtendedReg(t *testing.T) {
	a := NewAssembler()
	a.MovRegImm64(R15, 1)
	if a.Bytes()[0] != 0x49 {
		t.Fatalf("expected REX.B set for r15, got %#x", a.Bytes()[0])
	}
}

func TestAddRREncodesRegToRegAdd(t *testing.T) {
	a := NewAssembler()
	a.AddRR(RAX, RCX)
	want := []byte{0x48, 0x01, 0xc8}
	if !bytes.Equal(a.Bytes(), want) {
		t.Fatalf("got % x, want % x", a.Bytes(), want)
	}
}

func TestJmpToEarlierLabelProducesSelfRelativeLoop(t *testing.T) {
	a := NewAssembler()
	a.Label(0)
	a.Jmp(0)
	a.resolve()
	want := []byte{0xe9, 0xfb, 0xff, 0xff, 0xff}
	if !bytes.Equal(a.Bytes(), want) {
		t.Fatalf("got % x, want % x", a.Bytes(), want)
	}
}

func TestJccToForwardLabelPatchesPositiveDisplacement(t *testing.T) {
	a := NewAssembler()
	a.Jcc(CCEqual, 0)
	a.AddRI(RAX, 1) // 6 bytes of filler before the label lands
	a.Label(0)
	a.resolve()
	code := a.Bytes()
	if code[0] != 0x0f || code[1] != byte(CCEqual) {
		t.Fatalf("expected a 0f 84 opcode prefix, got % x", code[:2])
	}
	rel := int32(uint32(code[2]) | uint32(code[3])<<8 | uint32(code[4])<<16 | uint32(code[5])<<24)
	if rel != int32(len(code)-6) {
		t.Fatalf("rel32 = %d, want %d", rel, len(code)-6)
	}
}

func TestResolvePanicsOnUnresolvedLabel(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected resolve to panic on an unresolved label")
		}
	}()
	a := NewAssembler()
	a.Jmp(99)
	a.resolve()
}

func TestLoadMemZeroExtendsByteByDefault(t *testing.T) {
	a := NewAssembler()
	a.LoadMem(RAX, RegMemBase, 4, 1, false)
	// REX.R not set (RAX<8), REX.B set for r15 base -> 0x49, 0f b6 modrm disp8.
	want := []byte{0x49, 0x0f, 0xb6, 0x47, 0x04}
	if !bytes.Equal(a.Bytes(), want) {
		t.Fatalf("got % x, want % x", a.Bytes(), want)
	}
}

func TestLoadMemIndexedEmitsSIBByte(t *testing.T) {
	a := NewAssembler()
	a.LoadMemIndexed(RAX, RegMemBase, RBX, 1, 8, false)
	code := a.Bytes()
	if len(code) < 3 {
		t.Fatalf("expected at least rex+op+modrm/sib, got % x", code)
	}
	// ModRM byte must select the SIB-follows encoding (rm field == 0b100).
	modrm := code[len(code)-2]
	if modrm&0x07 != 0x04 {
		t.Fatalf("expected ModR/M rm=100 (SIB follows), got %#x", modrm)
	}
}

func TestGroup1RIFamilyUsesDistinctExtensionBits(t *testing.T) {
	cases := []struct {
		name string
		emit func(*Assembler)
		ext  byte
	}{
		{"or", func(a *Assembler) { a.OrRI(RAX, 1) }, 1},
		{"and", func(a *Assembler) { a.AndRI(RAX, 1) }, 4},
		{"sub", func(a *Assembler) { a.SubRI(RAX, 1) }, 5},
		{"xor", func(a *Assembler) { a.XorRI(RAX, 1) }, 6},
	}
	for _, c := range cases {
		a := NewAssembler()
		c.emit(a)
		modrm := a.Bytes()[2]
		gotExt := (modrm >> 3) & 0x7
		if gotExt != c.ext {
			t.Fatalf("%s: modrm ext = %d, want %d", c.name, gotExt, c.ext)
		}
	}
}

package snapshot

import (
	"testing"

	"github.com/mellow-hype/sfuzz/internal/jit"
	"github.com/mellow-hype/sfuzz/internal/mmu"
)

func newTestMmu(t *testing.T) *mmu.Mmu {
	t.Helper()
	m, err := mmu.New(1 << 16)
	if err != nil {
		t.Fatalf("mmu.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestTakeCapturesMemoryAndRegsIndependentlyOfLiveState(t *testing.T) {
	m := newTestMmu(t)
	addr, err := m.Allocate(16, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.Write(addr, []byte("warm-up state!!!")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var regs [jit.RegFileSlots]uint64
	regs[10] = 0xcafe

	img, err := Take(0x1234, m, regs)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	t.Cleanup(func() { _ = img.Close() })

	if img.PC != 0x1234 {
		t.Fatalf("img.PC = %#x, want 0x1234", img.PC)
	}

	// Mutate the live thread after the snapshot: the image must not see it.
	if err := m.Write(addr, []byte("post-snapshot!!!")); err != nil {
		t.Fatalf("Write (post-snapshot): %v", err)
	}

	got := make([]byte, 16)
	if err := img.Mem.Read(addr, got); err != nil {
		t.Fatalf("Read from image memory: %v", err)
	}
	if string(got) != "warm-up state!!!" {
		t.Fatalf("image memory = %q, want the pre-mutation contents", got)
	}
}

func TestRestoreResetsMemoryAndReturnsCapturedRegs(t *testing.T) {
	m := newTestMmu(t)
	addr, err := m.Allocate(16, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.Write(addr, []byte("baseline state!!")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var regs [jit.RegFileSlots]uint64
	regs[10] = 0x11
	regs[11] = 0x22

	img, err := Take(0x1000, m, regs)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	t.Cleanup(func() { _ = img.Close() })

	// Run a fuzz case's worth of mutation against the live thread.
	if err := m.Write(addr, []byte("mutated by case!")); err != nil {
		t.Fatalf("Write (mutation): %v", err)
	}

	restoredRegs := img.Restore(m)
	if restoredRegs != regs {
		t.Fatalf("Restore returned %v, want %v", restoredRegs, regs)
	}

	got := make([]byte, 16)
	if err := m.Read(addr, got); err != nil {
		t.Fatalf("Read after Restore: %v", err)
	}
	if string(got) != "baseline state!!" {
		t.Fatalf("memory after Restore = %q, want the snapshot's contents back", got)
	}
}

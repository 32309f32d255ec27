package codecache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// TranslationTable maps guest PC -> host offset into a CodeCache's region.
// 0 denotes "uncompiled"; entries are append-only and immutable once
// published. Readers never block: Lookup is a single atomic load behind a
// sync.Map read, independent of any writer currently compiling a
// different function.
type TranslationTable struct {
	entries sync.Map // uint64 guest PC -> *tableSlot

	// reserved gives RegTransTbl (internal/jit's reserved translation-
	// table-base register) a stable, valid address to be bound to by the
	// trampoline. No emitted instruction currently dereferences it — every
	// indirect/out-of-function control transfer resolves through an
	// ExitNeedCompile round-trip to this package's Dispatcher instead of
	// an inline in-code lookup (see internal/jit's jumpOrExit) — but the pointer must still be non-dangling for the
	// calling convention to bind six real pointers every entry.
	reserved uint64
}

type tableSlot struct {
	off atomic.Uint64
}

func NewTranslationTable() *TranslationTable {
	return &TranslationTable{}
}

// Base is the pointer bound to RegTransTbl for the duration of a jit.Enter
// call.
func (t *TranslationTable) Base() unsafe.Pointer { return unsafe.Pointer(&t.reserved) }

// Lookup performs an acquire-load of the host offset recorded for pc. ok
// is false when pc has never been compiled.
func (t *TranslationTable) Lookup(pc uint64) (off int, ok bool) {
	v, found := t.entries.Load(pc)
	if !found {
		return 0, false
	}
	o := v.(*tableSlot).off.Load()
	if o == 0 {
		return 0, false
	}
	return int(o), true
}

// Publish records host offset off for pc with release semantics. off must
// be nonzero (0 is the uncompiled sentinel). Publishing the same (pc, off)
// pair twice is a no-op (two racing compiles of overlapping ranges can
// legitimately agree); publishing a different off for an already-published
// pc is a translation-table corruption bug and panics rather than silently
// picking one.
func (t *TranslationTable) Publish(pc uint64, off int) {
	if off == 0 {
		panic("codecache: cannot publish host offset 0 (reserved uncompiled sentinel)")
	}
	v, _ := t.entries.LoadOrStore(pc, &tableSlot{})
	s := v.(*tableSlot)
	if s.off.CompareAndSwap(0, uint64(off)) {
		return
	}
	if s.off.Load() != uint64(off) {
		panic(fmt.Sprintf("codecache: conflicting re-translation of guest pc %#x", pc))
	}
}

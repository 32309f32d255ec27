package jit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/mellow-hype/sfuzz/internal/ir"
)

// maxDisasmInstrs bounds how many instructions DisassembleBlock decodes
// before giving up. It is the only bound on how far a DEBUG dump runs
// past the end of the compiled block it was asked to show, into the zero
// padding and later entries that follow it in the append-only code cache.
const maxDisasmInstrs = 64

// DisassembleBlock decodes code (a view into the code cache starting at
// one compiled block's host offset) as amd64 machine code, stopping at
// the first decode error or after maxDisasmInstrs instructions, whichever
// comes first. The code cache page-aligns each entry and leaves the gap
// zero-filled; zero bytes decode as valid instructions, so in practice
// the cap, not a decode error, ends the listing. baseAddr
// is the host address code[0] lives at, so the printed addresses match
// what a debugger attached to the process would show.
func DisassembleBlock(code []byte, baseAddr uintptr) []string {
	var lines []string
	off := 0
	for i := 0; i < maxDisasmInstrs && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			break
		}
		addr := uint64(baseAddr) + uint64(off)
		syntax := x86asm.GNUSyntax(inst, addr, nil)
		lines = append(lines, fmt.Sprintf("%#x:\t%s", addr, syntax))
		if inst.Len == 0 {
			break
		}
		off += inst.Len
	}
	return lines
}

// regDumpName labels guest register file slots worth printing in a DEBUG
// dump: x0-x31 (via ir.Reg's own String), the PC slot, and the budget
// slot. Scratch pseudo-registers (ir.Scratch) are lifter-internal and
// carry no information a guest-level dump needs.
func regDumpName(slot int) (string, bool) {
	switch {
	case slot <= int(ir.PC):
		return ir.Reg(slot).String(), true
	case slot == BudgetSlot:
		return "budget", true
	default:
		return "", false
	}
}

// DumpRegisters formats a guest register file for the DEBUG exit-code
// handler: one "name = 0x...." line per slot regDumpName names.
func DumpRegisters(regs [RegFileSlots]uint64) string {
	var b strings.Builder
	for slot := 0; slot < RegFileSlots; slot++ {
		name, ok := regDumpName(slot)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%-6s = %#016x\n", name, regs[slot])
	}
	return b.String()
}

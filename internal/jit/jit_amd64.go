//go:build amd64

package jit

import "unsafe"

// enterHostCode is implemented in trampoline_amd64.s. It loads the six
// reserved pointers into R10-R15, calls into hostPC, and on return decodes
// the exit values the emitted code left in RAX/RCX/RDX. It is the only
// suspension point between Go and the code cache: control returns via an
// explicit exit code, never a signal handler or a coroutine switch.
//
//go:noescape
func enterHostCode(hostPC uintptr, regs, mem, perms, tt, dirty, cov unsafe.Pointer) (exitCode, reentryPC, faultAddr uint64)

// Enter calls into the code cache at hostPC with the reserved pointers
// bound, and returns the decoded Exit.
func Enter(hostPC uintptr, regs, mem, perms, tt, dirty, cov unsafe.Pointer) Exit {
	code, pc, addr := enterHostCode(hostPC, regs, mem, perms, tt, dirty, cov)
	return Exit{Code: ExitCode(code), PC: pc, Aux: addr}
}

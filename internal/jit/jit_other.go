//go:build !amd64

package jit

import (
	"fmt"
	"unsafe"
)

// Enter is unimplemented on non-amd64 hosts: the emitted code in this
// package is amd64 machine code, and there is no translation target for
// other host architectures yet.
func Enter(hostPC uintptr, regs, mem, perms, tt, dirty, cov unsafe.Pointer) Exit {
	panic(fmt.Sprintf("jit: host architecture not supported (amd64 only), cannot enter code cache at %#x", hostPC))
}

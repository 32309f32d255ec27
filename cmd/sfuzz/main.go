// Command sfuzz drives a fleet of JIT-lifted RISC-V emulators against a
// target binary, feeding it mutated seed inputs and reporting new
// coverage and crashes as they're found.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:]))
}

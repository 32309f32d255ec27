// Package config resolves the flags cmd/sfuzz exposes into a single Config
// struct the rest of the program builds a fleet from. There is no on-disk
// config file format: the CLI contract is flag-only, so Config exists
// purely to give the resolved flag values one typed home instead of
// threading individual flag variables through every call site.
package config

import (
	"fmt"
	"os"
	"runtime"
)

// DefaultInstrBudget is the per-case instruction allowance used when -t is
// not given.
const DefaultInstrBudget = 1_000_000

// Config is the fully resolved set of options a fuzzing run needs, built
// from the `-i/-o/-s/-t/-d/-j -- target args...` CLI contract.
type Config struct {
	// InDir is the seed corpus directory (-i).
	InDir string
	// OutDir is where crashes and the discovered-input queue are written
	// (-o): <OutDir>/crashes/, <OutDir>/queue/.
	OutDir string

	// HasSnapshotPC and SnapshotPC carry -s: the guest PC warm-up runs to
	// before taking the snapshot every case resets from. Absent means no
	// snapshot is taken; every case replays from the target's own entry
	// point.
	HasSnapshotPC bool
	SnapshotPC    uint64

	// InstrBudget is the per-case instruction allowance (-t); 0 resolves to
	// DefaultInstrBudget.
	InstrBudget uint64

	// DictFile names a mutator dictionary (-d); empty disables it. This
	// package only checks that the file exists; cmd/sfuzz reads it
	// (loadDictionary) and hands its tokens to each worker's mutator.
	DictFile string

	// Jobs is the worker thread count (-j); <= 0 resolves to
	// runtime.NumCPU().
	Jobs int

	// Target is the path to the RV64I ELF binary under test, and TargetArgs
	// are the arguments following `--` passed through to it.
	Target     string
	TargetArgs []string
}

// Resolve fills in zero-valued fields with their defaults. Call after
// parsing flags and before Validate.
func (c *Config) Resolve() {
	if c.InstrBudget == 0 {
		c.InstrBudget = DefaultInstrBudget
	}
	if c.Jobs <= 0 {
		c.Jobs = runtime.NumCPU()
	}
}

// Validate reports a configuration error (exit code 1 per the CLI
// contract): every field required to start a run must be present and the
// named paths must exist, independent of whether the target ELF itself is
// well-formed (a separate, exit-code-2 concern handled once loading is
// attempted).
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("config: no target binary given (pass it after --)")
	}
	if c.InDir == "" {
		return fmt.Errorf("config: -i <in-dir> is required")
	}
	if c.OutDir == "" {
		return fmt.Errorf("config: -o <out-dir> is required")
	}
	if fi, err := os.Stat(c.InDir); err != nil {
		return fmt.Errorf("config: in-dir %s: %w", c.InDir, err)
	} else if !fi.IsDir() {
		return fmt.Errorf("config: in-dir %s is not a directory", c.InDir)
	}
	if c.DictFile != "" {
		if _, err := os.Stat(c.DictFile); err != nil {
			return fmt.Errorf("config: dictionary file %s: %w", c.DictFile, err)
		}
	}
	return nil
}

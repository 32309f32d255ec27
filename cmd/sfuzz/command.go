package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mellow-hype/sfuzz/internal/config"
	"github.com/mellow-hype/sfuzz/internal/logging"
)

// flags holds the raw, unresolved values cobra parses into before they're
// copied into a config.Config and resolved/validated.
type flags struct {
	inDir       string
	outDir      string
	hasSnapPC   bool
	snapshotPC  uint64
	instrBudget uint64
	dictFile    string
	jobs        int
	verbose     bool
}

// newRootCmd builds the `sfuzz -i <in-dir> -o <out-dir> [-s pc] [-t count]
// [-d dict] [-j n] -- <target> <args...>` command.
func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "sfuzz -i <in-dir> -o <out-dir> -- <target> [args...]",
		Short: "Coverage-guided greybox fuzzer for RV64I ELF binaries",
		Long: `sfuzz lifts a RISC-V (RV64I) guest program to a JIT-compiled host
trace, forks one address space per worker thread, and replays mutated seed
inputs against it, recording new coverage edges and deduplicated crashes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.SetVerbose(f.verbose)

			cfg, err := resolveConfig(f, cmd.ArgsLenAtDash(), args)
			if err != nil {
				return err
			}
			return runFuzzer(cmd.Context(), cfg)
		},
	}

	flagsSet := cmd.Flags()
	flagsSet.StringVarP(&f.inDir, "in", "i", "", "seed corpus directory (required)")
	flagsSet.StringVarP(&f.outDir, "out", "o", "", "output directory for crashes and the discovered-input queue (required)")
	flagsSet.Uint64VarP(&f.snapshotPC, "snapshot-pc", "s", 0, "guest PC to snapshot at after warm-up")
	flagsSet.Uint64VarP(&f.instrBudget, "timeout", "t", 0, "per-case instruction budget (0 uses the built-in default)")
	flagsSet.StringVarP(&f.dictFile, "dict", "d", "", "mutator dictionary file")
	flagsSet.IntVarP(&f.jobs, "jobs", "j", 0, "worker thread count (0 uses every CPU)")
	flagsSet.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		f.hasSnapPC = flagsSet.Changed("snapshot-pc")
		return nil
	}

	return cmd
}

// resolveConfig builds a validated config.Config from parsed flags and
// positional args, given the index cobra reports for `--` (dashAt == -1
// means no `--` was given at all). Split out from RunE so the CLI
// contract's flag/arg handling is testable without invoking the fuzzer
// itself.
func resolveConfig(f flags, dashAt int, args []string) (*config.Config, error) {
	if dashAt < 0 || dashAt >= len(args) {
		return nil, &configError{fmt.Errorf("no target given; pass it after --")}
	}

	cfg := &config.Config{
		InDir:         f.inDir,
		OutDir:        f.outDir,
		HasSnapshotPC: f.hasSnapPC,
		SnapshotPC:    f.snapshotPC,
		InstrBudget:   f.instrBudget,
		DictFile:      f.dictFile,
		Jobs:          f.jobs,
		Target:        args[dashAt],
		TargetArgs:    args[dashAt+1:],
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, &configError{err}
	}
	return cfg, nil
}

// configError marks a configuration mistake: exit code 1 per the CLI
// contract (-i/-o missing, a nonexistent path, no target after --).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
func (e *configError) ExitCode() int { return 1 }

// loadError marks a failure to load or start the target itself: exit
// code 2 per the CLI contract, distinct from a configuration mistake.
type loadError struct{ err error }

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }
func (e *loadError) ExitCode() int { return 2 }

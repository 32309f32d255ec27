package main

import (
	"context"

	"github.com/mellow-hype/sfuzz/internal/emu"
	"github.com/mellow-hype/sfuzz/internal/faults"
	"github.com/mellow-hype/sfuzz/internal/logging"
	"github.com/mellow-hype/sfuzz/internal/orchestrator"
	"github.com/mellow-hype/sfuzz/internal/stats"
)

// worker repeatedly mutates an input from the shared corpus and runs it
// against its own fleet slot, feeding newly discovered coverage back into
// the corpus, logging every crash and counting every timeout. This is
// deliberately not a full seed-scheduling engine (no power schedule, no
// triage queue, no deterministic stage ordering): it is the minimal
// pick-mutate-execute-report shape one fuzzing process needs, in the
// style of a syz-fuzzer Proc's own run loop.
type worker struct {
	id      int
	fleet   *orchestrator.Fleet
	corpus  *corpus
	mutator *mutator
	counts  *stats.ThreadCounters
}

func (w *worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		seed := w.corpus.pick(w.mutator.rnd)
		input := w.mutator.Mutate(seed)

		out, err := w.fleet.RunCase(w.id, input)
		if err != nil {
			logging.Log.WithFields(logging.WorkerFields(w.id)).WithError(err).Error("run case")
			continue
		}
		w.counts.Executions++

		if len(out.NewEdges) > 0 {
			w.counts.NewEdges += uint64(len(out.NewEdges))
			if err := w.corpus.add(input); err != nil {
				logging.Log.WithFields(logging.WorkerFields(w.id)).WithError(err).Warn("save queue entry")
			}
		}

		switch out.Kind {
		case emu.OutcomeCrash:
			w.counts.Crashes++
			w.reportFault(out.Fault)
		case emu.OutcomeTimeout:
			w.counts.Timeouts++
		}
	}
}

func (w *worker) reportFault(f *faults.Fault) {
	if f == nil {
		return
	}
	logging.Log.WithFields(logging.CaseFields(w.id, int(w.counts.Executions), f.PC)).
		Warnf("crash: %s", f.Kind)
}

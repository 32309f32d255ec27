// Package stats batches per-thread execution counters, incremented
// without synchronization and sampled by a main thread in batches, into
// fleet-wide totals and an executions/sec rate, and exports the coverage
// bytemap as a pprof profile for inspection with standard pprof tooling.
package stats

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"

	"github.com/mellow-hype/sfuzz/internal/coverage"
)

// ThreadCounters is one worker's private, unsynchronized tally. Only the
// owning worker goroutine writes to it; the Aggregator only reads, and
// tolerates torn reads the same way the rest of the fleet tolerates
// approximate coverage counts.
type ThreadCounters struct {
	Executions uint64
	Crashes    uint64
	Timeouts   uint64
	NewEdges   uint64
}

// Snapshot is one point-in-time aggregation across every worker thread.
type Snapshot struct {
	Executions uint64
	Crashes    uint64
	Timeouts   uint64
	NewEdges   uint64
	ExecPerSec float64
	Uptime     time.Duration
}

// Aggregator owns one ThreadCounters per worker and derives fleet-wide
// snapshots from them on demand.
type Aggregator struct {
	threads []*ThreadCounters
	start   time.Time

	lastSample     time.Time
	lastExecutions uint64
}

// NewAggregator allocates jobs worker counters and starts the uptime
// clock.
func NewAggregator(jobs int) *Aggregator {
	threads := make([]*ThreadCounters, jobs)
	for i := range threads {
		threads[i] = &ThreadCounters{}
	}
	now := time.Now()
	return &Aggregator{threads: threads, start: now, lastSample: now}
}

// Counters returns the counter block for worker, for that worker's own run
// loop to increment directly.
func (a *Aggregator) Counters(worker int) *ThreadCounters { return a.threads[worker] }

// Sample aggregates every worker's counters into a Snapshot and derives
// the executions/sec rate since the previous Sample call (or since
// NewAggregator, for the first call).
func (a *Aggregator) Sample() Snapshot {
	var s Snapshot
	for _, c := range a.threads {
		s.Executions += c.Executions
		s.Crashes += c.Crashes
		s.Timeouts += c.Timeouts
		s.NewEdges += c.NewEdges
	}

	now := time.Now()
	elapsed := now.Sub(a.lastSample).Seconds()
	if elapsed > 0 {
		s.ExecPerSec = float64(s.Executions-a.lastExecutions) / elapsed
	}
	s.Uptime = now.Sub(a.start)

	a.lastSample = now
	a.lastExecutions = s.Executions
	return s
}

// CoverageProfile builds a pprof profile from cov: one Location per edge
// index that has ever been hit, each carrying a single Sample of value 1.
// The bytemap is one-hit-wins (see internal/coverage), so "hit at least
// once" is the only density this can report; the edge's map index stands
// in for a source line since lifted RV64I edges have no Go call stack of
// their own to attribute to.
func CoverageProfile(cov *coverage.Map) *profile.Profile {
	fn := &profile.Function{ID: 1, Name: "edge"}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "edges", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "edges", Unit: "count"},
		Period:     1,
		Function:   []*profile.Function{fn},
	}

	buf := cov.Bytes()
	var nextLocID uint64 = 1
	for idx, b := range buf {
		if b == 0 {
			continue
		}
		loc := &profile.Location{
			ID:      nextLocID,
			Address: uint64(idx),
			Line:    []profile.Line{{Function: fn, Line: int64(idx)}},
		}
		nextLocID++
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1},
		})
	}
	return p
}

// WriteCoverageProfile writes cov as a gzip-compressed pprof profile to
// path (conventionally <out>/coverage.pb.gz), inspectable with
// `go tool pprof -top coverage.pb.gz`.
func WriteCoverageProfile(path string, cov *coverage.Map) error {
	p := CoverageProfile(cov)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("stats: create %s: %w", path, err)
	}
	defer f.Close()
	if err := p.Write(f); err != nil {
		return fmt.Errorf("stats: write coverage profile: %w", err)
	}
	return nil
}

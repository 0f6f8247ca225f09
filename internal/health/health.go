// Package health turns consecutive statistics reports into per-source
// liveness samples.
package health

import (
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/stat"
)

// Sample is one source's liveness verdict for a tick.
type Sample struct {
	Source           source.Name `json:"source"`
	PublisherPresent bool        `json:"publisher"`
	BytesIn          uint64      `json:"bytesIn"`
	// ByteDelta is the raw change since the previous observation and is
	// negative after a counter reset.
	ByteDelta        int64 `json:"byteDelta"`
	FirstObservation bool  `json:"firstObservation"`
	CounterReset     bool  `json:"counterReset"`
	Alive            bool  `json:"alive"`
	ResumeCandidate  bool  `json:"resumeCandidate"`
}

// Evaluator keeps the previous byte counter per source.
type Evaluator struct {
	minDelta int64
	previous map[source.Name]uint64
}

// NewEvaluator builds an evaluator with the given minimum byte delta.
func NewEvaluator(minDelta int64) *Evaluator {
	if minDelta < 0 {
		minDelta = 0
	}
	return &Evaluator{minDelta: minDelta, previous: make(map[source.Name]uint64)}
}

// MinDelta returns the configured threshold.
func (e *Evaluator) MinDelta() int64 { return e.minDelta }

// Evaluate scores every source in names against the report and remembers the
// counters for the next call. Callers must skip Evaluate on ticks without a
// report so the next delta spans the gap.
func (e *Evaluator) Evaluate(report stat.Report, names []source.Name) map[source.Name]Sample {
	samples := make(map[source.Name]Sample, len(names))
	for _, name := range names {
		snapshot := report.Get(name)
		prev, seen := e.previous[name]

		sample := Sample{
			Source:           name,
			PublisherPresent: snapshot.PublisherPresent,
			BytesIn:          snapshot.BytesIn,
			FirstObservation: !seen,
		}
		if seen {
			sample.ByteDelta = int64(snapshot.BytesIn) - int64(prev)
			sample.CounterReset = snapshot.BytesIn < prev
		}
		sample.Alive = e.alive(sample)
		sample.ResumeCandidate = e.resumeCandidate(sample)

		e.previous[name] = snapshot.BytesIn
		samples[name] = sample
	}
	return samples
}

// Forget drops the stored counters, so the next report is a first observation.
func (e *Evaluator) Forget() {
	e.previous = make(map[source.Name]uint64)
}

// alive: the active source must both have a publisher and move bytes. The
// first observation and a counter reset carry no usable delta and are given
// the benefit of the doubt when a publisher is present.
func (e *Evaluator) alive(s Sample) bool {
	if !s.PublisherPresent {
		return false
	}
	if s.FirstObservation || s.CounterReset {
		return true
	}
	return s.ByteDelta >= e.minDelta
}

// resumeCandidate is looser than alive: either signal suffices.
func (e *Evaluator) resumeCandidate(s Sample) bool {
	if s.PublisherPresent {
		return true
	}
	return s.ByteDelta > 0 && s.ByteDelta >= e.minDelta
}

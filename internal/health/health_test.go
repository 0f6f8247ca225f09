package health

import (
	"testing"

	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/stat"
)

var names = []source.Name{"dennis", "auria"}

func report(entries map[source.Name]stat.Snapshot) stat.Report {
	return stat.Report{Sources: entries}
}

func TestFirstObservationWithPublisherIsAlive(t *testing.T) {
	e := NewEvaluator(40000)
	samples := e.Evaluate(report(map[source.Name]stat.Snapshot{
		"dennis": {PublisherPresent: true, BytesIn: 10},
	}), names)

	dennis := samples["dennis"]
	if !dennis.FirstObservation || !dennis.Alive {
		t.Fatalf("expected first observation to be alive, got %+v", dennis)
	}
	if samples["auria"].Alive {
		t.Fatalf("expected auria without publisher to be dead")
	}
}

func TestDeltaThreshold(t *testing.T) {
	e := NewEvaluator(40000)
	e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 100000}}), names)

	stalled := e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 120000}}), names)["dennis"]
	if stalled.Alive || stalled.ByteDelta != 20000 {
		t.Fatalf("expected stalled publisher to be dead, got %+v", stalled)
	}
	if !stalled.ResumeCandidate {
		t.Fatalf("expected publisher to remain a resume candidate")
	}

	flowing := e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 160000}}), names)["dennis"]
	if !flowing.Alive {
		t.Fatalf("expected delta at threshold to be alive, got %+v", flowing)
	}
}

func TestCounterResetWithPublisherIsAlive(t *testing.T) {
	e := NewEvaluator(40000)
	e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 900000}}), names)
	sample := e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 500}}), names)["dennis"]

	if !sample.CounterReset || sample.ByteDelta >= 0 {
		t.Fatalf("expected counter reset with negative delta, got %+v", sample)
	}
	if !sample.Alive {
		t.Fatalf("expected counter reset with publisher to count as alive")
	}
}

func TestResumeCandidateFromBytesAlone(t *testing.T) {
	e := NewEvaluator(40000)
	e.Evaluate(report(map[source.Name]stat.Snapshot{"auria": {BytesIn: 0}}), names)
	sample := e.Evaluate(report(map[source.Name]stat.Snapshot{"auria": {BytesIn: 50000}}), names)["auria"]

	if sample.Alive {
		t.Fatalf("expected no publisher to never be alive")
	}
	if !sample.ResumeCandidate {
		t.Fatalf("expected byte flow to make a resume candidate")
	}

	reset := e.Evaluate(report(map[source.Name]stat.Snapshot{"auria": {BytesIn: 10}}), names)["auria"]
	if reset.ResumeCandidate {
		t.Fatalf("expected counter reset without publisher to not be a candidate")
	}
}

func TestSkippedTickSpansGap(t *testing.T) {
	e := NewEvaluator(40000)
	e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 0}}), names)
	// a tick with stat unavailable does not call Evaluate
	sample := e.Evaluate(report(map[source.Name]stat.Snapshot{"dennis": {PublisherPresent: true, BytesIn: 60000}}), names)["dennis"]
	if sample.ByteDelta != 60000 || !sample.Alive {
		t.Fatalf("expected delta across the gap, got %+v", sample)
	}

	e.Forget()
	if again := e.Evaluate(report(nil), names)["dennis"]; !again.FirstObservation {
		t.Fatalf("expected Forget to reset observations")
	}
}

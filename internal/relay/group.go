package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DerBlackAngel/stream-relay/internal/journal"
	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/observability/metrics"
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
)

const (
	TriggerGuard  = "guard"
	TriggerManual = "manual"
)

// GroupResult aggregates the per-destination outcomes of one action.
type GroupResult struct {
	Target   string   `json:"target"`
	Previous Mode     `json:"previous"`
	Changed  bool     `json:"changed"`
	Results  []Result `json:"results"`
}

// Group drives every destination's executor together. It is the single
// admission point for relay actions in the process.
type Group struct {
	executors []*Executor
	sem       *semaphore.Weighted
	sink      journal.Sink
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	lastActionAt time.Time
}

// GroupOption customises a Group.
type GroupOption func(*Group)

// WithSink records every executed action.
func WithSink(sink journal.Sink) GroupOption {
	return func(g *Group) { g.sink = sink }
}

// WithMetrics sets the recorder for switch counters.
func WithMetrics(recorder *metrics.Recorder) GroupOption {
	return func(g *Group) { g.metrics = recorder }
}

// WithLogger sets the group logger.
func WithLogger(logger *slog.Logger) GroupOption {
	return func(g *Group) { g.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GroupOption {
	return func(g *Group) { g.now = now }
}

// NewGroup builds a group; the first executor is the primary whose worker
// defines the relay mode.
func NewGroup(executors []*Executor, opts ...GroupOption) (*Group, error) {
	if len(executors) == 0 {
		return nil, errors.New("at least one executor is required")
	}
	seen := make(map[string]struct{}, len(executors))
	for _, exec := range executors {
		if _, dup := seen[exec.Name()]; dup {
			return nil, fmt.Errorf("duplicate worker name %q", exec.Name())
		}
		seen[exec.Name()] = struct{}{}
	}
	g := &Group{
		executors: executors,
		sem:       semaphore.NewWeighted(1),
		metrics:   metrics.Default(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Primary returns the executor whose worker defines the mode.
func (g *Group) Primary() *Executor { return g.executors[0] }

// Executors returns all executors, primary first.
func (g *Group) Executors() []*Executor {
	return append([]*Executor(nil), g.executors...)
}

// LastActionAt is when the group last executed a switch or stop, successful
// or not. Zero before the first action.
func (g *Group) LastActionAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastActionAt
}

// Mode reports the primary destination's mode.
func (g *Group) Mode(ctx context.Context) (Mode, error) {
	mode, _, err := g.Primary().Mode(ctx)
	return mode, err
}

// Inspect returns the primary worker's mode and status.
func (g *Group) Inspect(ctx context.Context) (Mode, supervisor.Status, error) {
	return g.Primary().Mode(ctx)
}

// SwitchTo switches every destination to target in parallel. Failures are
// joined; a busy group fails fast with ErrSwitchBusy.
func (g *Group) SwitchTo(ctx context.Context, target source.Name, opts SwitchOptions) (GroupResult, error) {
	return g.run(ctx, "switch", string(target), opts, func(ctx context.Context, exec *Executor) (Result, error) {
		return exec.SwitchTo(ctx, target, opts)
	})
}

// Stop gracefully stops every destination.
func (g *Group) Stop(ctx context.Context, opts SwitchOptions) (GroupResult, error) {
	return g.run(ctx, "stop", IdleMode.String(), opts, func(ctx context.Context, exec *Executor) (Result, error) {
		return exec.Stop(ctx, opts)
	})
}

func (g *Group) run(ctx context.Context, action, target string, opts SwitchOptions, do func(context.Context, *Executor) (Result, error)) (GroupResult, error) {
	if !g.sem.TryAcquire(1) {
		g.metrics.ObserveSwitch(opts.Trigger, target, "busy")
		return GroupResult{Target: target}, ErrSwitchBusy
	}
	defer g.sem.Release(1)

	if opts.Trigger != "" {
		ctx = logging.ContextWithTrigger(ctx, opts.Trigger)
	}
	start := g.now()
	results := make([]Result, len(g.executors))
	errs := make([]error, len(g.executors))

	var wg sync.WaitGroup
	for i, exec := range g.executors {
		wg.Add(1)
		go func(i int, exec *Executor) {
			defer wg.Done()
			results[i], errs[i] = do(ctx, exec)
			results[i].Destination = exec.Destination().Name
			if errs[i] != nil {
				errs[i] = fmt.Errorf("destination %s: %w", exec.Destination().Name, errs[i])
			}
		}(i, exec)
	}
	wg.Wait()

	out := GroupResult{Target: target, Previous: results[0].Previous, Results: results}
	attempted := false
	for i, res := range results {
		if res.Changed {
			out.Changed = true
		}
		if res.Changed || (errs[i] != nil && !errors.Is(errs[i], ErrSwitchBusy) && !isValidationError(errs[i])) {
			attempted = true
		}
	}
	err := errors.Join(errs...)

	if attempted {
		g.mu.Lock()
		g.lastActionAt = g.now()
		g.mu.Unlock()
	}

	status := "ok"
	switch {
	case err != nil && errors.Is(err, ErrSwitchReadinessTimeout):
		status = "not_ready"
	case err != nil:
		status = "failed"
	case !out.Changed:
		status = "noop"
	}
	g.metrics.ObserveSwitch(opts.Trigger, target, status)

	if attempted || err != nil {
		g.record(ctx, action, target, opts, out, err, g.now().Sub(start))
	}
	return out, err
}

func isValidationError(err error) bool {
	return errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrInvalidTarget)
}

func (g *Group) record(ctx context.Context, action, target string, opts SwitchOptions, out GroupResult, err error, took time.Duration) {
	if g.sink == nil {
		return
	}
	entry := journal.Entry{
		At:         g.now().UTC(),
		Action:     action,
		Trigger:    opts.Trigger,
		Target:     target,
		Previous:   out.Previous.String(),
		Reason:     opts.Reason,
		Changed:    out.Changed,
		OK:         err == nil,
		DurationMs: took.Milliseconds(),
	}
	if err != nil {
		entry.Error = g.Primary().Masker().Mask(err.Error())
	}
	for _, res := range out.Results {
		entry.Destinations = append(entry.Destinations, res.Destination)
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := g.sink.Record(recordCtx, entry); recErr != nil {
		logging.WithContext(ctx, g.logger).Warn("record relay action failed", "action", action, "target", target, "error", recErr)
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
)

const (
	DefaultWorkerName   = "relay-push"
	DefaultReadyTimeout = 8 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultStopGrace    = 700 * time.Millisecond
	DefaultStopTimeout  = 12 * time.Second
	DefaultSettleDelay  = 200 * time.Millisecond
	DefaultLogTailLines = 80
	cleanupTimeout      = 30 * time.Second
)

// ExecutorConfig configures one destination's executor.
type ExecutorConfig struct {
	// Name is the canonical worker name; the replacement during a seamless
	// switch runs as Name+"-next".
	Name        string
	Destination Destination
	Builder     *Builder
	Supervisor  supervisor.Supervisor
	// Seamless starts the replacement before removing the current worker.
	Seamless     bool
	ReadyTimeout time.Duration
	PollInterval time.Duration
	StopGrace    time.Duration
	StopTimeout  time.Duration
	SettleDelay  time.Duration
	LogTailLines int
	Masker       *Masker
	Logger       *slog.Logger
}

// SwitchOptions describe why an action runs.
type SwitchOptions struct {
	Reason  string
	Trigger string
	// Force restarts the worker even when it already relays the target.
	Force bool
}

// Result describes one executed (or skipped) action.
type Result struct {
	Destination string        `json:"destination"`
	Target      string        `json:"target"`
	Previous    Mode          `json:"previous"`
	Changed     bool          `json:"changed"`
	Seamless    bool          `json:"seamless"`
	WorkerID    string        `json:"workerId,omitempty"`
	Duration    time.Duration `json:"-"`
}

// Executor switches one destination's relay worker.
type Executor struct {
	cfg      ExecutorConfig
	name     string
	nextName string
	sup      supervisor.Supervisor
	builder  *Builder
	detector Detector
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewExecutor validates cfg and applies defaults.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	if cfg.Builder == nil {
		return nil, errors.New("builder is required")
	}
	if strings.TrimSpace(cfg.Destination.URL) == "" {
		return nil, fmt.Errorf("destination %q has no url", cfg.Destination.Name)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultWorkerName
	}
	if cfg.Destination.Name == "" {
		cfg.Destination.Name = "main"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopGrace < 0 {
		cfg.StopGrace = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = DefaultLogTailLines
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		name:     cfg.Name,
		nextName: cfg.Name + "-next",
		sup:      cfg.Supervisor,
		builder:  cfg.Builder,
		detector: cfg.Builder.Detector(),
		sem:      semaphore.NewWeighted(1),
		logger:   logger.With("destination", cfg.Destination.Name, "worker", cfg.Name),
	}, nil
}

// Name returns the canonical worker name.
func (e *Executor) Name() string { return e.name }

// Destination returns the destination this executor feeds.
func (e *Executor) Destination() Destination { return e.cfg.Destination }

// Masker returns the masker applied to diagnostics.
func (e *Executor) Masker() *Masker { return e.cfg.Masker }

// Mode inspects the canonical worker. A failed or timed-out inspection
// yields UnknownMode alongside the error.
func (e *Executor) Mode(ctx context.Context) (Mode, supervisor.Status, error) {
	status, err := e.sup.Inspect(ctx, e.name)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return UnknownMode, supervisor.Status{}, fmt.Errorf("%w: %w", ErrCollaboratorTimeout, err)
		}
		return UnknownMode, supervisor.Status{}, fmt.Errorf("%w: %w", ErrUnknownMode, err)
	}
	return e.detector.Detect(status), status, nil
}

// TailLogs returns the masked output tail of the canonical worker.
func (e *Executor) TailLogs(ctx context.Context, lines int) (string, error) {
	logs, err := e.sup.TailLogs(ctx, e.name, lines)
	if err != nil {
		return "", err
	}
	return e.cfg.Masker.Mask(supervisor.NormalizeLogText(logs)), nil
}

// SwitchTo points the destination at target. It fails fast with
// ErrSwitchBusy when another action is in flight on this executor.
func (e *Executor) SwitchTo(ctx context.Context, target source.Name, opts SwitchOptions) (Result, error) {
	if !e.sem.TryAcquire(1) {
		return Result{}, ErrSwitchBusy
	}
	defer e.sem.Release(1)

	start := time.Now()
	result := Result{Destination: e.cfg.Destination.Name, Target: string(target)}
	spec, err := e.builder.Build(target, e.cfg.Destination)
	if err != nil {
		return result, err
	}

	current, err := e.sup.Inspect(ctx, e.name)
	if err != nil {
		return result, fmt.Errorf("inspect %s: %w", e.name, err)
	}
	result.Previous = e.detector.Detect(current)

	logger := logging.WithContext(ctx, e.logger).With("target", target, "previous", result.Previous.String(), "reason", opts.Reason)
	if !opts.Force && current.Running && result.Previous == ModeFor(target) {
		logger.Debug("relay already on target")
		result.Duration = time.Since(start)
		return result, nil
	}

	// An exited worker still takes the seamless path: if the replacement
	// never starts, the old one stays in place and the mode keeps naming it.
	if e.cfg.Seamless && current.Exists {
		result.Seamless = true
		result.WorkerID, err = e.seamless(ctx, target, spec, logger)
	} else {
		result.WorkerID, err = e.hard(ctx, spec, logger)
	}
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}
	result.Changed = true
	logger.Info("relay switched", "seamless", result.Seamless, "duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// seamless brings the replacement up under the -next name, and only once it
// runs removes the current worker and takes over the canonical name. A
// replacement that never becomes ready is discarded and the current worker
// keeps relaying.
func (e *Executor) seamless(ctx context.Context, target source.Name, spec supervisor.LaunchSpec, logger *slog.Logger) (string, error) {
	if err := e.sup.Remove(ctx, e.nextName); err != nil {
		logger.Warn("remove stale replacement failed", "error", err)
	}
	id, err := e.sup.Start(ctx, e.nextName, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSwitchStartFailed, err)
	}

	waited, ready := e.waitReady(ctx, e.nextName)
	if !ready {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		logs, logErr := e.sup.TailLogs(cleanupCtx, e.nextName, e.cfg.LogTailLines)
		if logErr != nil {
			logger.Warn("collect replacement logs failed", "error", logErr)
		}
		if err := e.sup.Remove(cleanupCtx, e.nextName); err != nil {
			logger.Error("remove failed replacement", "error", err)
		}
		logger.Warn("replacement not ready, keeping current worker", "waited_ms", waited.Milliseconds())
		return "", &ReadinessTimeoutError{
			Destination: e.cfg.Destination.Name,
			Target:      string(target),
			Waited:      waited,
			Logs:        e.cfg.Masker.Mask(supervisor.NormalizeLogText(logs)),
			OldKept:     true,
		}
	}

	// From here the replacement is live; finish the handover even if the
	// caller gives up.
	handoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.sup.Remove(handoverCtx, e.name); err != nil {
		return id, fmt.Errorf("remove previous worker: %w", err)
	}
	if err := e.sup.Rename(handoverCtx, e.nextName, e.name); err != nil {
		return id, fmt.Errorf("rename replacement: %w", err)
	}
	return id, nil
}

// hard replaces the worker in place. There is a short gap in the outbound
// stream.
func (e *Executor) hard(ctx context.Context, spec supervisor.LaunchSpec, logger *slog.Logger) (string, error) {
	if err := e.sup.Remove(ctx, e.name); err != nil {
		logger.Warn("remove current worker failed", "error", err)
	}
	id, err := e.sup.Start(ctx, e.name, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSwitchStartFailed, err)
	}
	return id, nil
}

func (e *Executor) waitReady(ctx context.Context, name string) (time.Duration, bool) {
	start := time.Now()
	deadline := time.NewTimer(e.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.sup.Inspect(ctx, name)
		if err == nil && status.Running {
			return time.Since(start), true
		}
		if err == nil && status.Exists && (status.State == "exited" || status.State == "dead") {
			return time.Since(start), false
		}
		select {
		case <-ctx.Done():
			return time.Since(start), false
		case <-deadline.C:
			return time.Since(start), false
		case <-ticker.C:
		}
	}
}

// Stop winds the worker down the way an encoder ends a broadcast: interrupt
// ffmpeg so it closes the output, give it a moment, stop, then remove. The
// relay ends up idle.
func (e *Executor) Stop(ctx context.Context, opts SwitchOptions) (Result, error) {
	if !e.sem.TryAcquire(1) {
		return Result{}, ErrSwitchBusy
	}
	defer e.sem.Release(1)

	start := time.Now()
	result := Result{Destination: e.cfg.Destination.Name, Target: IdleMode.String()}
	current, err := e.sup.Inspect(ctx, e.name)
	if err != nil {
		return result, fmt.Errorf("inspect %s: %w", e.name, err)
	}
	result.Previous = e.detector.Detect(current)
	logger := logging.WithContext(ctx, e.logger).With("previous", result.Previous.String(), "reason", opts.Reason)

	if err := e.sup.Remove(ctx, e.nextName); err != nil {
		logger.Warn("remove stale replacement failed", "error", err)
	}
	if !current.Exists {
		result.Duration = time.Since(start)
		return result, nil
	}

	if current.Running {
		if err := e.sup.Interrupt(ctx, e.name); err != nil {
			logger.Warn("interrupt worker failed", "error", err)
		}
		if err := sleepCtx(ctx, e.cfg.StopGrace); err != nil {
			return result, err
		}
		if err := e.sup.Stop(ctx, e.name, e.cfg.StopTimeout); err != nil {
			logger.Warn("stop worker failed", "error", err)
		}
		if err := sleepCtx(ctx, e.cfg.SettleDelay); err != nil {
			return result, err
		}
	}
	if err := e.sup.Remove(ctx, e.name); err != nil {
		return result, fmt.Errorf("remove worker: %w", err)
	}
	result.Changed = true
	result.Duration = time.Since(start)
	logger.Info("relay stopped", "duration_ms", result.Duration.Milliseconds())
	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

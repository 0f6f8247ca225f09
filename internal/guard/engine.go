package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/health"
	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/observability/metrics"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/stat"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultFailThreshold = 3
	DefaultMinDelta      = 40000
	DefaultStableWindow  = 5 * time.Second
	DefaultCooldown      = 60 * time.Second
	DefaultCallTimeout   = 4 * time.Second
	DefaultSwitchTimeout = 30 * time.Second
)

// StatReader fetches the current statistics report.
type StatReader interface {
	Read(ctx context.Context) (stat.Report, error)
}

// Relay is the engine's view of the destination group.
type Relay interface {
	Mode(ctx context.Context) (relay.Mode, error)
	SwitchTo(ctx context.Context, target source.Name, opts relay.SwitchOptions) (relay.GroupResult, error)
	LastActionAt() time.Time
}

// Config tunes the state machine.
type Config struct {
	Sources       source.Set
	PollInterval  time.Duration
	FailThreshold int
	MinDelta      int64
	AutoResume    bool
	StableWindow  time.Duration
	Cooldown      time.Duration
	// ResumeOnlyLast restricts auto-resume to the source that was active
	// before the failover.
	ResumeOnlyLast bool
	// ResumeFromIdle lets idle behave like standby for resume.
	ResumeFromIdle bool
	CallTimeout    time.Duration
	SwitchTimeout  time.Duration
	// Debug logs every source's sample on every tick.
	Debug bool
}

// DefaultConfig returns the stock tuning for sources.
func DefaultConfig(sources source.Set) Config {
	return Config{
		Sources:        sources,
		PollInterval:   DefaultPollInterval,
		FailThreshold:  DefaultFailThreshold,
		MinDelta:       DefaultMinDelta,
		AutoResume:     true,
		StableWindow:   DefaultStableWindow,
		Cooldown:       DefaultCooldown,
		ResumeOnlyLast: true,
		CallTimeout:    DefaultCallTimeout,
		SwitchTimeout:  DefaultSwitchTimeout,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Stats   StatReader
	Relay   Relay
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Engine owns the failover state and runs the tick loop.
type Engine struct {
	cfg       Config
	stats     StatReader
	relay     Relay
	evaluator *health.Evaluator
	metrics   *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	// state is touched only from Init and Tick.
	state        State
	ownAction    bool
	ownGroupAt   time.Time
	ticks        uint64
	resumeNeeded int

	mu       sync.RWMutex
	snapshot Status
}

// New validates cfg and builds an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Stats == nil {
		return nil, errors.New("stat reader is required")
	}
	if deps.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if cfg.Sources.Len() == 0 {
		return nil, errors.New("at least one source is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = DefaultFailThreshold
	}
	if cfg.MinDelta < 0 {
		return nil, fmt.Errorf("min delta must not be negative, got %d", cfg.MinDelta)
	}
	if cfg.StableWindow < 0 || cfg.Cooldown < 0 {
		return nil, errors.New("stable window and cooldown must not be negative")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = DefaultSwitchTimeout
	}
	recorder := deps.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:          cfg,
		stats:        deps.Stats,
		relay:        deps.Relay,
		evaluator:    health.NewEvaluator(cfg.MinDelta),
		metrics:      recorder,
		logger:       logging.WithComponent(logger, "guard"),
		now:          now,
		state:        newState(),
		resumeNeeded: ResumeTicks(cfg.StableWindow, cfg.PollInterval),
	}
	e.publish(TickReport{})
	return e, nil
}

// ResumeTicks is the number of consecutive candidate ticks a source needs
// before it is resumed: ceil(stable/poll), at least one.
func ResumeTicks(stable, poll time.Duration) int {
	if poll <= 0 || stable <= 0 {
		return 1
	}
	n := int((stable + poll - 1) / poll)
	if n < 1 {
		n = 1
	}
	return n
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Init reads the starting mode. A relay already on a source seeds
// LastSelected so a later failover can resume it. An unreadable mode is not
// an error; the first tick that reads a mode adopts it.
func (e *Engine) Init(ctx context.Context) error {
	mode, err := e.readMode(ctx)
	if err != nil {
		e.logger.Warn("initial relay mode unavailable", "error", err)
		e.publish(TickReport{At: e.now(), Mode: relay.UnknownMode, Outcome: OutcomeModeUnknown, Err: err})
		return nil
	}
	e.adopt(mode)
	e.logger.Info("guard initialised",
		"mode", mode.String(),
		"last_selected", string(e.state.LastSelected),
		"fail_threshold", e.cfg.FailThreshold,
		"resume_ticks", e.resumeNeeded,
		"cooldown", e.cfg.Cooldown.String(),
		"auto_resume", e.cfg.AutoResume,
		"resume_only_last", e.cfg.ResumeOnlyLast,
		"resume_from_idle", e.cfg.ResumeFromIdle)
	e.publish(TickReport{At: e.now(), Mode: mode, Outcome: OutcomeSteady})
	return nil
}

// Run calls Init and then ticks every PollInterval until ctx ends. Ticks
// never overlap; a slow tick delays the next one.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		e.Tick(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info("guard stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) readMode(ctx context.Context) (relay.Mode, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	mode, err := e.relay.Mode(ctx)
	if err != nil {
		return relay.UnknownMode, err
	}
	if mode.Kind == relay.KindUnknown {
		return mode, relay.ErrUnknownMode
	}
	return mode, nil
}

func (e *Engine) readStats(ctx context.Context) (stat.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.stats.Read(ctx)
}

// adopt takes mode as the known relay state without counting it as a change.
// A failed own action that left the relay idle keeps its target in Expected.
func (e *Engine) adopt(mode relay.Mode) {
	e.state.Observed = mode
	if !e.retryPending(mode) {
		e.state.Expected = mode
	}
	if mode.IsSource() {
		e.state.LastSelected = mode.Source
	}
}

// retryPending reports whether the engine's own failed action took the relay
// dark and its target still has to be reached.
func (e *Engine) retryPending(mode relay.Mode) bool {
	if !e.state.LastActionFailed || mode.Kind != relay.KindIdle {
		return false
	}
	return e.state.Expected.Kind == relay.KindStandby || e.state.Expected.IsSource()
}

// Tick runs one evaluation. It never returns an error; failures are logged,
// counted and reported in the TickReport.
func (e *Engine) Tick(ctx context.Context) TickReport {
	e.ticks++
	report := TickReport{At: e.now()}
	defer func() {
		e.metrics.ObserveTick(string(report.Outcome))
		e.metrics.SetInactiveStreak(e.state.InactiveStreak)
		e.publish(report)
	}()

	mode, modeErr := e.readMode(ctx)
	statReport, statErr := e.readStats(ctx)
	report.Mode = mode
	report.StatAvailable = statErr == nil
	if statErr == nil {
		report.Samples = e.evaluator.Evaluate(statReport, e.cfg.Sources.Names())
		for name, sample := range report.Samples {
			e.metrics.SetSourceHealth(string(name), verdict(sample.Alive))
		}
	} else {
		reason := "unavailable"
		if errors.Is(statErr, stat.ErrCollaboratorTimeout) || errors.Is(statErr, context.DeadlineExceeded) {
			reason = "timeout"
		}
		e.metrics.ObserveStatFailure(reason)
		for _, name := range e.cfg.Sources.Names() {
			e.metrics.SetSourceHealth(string(name), "unknown")
		}
	}
	e.metrics.SetRelayMode(mode.String())
	if e.cfg.Debug {
		e.debugTick(mode, report.Samples, statErr)
	}

	if modeErr != nil {
		e.resetStreaks()
		report.Outcome = OutcomeModeUnknown
		report.Err = modeErr
		e.logger.Warn("relay mode unknown, holding", "error", modeErr, "observed", e.state.Observed.String())
		return report
	}

	if e.state.LastActionFailed && e.relay.LastActionAt().After(e.ownGroupAt) {
		// Someone else acted after the failure; their result stands.
		e.state.LastActionFailed = false
	}

	switch {
	case e.state.Observed.Kind == relay.KindUnknown || e.ownAction:
		e.ownAction = false
		e.adopt(mode)
	case mode != e.state.Observed && mode != e.state.Expected:
		previous := e.state.Observed
		e.resetStreaks()
		e.state.LastActionFailed = false
		e.adopt(mode)
		e.state.LastActionAt = report.At
		report.Outcome = OutcomeExternalChange
		e.logger.Info("external relay change absorbed", "from", previous.String(), "to", mode.String(), "last_selected", string(e.state.LastSelected))
		return report
	default:
		e.adopt(mode)
	}

	switch {
	case e.retryPending(mode):
		e.tickRetry(ctx, report.Samples, statErr, &report)
	case mode.IsSource():
		e.tickActive(ctx, mode, report.Samples, statErr, &report)
	case mode.Kind == relay.KindStandby || (mode.Kind == relay.KindIdle && e.cfg.ResumeFromIdle):
		e.state.InactiveStreak = 0
		e.tickStandby(ctx, mode, report.Samples, statErr, &report)
	default:
		e.resetStreaks()
		report.Outcome = OutcomeIdle
	}
	return report
}

func (e *Engine) tickActive(ctx context.Context, mode relay.Mode, samples map[source.Name]health.Sample, statErr error, report *TickReport) {
	e.state.ResumeStreak = make(map[source.Name]int)
	if statErr != nil {
		report.Outcome = OutcomeStatUnavailable
		report.Err = statErr
		e.logger.Warn("statistics unavailable, failover suppressed", "error", statErr, "mode", mode.String(), "inactive_streak", e.state.InactiveStreak)
		return
	}

	sample := samples[mode.Source]
	if sample.Alive {
		e.state.InactiveStreak = 0
		report.Outcome = OutcomeSteady
		return
	}

	e.state.InactiveStreak++
	e.logger.Warn("active source unhealthy",
		"source", string(mode.Source),
		"publisher", sample.PublisherPresent,
		"delta", sample.ByteDelta,
		"min_delta", e.cfg.MinDelta,
		"inactive_streak", e.state.InactiveStreak,
		"fail_threshold", e.cfg.FailThreshold)
	if e.state.InactiveStreak < e.cfg.FailThreshold {
		report.Outcome = OutcomeSteady
		return
	}
	if e.state.LastActionFailed && e.inCooldown(report.At) {
		report.Outcome = OutcomeCooldown
		return
	}

	e.state.LastSelected = mode.Source
	reason := fmt.Sprintf("%s stalled for %d ticks", mode.Source, e.state.InactiveStreak)
	e.act(ctx, source.Standby, reason, OutcomeFailover, report)
}

func (e *Engine) tickStandby(ctx context.Context, mode relay.Mode, samples map[source.Name]health.Sample, statErr error, report *TickReport) {
	report.Outcome = OutcomeSteady
	if !e.cfg.AutoResume {
		e.state.ResumeStreak = make(map[source.Name]int)
		return
	}
	if statErr != nil {
		e.state.ResumeStreak = make(map[source.Name]int)
		report.Outcome = OutcomeStatUnavailable
		report.Err = statErr
		e.logger.Warn("statistics unavailable, resume streaks reset", "error", statErr, "mode", mode.String())
		return
	}
	if e.inCooldown(report.At) {
		e.state.ResumeStreak = make(map[source.Name]int)
		report.Outcome = OutcomeCooldown
		return
	}

	for _, name := range e.cfg.Sources.Names() {
		if e.resumeEligible(name) && samples[name].ResumeCandidate {
			e.state.ResumeStreak[name]++
		} else {
			delete(e.state.ResumeStreak, name)
		}
	}

	target, ok := e.pickResume()
	if !ok {
		return
	}
	reason := fmt.Sprintf("%s healthy for %d ticks", target, e.state.ResumeStreak[target])
	if e.act(ctx, target, reason, OutcomeResume, report) {
		e.state.LastSelected = target
	}
}

// tickRetry recovers from a failed switch that left nothing running. A
// pending source is retried only while it still looks healthy; otherwise the
// relay goes to standby.
func (e *Engine) tickRetry(ctx context.Context, samples map[source.Name]health.Sample, statErr error, report *TickReport) {
	e.resetStreaks()
	pending := e.state.Expected
	if e.inCooldown(report.At) {
		report.Outcome = OutcomeCooldown
		return
	}
	target, outcome := source.Standby, OutcomeFailover
	if pending.IsSource() && statErr == nil && samples[pending.Source].ResumeCandidate {
		target, outcome = pending.Source, OutcomeResume
	}
	e.logger.Warn("relay idle after failed switch, retrying", "pending", pending.String(), "target", string(target))
	reason := fmt.Sprintf("retry after failed switch to %s", pending)
	if e.act(ctx, target, reason, outcome, report) && target != source.Standby {
		e.state.LastSelected = target
	}
}

func (e *Engine) resumeEligible(name source.Name) bool {
	if e.cfg.Sources.Key(name) == "" {
		return false
	}
	if e.cfg.ResumeOnlyLast {
		return name == e.state.LastSelected
	}
	return true
}

// pickResume prefers LastSelected and otherwise takes the first qualifying
// source in configured order.
func (e *Engine) pickResume() (source.Name, bool) {
	last := e.state.LastSelected
	if last != "" && e.state.ResumeStreak[last] >= e.resumeNeeded {
		return last, true
	}
	if e.cfg.ResumeOnlyLast {
		return "", false
	}
	for _, name := range e.cfg.Sources.Names() {
		if e.state.ResumeStreak[name] >= e.resumeNeeded {
			return name, true
		}
	}
	return "", false
}

// act executes a switch and reports whether it succeeded. A busy group is
// left alone: whoever holds it will be absorbed on the next tick.
func (e *Engine) act(ctx context.Context, target source.Name, reason string, outcome Outcome, report *TickReport) bool {
	inactive := e.state.InactiveStreak
	streaks := e.resumeStreaks()
	from := e.state.Observed

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SwitchTimeout)
	defer cancel()
	result, err := e.relay.SwitchTo(ctx, target, relay.SwitchOptions{Reason: reason, Trigger: relay.TriggerGuard})
	report.Action = &Action{Target: target, Reason: reason, Changed: result.Changed}

	if errors.Is(err, relay.ErrSwitchBusy) {
		report.Outcome = OutcomeBusy
		report.Err = err
		report.Action.Error = err.Error()
		e.logger.Info("switch skipped, another action in flight", "target", string(target), "reason", reason)
		return false
	}

	e.state.LastActionAt = e.now()
	e.ownGroupAt = e.relay.LastActionAt()
	e.state.Expected = relay.ModeFor(target)
	e.ownAction = true
	e.resetStreaks()

	if err != nil {
		e.state.LastActionFailed = true
		report.Outcome = OutcomeSwitchFailed
		report.Err = err
		report.Action.Error = err.Error()
		e.logger.Error("switch failed",
			"target", string(target),
			"mode", from.String(),
			"reason", reason,
			"inactive_streak", inactive,
			"resume_streaks", streaks,
			"error", err)
		return false
	}
	e.state.LastActionFailed = false
	report.Outcome = outcome
	e.logger.Info("switched",
		"target", string(target),
		"from", from.String(),
		"reason", reason,
		"changed", result.Changed,
		"inactive_streak", inactive,
		"resume_streaks", streaks)
	return true
}

// inCooldown measures from the latest action by anyone, including manual
// switches executed through the group.
func (e *Engine) inCooldown(now time.Time) bool {
	ref := e.state.LastActionAt
	if groupAt := e.relay.LastActionAt(); groupAt.After(ref) {
		ref = groupAt
	}
	if ref.IsZero() {
		return false
	}
	return now.Sub(ref) < e.cfg.Cooldown
}

func (e *Engine) cooldownRemaining(now time.Time) time.Duration {
	ref := e.state.LastActionAt
	if groupAt := e.relay.LastActionAt(); groupAt.After(ref) {
		ref = groupAt
	}
	if ref.IsZero() {
		return 0
	}
	if left := e.cfg.Cooldown - now.Sub(ref); left > 0 {
		return left
	}
	return 0
}

func (e *Engine) resetStreaks() {
	e.state.InactiveStreak = 0
	e.state.ResumeStreak = make(map[source.Name]int)
}

func (e *Engine) resumeStreaks() map[string]int {
	out := make(map[string]int, len(e.state.ResumeStreak))
	for name, n := range e.state.ResumeStreak {
		out[string(name)] = n
	}
	return out
}

func (e *Engine) debugTick(mode relay.Mode, samples map[source.Name]health.Sample, statErr error) {
	if statErr != nil {
		e.logger.Debug("tick", "mode", mode.String(), "stat_error", statErr)
		return
	}
	for _, name := range e.cfg.Sources.Names() {
		s := samples[name]
		e.logger.Debug("tick",
			"mode", mode.String(),
			"source", string(name),
			"publisher", s.PublisherPresent,
			"delta", s.ByteDelta,
			"bytes_in", s.BytesIn,
			"alive", s.Alive,
			"resume_candidate", s.ResumeCandidate,
			"inactive_streak", e.state.InactiveStreak,
			"resume_streak", e.state.ResumeStreak[name])
	}
}

func verdict(alive bool) string {
	if alive {
		return "alive"
	}
	return "dead"
}

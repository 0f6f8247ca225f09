package guard

import (
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/health"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/source"
)

// State is the mutable failover state owned by the tick loop.
type State struct {
	InactiveStreak   int
	ResumeStreak     map[source.Name]int
	LastSelected     source.Name
	LastActionAt     time.Time
	LastActionFailed bool
	// Observed is the last known relay mode. Expected is where the engine's
	// own last action pointed the relay; it outlives a failed action that
	// left the relay idle until the retry lands.
	Observed relay.Mode
	Expected relay.Mode
}

func newState() State {
	return State{
		ResumeStreak: make(map[source.Name]int),
		Observed:     relay.UnknownMode,
		Expected:     relay.UnknownMode,
	}
}

// Outcome names what a tick did.
type Outcome string

const (
	OutcomeSteady          Outcome = "ok"
	OutcomeIdle            Outcome = "idle"
	OutcomeStatUnavailable Outcome = "stat_unavailable"
	OutcomeModeUnknown     Outcome = "mode_unknown"
	OutcomeExternalChange  Outcome = "external_change"
	OutcomeCooldown        Outcome = "cooldown"
	OutcomeFailover        Outcome = "failover"
	OutcomeResume          Outcome = "resume"
	OutcomeSwitchFailed    Outcome = "switch_failed"
	OutcomeBusy            Outcome = "busy"
)

// Action is the switch a tick attempted.
type Action struct {
	Target  source.Name `json:"target"`
	Reason  string      `json:"reason"`
	Changed bool        `json:"changed"`
	Error   string      `json:"error,omitempty"`
}

// TickReport summarises one tick.
type TickReport struct {
	At            time.Time
	Mode          relay.Mode
	Outcome       Outcome
	StatAvailable bool
	Samples       map[source.Name]health.Sample
	Action        *Action
	Err           error
}

// Status is a read-only copy of the engine state for the control surface.
type Status struct {
	Mode              relay.Mode               `json:"mode"`
	InactiveStreak    int                      `json:"inactiveStreak"`
	FailThreshold     int                      `json:"failThreshold"`
	ResumeStreaks     map[string]int           `json:"resumeStreaks"`
	ResumeNeeded      int                      `json:"resumeNeeded"`
	LastSelected      string                   `json:"lastSelected,omitempty"`
	LastActionAt      *time.Time               `json:"lastActionAt,omitempty"`
	LastActionFailed  bool                     `json:"lastActionFailed"`
	PendingTarget     string                   `json:"pendingTarget,omitempty"`
	CooldownRemaining string                   `json:"cooldownRemaining"`
	AutoResume        bool                     `json:"autoResume"`
	ResumeOnlyLast    bool                     `json:"resumeOnlyLast"`
	ResumeFromIdle    bool                     `json:"resumeFromIdle"`
	StatAvailable     bool                     `json:"statAvailable"`
	Ticks             uint64                   `json:"ticks"`
	LastTickAt        *time.Time               `json:"lastTickAt,omitempty"`
	LastOutcome       string                   `json:"lastOutcome,omitempty"`
	LastError         string                   `json:"lastError,omitempty"`
	LastAction        *Action                  `json:"lastAction,omitempty"`
	Samples           map[string]health.Sample `json:"samples,omitempty"`
}

// Status returns the state as of the end of the latest tick.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.snapshot
	out.ResumeStreaks = copyMap(e.snapshot.ResumeStreaks)
	out.Samples = copyMap(e.snapshot.Samples)
	if out.LastAction != nil {
		action := *out.LastAction
		out.LastAction = &action
	}
	return out
}

func (e *Engine) publish(report TickReport) {
	st := Status{
		Mode:              e.state.Observed,
		InactiveStreak:    e.state.InactiveStreak,
		FailThreshold:     e.cfg.FailThreshold,
		ResumeStreaks:     e.resumeStreaks(),
		ResumeNeeded:      e.resumeNeeded,
		LastSelected:      string(e.state.LastSelected),
		LastActionFailed:  e.state.LastActionFailed,
		CooldownRemaining: e.cooldownRemaining(e.now()).Round(time.Second).String(),
		AutoResume:        e.cfg.AutoResume,
		ResumeOnlyLast:    e.cfg.ResumeOnlyLast,
		ResumeFromIdle:    e.cfg.ResumeFromIdle,
		StatAvailable:     report.StatAvailable,
		Ticks:             e.ticks,
		LastOutcome:       string(report.Outcome),
	}
	if e.retryPending(e.state.Observed) {
		st.PendingTarget = e.state.Expected.String()
	}
	if !e.state.LastActionAt.IsZero() {
		at := e.state.LastActionAt
		st.LastActionAt = &at
	}
	if !report.At.IsZero() {
		at := report.At
		st.LastTickAt = &at
	}
	if report.Err != nil {
		st.LastError = report.Err.Error()
	}
	if len(report.Samples) > 0 {
		st.Samples = make(map[string]health.Sample, len(report.Samples))
		for name, sample := range report.Samples {
			st.Samples[string(name)] = sample
		}
	}

	e.mu.Lock()
	if report.Action == nil && e.snapshot.LastAction != nil {
		st.LastAction = e.snapshot.LastAction
	} else {
		st.LastAction = report.Action
	}
	e.snapshot = st
	e.mu.Unlock()
}

func copyMap[V any](in map[string]V) map[string]V {
	if in == nil {
		return nil
	}
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

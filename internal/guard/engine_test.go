package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/observability/metrics"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/stat"
)

var testSources = source.MustSet(
	source.Source{Name: "dennis", Key: "k1"},
	source.Source{Name: "auria", Key: "k2"},
	source.Source{Name: "mobil"},
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeStats struct {
	snaps map[source.Name]stat.Snapshot
	err   error
}

func newFakeStats() *fakeStats {
	return &fakeStats{snaps: make(map[source.Name]stat.Snapshot)}
}

// step marks the named sources as publishing with fresh bytes and every
// other source as gone.
func (f *fakeStats) step(alive ...source.Name) {
	f.err = nil
	live := make(map[source.Name]bool, len(alive))
	for _, name := range alive {
		live[name] = true
	}
	for _, name := range testSources.Names() {
		snap := f.snaps[name]
		snap.PublisherPresent = live[name]
		if live[name] {
			snap.BytesIn += 100000
		}
		f.snaps[name] = snap
	}
}

func (f *fakeStats) Read(ctx context.Context) (stat.Report, error) {
	if f.err != nil {
		return stat.Report{}, f.err
	}
	out := make(map[source.Name]stat.Snapshot, len(f.snaps))
	for k, v := range f.snaps {
		out[k] = v
	}
	return stat.Report{Sources: out}, nil
}

type fakeRelay struct {
	clock     *clock
	mode      relay.Mode
	modeErr   error
	switchErr error
	switches  []source.Name
	last      time.Time
}

func (f *fakeRelay) Mode(context.Context) (relay.Mode, error) {
	if f.modeErr != nil {
		return relay.UnknownMode, f.modeErr
	}
	return f.mode, nil
}

func (f *fakeRelay) SwitchTo(_ context.Context, target source.Name, _ relay.SwitchOptions) (relay.GroupResult, error) {
	f.switches = append(f.switches, target)
	if errors.Is(f.switchErr, relay.ErrSwitchBusy) {
		return relay.GroupResult{Target: string(target)}, f.switchErr
	}
	f.last = f.clock.now()
	if f.switchErr != nil {
		return relay.GroupResult{Target: string(target)}, f.switchErr
	}
	f.mode = relay.ModeFor(target)
	return relay.GroupResult{Target: string(target), Changed: true}, nil
}

func (f *fakeRelay) LastActionAt() time.Time { return f.last }

type harness struct {
	t      *testing.T
	clock  *clock
	stats  *fakeStats
	relay  *fakeRelay
	engine *Engine
}

func testConfig() Config {
	cfg := DefaultConfig(testSources)
	cfg.PollInterval = time.Second
	cfg.StableWindow = 3 * time.Second
	cfg.Cooldown = 10 * time.Second
	cfg.FailThreshold = 3
	cfg.MinDelta = 1000
	return cfg
}

func newHarness(t *testing.T, cfg Config, start relay.Mode) *harness {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
	stats := newFakeStats()
	rel := &fakeRelay{clock: c, mode: start}
	engine, err := New(cfg, Deps{Stats: stats, Relay: rel, Metrics: metrics.New(), Logger: logging.Discard(), Now: c.now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return &harness{t: t, clock: c, stats: stats, relay: rel, engine: engine}
}

// tick advances the clock by one poll, sets which sources are alive and runs
// one tick.
func (h *harness) tick(alive ...source.Name) TickReport {
	h.clock.advance(h.engine.cfg.PollInterval)
	h.stats.step(alive...)
	return h.engine.Tick(context.Background())
}

func (h *harness) expectSwitches(want ...source.Name) {
	h.t.Helper()
	if len(h.relay.switches) != len(want) {
		h.t.Fatalf("expected switches %v, got %v", want, h.relay.switches)
	}
	for i := range want {
		if h.relay.switches[i] != want[i] {
			h.t.Fatalf("expected switches %v, got %v", want, h.relay.switches)
		}
	}
}

// failover drives dennis into standby.
func (h *harness) failover() {
	h.t.Helper()
	for i := 0; i < h.engine.cfg.FailThreshold; i++ {
		h.tick()
	}
	h.expectSwitches(source.Standby)
}

func TestResumeTicks(t *testing.T) {
	cases := []struct {
		stable, poll time.Duration
		want         int
	}{
		{5 * time.Second, 5 * time.Second, 1},
		{6 * time.Second, 5 * time.Second, 2},
		{15 * time.Second, 5 * time.Second, 3},
		{0, 5 * time.Second, 1},
		{time.Second, 5 * time.Second, 1},
	}
	for _, tc := range cases {
		if got := ResumeTicks(tc.stable, tc.poll); got != tc.want {
			t.Fatalf("ResumeTicks(%s, %s) = %d, want %d", tc.stable, tc.poll, got, tc.want)
		}
	}
}

func TestHealthySourceNeverFailsOver(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	for i := 0; i < 20; i++ {
		report := h.tick("dennis")
		if report.Outcome != OutcomeSteady {
			t.Fatalf("tick %d: expected steady outcome, got %s", i, report.Outcome)
		}
	}
	h.expectSwitches()
	if st := h.engine.Status(); st.InactiveStreak != 0 || st.LastSelected != "dennis" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestFailoverExactlyOnceAfterThreshold(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))

	h.tick("auria")
	h.tick("auria")
	h.expectSwitches()
	if got := h.engine.Status().InactiveStreak; got != 2 {
		t.Fatalf("expected inactive streak 2, got %d", got)
	}

	report := h.tick("auria")
	if report.Outcome != OutcomeFailover || report.Action == nil || report.Action.Target != source.Standby {
		t.Fatalf("expected failover, got %+v", report)
	}
	h.expectSwitches(source.Standby)
	st := h.engine.Status()
	if st.InactiveStreak != 0 || st.LastSelected != "dennis" {
		t.Fatalf("expected reset streak and dennis remembered, got %+v", st)
	}

	for i := 0; i < 10; i++ {
		h.tick()
	}
	h.expectSwitches(source.Standby)
}

func TestCounterResetIsNotAFailure(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.tick("dennis")
	h.tick("dennis")

	for i := 0; i < 5; i++ {
		h.clock.advance(time.Second)
		h.stats.snaps["dennis"] = stat.Snapshot{PublisherPresent: true, BytesIn: 10 + uint64(i)*100000}
		report := h.engine.Tick(context.Background())
		if i == 0 && !report.Samples["dennis"].Alive {
			t.Fatalf("expected counter reset to read as alive")
		}
	}
	h.expectSwitches()
}

func TestResumeLastSelectedAfterCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.failover()
	failoverAt := h.clock.now()

	var resumedAt time.Time
	for i := 0; i < 30 && resumedAt.IsZero(); i++ {
		report := h.tick("dennis")
		if report.Outcome == OutcomeResume {
			resumedAt = report.At
		}
	}
	if resumedAt.IsZero() {
		t.Fatalf("expected dennis to be resumed")
	}
	h.expectSwitches(source.Standby, "dennis")
	if earliest := failoverAt.Add(10*time.Second + 2*time.Second); resumedAt.Before(earliest) {
		t.Fatalf("resumed at %s, before cooldown and stable window allowed (%s)", resumedAt, earliest)
	}

	for i := 0; i < 10; i++ {
		h.tick("dennis")
	}
	h.expectSwitches(source.Standby, "dennis")
}

func TestResumeOnlyLastIgnoresOtherHealthySources(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.failover()
	for i := 0; i < 40; i++ {
		h.tick("auria")
	}
	h.expectSwitches(source.Standby)
	if st := h.engine.Status(); len(st.ResumeStreaks) != 0 {
		t.Fatalf("expected no resume streaks for ineligible sources, got %v", st.ResumeStreaks)
	}
}

func TestResumeAnyPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeOnlyLast = false

	t.Run("last selected wins", func(t *testing.T) {
		h := newHarness(t, cfg, relay.SourceMode("auria"))
		h.failover()
		for i := 0; i < 30 && len(h.relay.switches) < 2; i++ {
			h.tick("dennis", "auria")
		}
		h.expectSwitches(source.Standby, "auria")
	})

	t.Run("enumeration order otherwise", func(t *testing.T) {
		h := newHarness(t, cfg, relay.SourceMode("auria"))
		h.failover()
		for i := 0; i < 30 && len(h.relay.switches) < 2; i++ {
			h.tick("dennis", "mobil")
		}
		h.expectSwitches(source.Standby, "dennis")
	})

	t.Run("sources without a key are never resumed", func(t *testing.T) {
		h := newHarness(t, cfg, relay.SourceMode("auria"))
		h.failover()
		for i := 0; i < 30; i++ {
			h.tick("mobil")
		}
		h.expectSwitches(source.Standby)
	})
}

func TestIdleNeverResumesByDefault(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeOnlyLast = false
	h := newHarness(t, cfg, relay.IdleMode)
	for i := 0; i < 50; i++ {
		report := h.tick("dennis", "auria")
		if report.Outcome != OutcomeIdle {
			t.Fatalf("expected idle outcome, got %s", report.Outcome)
		}
	}
	h.expectSwitches()
}

func TestResumeFromIdleWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeOnlyLast = false
	cfg.ResumeFromIdle = true
	h := newHarness(t, cfg, relay.IdleMode)
	for i := 0; i < 5 && len(h.relay.switches) == 0; i++ {
		h.tick("auria")
	}
	h.expectSwitches("auria")
}

func TestAutoResumeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoResume = false
	h := newHarness(t, cfg, relay.SourceMode("dennis"))
	h.failover()
	for i := 0; i < 40; i++ {
		h.tick("dennis")
	}
	h.expectSwitches(source.Standby)
}

func TestStatUnavailableSuppressesFailover(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.tick()
	h.tick()

	for i := 0; i < 5; i++ {
		h.clock.advance(time.Second)
		h.stats.err = stat.ErrStatUnavailable
		report := h.engine.Tick(context.Background())
		if report.Outcome != OutcomeStatUnavailable || report.StatAvailable {
			t.Fatalf("expected stat unavailable outcome, got %+v", report)
		}
	}
	h.expectSwitches()
	if got := h.engine.Status().InactiveStreak; got != 2 {
		t.Fatalf("expected inactive streak to hold at 2, got %d", got)
	}

	h.tick()
	h.expectSwitches(source.Standby)
}

func TestStatUnavailableResetsResumeStreaks(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.failover()
	h.clock.advance(20 * time.Second)

	h.tick("dennis")
	h.tick("dennis")
	if got := h.engine.Status().ResumeStreaks["dennis"]; got != 2 {
		t.Fatalf("expected resume streak 2, got %d", got)
	}
	h.clock.advance(time.Second)
	h.stats.err = stat.ErrCollaboratorTimeout
	h.engine.Tick(context.Background())
	if got := h.engine.Status().ResumeStreaks["dennis"]; got != 0 {
		t.Fatalf("expected resume streak reset, got %d", got)
	}
	h.tick("dennis")
	h.tick("dennis")
	h.expectSwitches(source.Standby)
	h.tick("dennis")
	h.expectSwitches(source.Standby, "dennis")
}

func TestUnknownModeTakesNoAction(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.tick()
	h.tick()

	h.relay.modeErr = relay.ErrCollaboratorTimeout
	for i := 0; i < 5; i++ {
		report := h.tick()
		if report.Outcome != OutcomeModeUnknown {
			t.Fatalf("expected mode unknown outcome, got %s", report.Outcome)
		}
	}
	h.expectSwitches()
	st := h.engine.Status()
	if st.InactiveStreak != 0 || st.Mode != relay.SourceMode("dennis") {
		t.Fatalf("expected reset streak and unchanged observed mode, got %+v", st)
	}

	h.relay.modeErr = nil
	h.relay.mode = relay.UnknownMode
	if report := h.tick(); report.Outcome != OutcomeModeUnknown {
		t.Fatalf("expected unrecognised worker to hold, got %s", report.Outcome)
	}
	h.expectSwitches()
}

func TestExternalChangeIsAbsorbed(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.failover()
	h.tick()

	h.relay.mode = relay.SourceMode("auria")
	report := h.tick("auria")
	if report.Outcome != OutcomeExternalChange {
		t.Fatalf("expected external change, got %s", report.Outcome)
	}
	st := h.engine.Status()
	if st.LastSelected != "auria" || st.InactiveStreak != 0 || st.LastActionAt == nil || !st.LastActionAt.Equal(report.At) {
		t.Fatalf("unexpected status after absorption %+v", st)
	}

	for i := 0; i < 3; i++ {
		h.tick("dennis")
	}
	h.expectSwitches(source.Standby, source.Standby)
	if got := h.engine.Status().LastSelected; got != "auria" {
		t.Fatalf("expected auria remembered, got %s", got)
	}
}

func TestManualSwitchStartsCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.failover()
	h.clock.advance(time.Minute)

	// A manual restart of standby leaves the mode unchanged but still counts.
	h.relay.last = h.clock.now()
	for i := 0; i < 5; i++ {
		if report := h.tick("dennis"); report.Outcome != OutcomeCooldown {
			t.Fatalf("expected cooldown after manual action, got %s", report.Outcome)
		}
	}
	h.expectSwitches(source.Standby)
}

func TestFailedFailoverRetriesAfterCooldown(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.relay.switchErr = relay.ErrSwitchStartFailed

	for i := 0; i < 3; i++ {
		h.tick()
	}
	h.expectSwitches(source.Standby)
	st := h.engine.Status()
	if !st.LastActionFailed || st.LastOutcome != string(OutcomeSwitchFailed) || st.LastActionAt == nil {
		t.Fatalf("expected failed action to be recorded, got %+v", st)
	}

	for i := 0; i < 5; i++ {
		h.tick()
	}
	h.expectSwitches(source.Standby)

	h.relay.switchErr = nil
	for i := 0; i < 10 && len(h.relay.switches) < 2; i++ {
		h.tick()
	}
	h.expectSwitches(source.Standby, source.Standby)
	if h.engine.Status().LastActionFailed {
		t.Fatalf("expected success to clear the failure flag")
	}
}

func TestFailedResumeThatLeftRelayIdleIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.failover()

	h.relay.switchErr = relay.ErrSwitchStartFailed
	for i := 0; i < 20 && len(h.relay.switches) < 2; i++ {
		h.tick("dennis")
	}
	h.expectSwitches(source.Standby, "dennis")
	h.relay.mode = relay.IdleMode
	h.relay.switchErr = nil

	if report := h.tick("dennis"); report.Outcome != OutcomeCooldown {
		t.Fatalf("expected retry to wait for cooldown, got %s", report.Outcome)
	}
	if got := h.engine.Status().PendingTarget; got != "dennis" {
		t.Fatalf("expected dennis pending, got %q", got)
	}
	var report TickReport
	for i := 0; i < 20 && len(h.relay.switches) < 3; i++ {
		report = h.tick("dennis")
	}
	h.expectSwitches(source.Standby, "dennis", "dennis")
	if report.Outcome != OutcomeResume {
		t.Fatalf("expected resume outcome, got %s", report.Outcome)
	}
}

func TestOperatorActionCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.relay.switchErr = relay.ErrSwitchStartFailed
	h.failover()
	h.relay.mode = relay.IdleMode
	h.relay.switchErr = nil

	if report := h.tick(); report.Outcome != OutcomeCooldown {
		t.Fatalf("expected pending retry in cooldown, got %s", report.Outcome)
	}

	// An operator stops the relay while the retry is pending.
	h.relay.last = h.clock.now()
	for i := 0; i < 20; i++ {
		if report := h.tick(); report.Outcome != OutcomeIdle {
			t.Fatalf("tick %d: expected idle after operator stop, got %s", i, report.Outcome)
		}
	}
	h.expectSwitches(source.Standby)
	if st := h.engine.Status(); st.LastActionFailed || st.PendingTarget != "" {
		t.Fatalf("expected operator action to supersede the failure, got %+v", st)
	}
}

func TestBusyGroupIsNotAnAction(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.relay.switchErr = relay.ErrSwitchBusy
	h.tick()
	h.tick()
	report := h.tick()
	if report.Outcome != OutcomeBusy {
		t.Fatalf("expected busy outcome, got %s", report.Outcome)
	}
	st := h.engine.Status()
	if st.LastActionAt != nil || st.LastActionFailed {
		t.Fatalf("expected busy attempt to leave action state alone, got %+v", st)
	}
	h.relay.switchErr = nil
	h.tick()
	h.expectSwitches(source.Standby, source.Standby)
}

func TestStatusIsACopy(t *testing.T) {
	h := newHarness(t, testConfig(), relay.SourceMode("dennis"))
	h.tick("dennis")
	st := h.engine.Status()
	st.Samples["dennis"] = st.Samples["auria"]
	if !h.engine.Status().Samples["dennis"].Alive {
		t.Fatalf("mutating a status copy leaked into the engine")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(testConfig(), Deps{Relay: &fakeRelay{}}); err == nil {
		t.Fatalf("expected missing stats error")
	}
	if _, err := New(testConfig(), Deps{Stats: newFakeStats()}); err == nil {
		t.Fatalf("expected missing relay error")
	}
	cfg := testConfig()
	cfg.MinDelta = -1
	if _, err := New(cfg, Deps{Stats: newFakeStats(), Relay: &fakeRelay{}}); err == nil {
		t.Fatalf("expected negative min delta error")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	stats := newFakeStats()
	stats.step("dennis")
	rel := &fakeRelay{clock: &clock{t: time.Now()}, mode: relay.SourceMode("dennis")}
	engine, err := New(cfg, Deps{Stats: stats, Relay: rel, Metrics: metrics.New(), Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := engine.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if engine.Status().Ticks == 0 {
		t.Fatalf("expected at least one tick")
	}
}

package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// SwitchLabel identifies a relay switch outcome.
type SwitchLabel struct {
	Trigger string
	Target  string
	Status  string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, guard
// ticks, relay switches and per-source liveness. Maps are guarded by a RWMutex;
// the inactive streak is an atomic gauge.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	ticks           map[string]uint64
	switches        map[SwitchLabel]uint64
	sourceHealth    map[string]float64
	statFailures    map[string]uint64
	relayMode       string
	inactiveStreak  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		ticks:           make(map[string]uint64),
		switches:        make(map[SwitchLabel]uint64),
		sourceHealth:    make(map[string]float64),
		statFailures:    make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method, path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveTick counts a guard tick by outcome (e.g. "ok", "stat_unavailable",
// "mode_unknown", "failover", "resume", "switch_failed").
func (r *Recorder) ObserveTick(outcome string) {
	r.mu.Lock()
	r.ticks[normalizeName(outcome)]++
	r.mu.Unlock()
}

// ObserveSwitch counts an executed relay action.
func (r *Recorder) ObserveSwitch(trigger, target, status string) {
	label := SwitchLabel{
		Trigger: normalizeName(trigger),
		Target:  normalizeName(target),
		Status:  normalizeName(status),
	}
	r.mu.Lock()
	r.switches[label]++
	r.mu.Unlock()
}

// ObserveStatFailure counts a failed statistics read by reason.
func (r *Recorder) ObserveStatFailure(reason string) {
	r.mu.Lock()
	r.statFailures[normalizeName(reason)]++
	r.mu.Unlock()
}

// SetSourceHealth maps a liveness verdict to 1 (alive), 0 (dead) or -1
// (unknown) for the named source.
func (r *Recorder) SetSourceHealth(source, state string) {
	value := -1.0
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "alive", "ok":
		value = 1
	case "dead", "stalled":
		value = 0
	}
	r.mu.Lock()
	r.sourceHealth[normalizeName(source)] = value
	r.mu.Unlock()
}

// SetRelayMode records the relay mode observed on the latest tick.
func (r *Recorder) SetRelayMode(mode string) {
	r.mu.Lock()
	r.relayMode = normalizeName(mode)
	r.mu.Unlock()
}

// SetInactiveStreak stores the current inactive streak of the active source.
func (r *Recorder) SetInactiveStreak(streak int) {
	if streak < 0 {
		streak = 0
	}
	r.inactiveStreak.Store(int64(streak))
}

// SwitchCounts returns a copy of the switch counters.
func (r *Recorder) SwitchCounts() map[SwitchLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[SwitchLabel]uint64, len(r.switches))
	for k, v := range r.switches {
		out[k] = v
	}
	return out
}

// TickCounts returns a copy of the tick counters.
func (r *Recorder) TickCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.ticks))
	for k, v := range r.ticks {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.ticks = make(map[string]uint64)
	r.switches = make(map[SwitchLabel]uint64)
	r.sourceHealth = make(map[string]float64)
	r.statFailures = make(map[string]uint64)
	r.relayMode = ""
	r.inactiveStreak.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP relay_http_requests_total Total number of HTTP requests processed by the control surface")
	fmt.Fprintln(w, "# TYPE relay_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP relay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "relay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP relay_guard_ticks_total Guard evaluation ticks by outcome")
	fmt.Fprintln(w, "# TYPE relay_guard_ticks_total counter")
	for _, outcome := range sortedKeys(r.ticks) {
		fmt.Fprintf(w, "relay_guard_ticks_total{outcome=\"%s\"} %d\n", outcome, r.ticks[outcome])
	}

	fmt.Fprintln(w, "# HELP relay_switches_total Relay actions by trigger, target and status")
	fmt.Fprintln(w, "# TYPE relay_switches_total counter")
	for _, label := range r.sortedSwitchLabels() {
		fmt.Fprintf(w, "relay_switches_total{trigger=\"%s\",target=\"%s\",status=\"%s\"} %d\n", label.Trigger, label.Target, label.Status, r.switches[label])
	}

	fmt.Fprintln(w, "# HELP relay_stat_failures_total Failed statistics reads by reason")
	fmt.Fprintln(w, "# TYPE relay_stat_failures_total counter")
	for _, reason := range sortedKeys(r.statFailures) {
		fmt.Fprintf(w, "relay_stat_failures_total{reason=\"%s\"} %d\n", reason, r.statFailures[reason])
	}

	fmt.Fprintln(w, "# HELP relay_source_health Liveness of each source (1=alive,0=dead,-1=unknown)")
	fmt.Fprintln(w, "# TYPE relay_source_health gauge")
	for _, source := range sortedKeys(r.sourceHealth) {
		fmt.Fprintf(w, "relay_source_health{source=\"%s\"} %f\n", source, r.sourceHealth[source])
	}

	fmt.Fprintln(w, "# HELP relay_mode Relay mode observed on the latest tick")
	fmt.Fprintln(w, "# TYPE relay_mode gauge")
	if r.relayMode != "" {
		fmt.Fprintf(w, "relay_mode{mode=\"%s\"} 1\n", r.relayMode)
	}

	fmt.Fprintln(w, "# HELP relay_inactive_streak Consecutive dead ticks of the active source")
	fmt.Fprintln(w, "# TYPE relay_inactive_streak gauge")
	fmt.Fprintf(w, "relay_inactive_streak %d\n", r.inactiveStreak.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSwitchLabels() []SwitchLabel {
	labels := make([]SwitchLabel, 0, len(r.switches))
	for label := range r.switches {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Trigger != labels[j].Trigger {
			return labels[i].Trigger < labels[j].Trigger
		}
		if labels[i].Target != labels[j].Target {
			return labels[i].Target < labels[j].Target
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses the free-form segment of the publish hook so
// per-application paths do not explode label cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasPrefix(path, "/auth/") {
		return "/auth/:app"
	}
	if strings.HasSuffix(path, "/") && len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

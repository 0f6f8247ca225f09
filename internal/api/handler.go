package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/guard"
	"github.com/DerBlackAngel/stream-relay/internal/journal"
	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/stat"
)

const (
	defaultLogLines      = 200
	maxLogLines          = 500
	whoLogLines          = 80
	defaultHistoryLimit  = 50
	defaultSwitchTimeout = 30 * time.Second
	confirmTimeout       = 4 * time.Second
)

// ServiceInfo identifies the process on /health.
type ServiceInfo struct {
	Name     string `json:"service"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}

// StatReader reads the ingest statistics.
type StatReader interface {
	Read(ctx context.Context) (stat.Report, error)
}

// GuardStatus exposes the failover engine's state.
type GuardStatus interface {
	Status() guard.Status
}

// HealthCheck is one component probed by /healthz.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

// Handler serves the control surface.
type Handler struct {
	Service       ServiceInfo
	Sources       source.Set
	Relay         *relay.Group
	Stats         StatReader
	Guard         GuardStatus
	Journal       journal.Store
	Checks        []HealthCheck
	SwitchTimeout time.Duration
	Logger        *slog.Logger
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

// reasonFor maps an error to the stable reason code clients switch on.
func reasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, source.ErrUnknownSource), errors.Is(err, relay.ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, relay.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, relay.ErrSwitchBusy):
		return "busy"
	case errors.Is(err, relay.ErrSwitchReadinessTimeout):
		return "readiness_timeout"
	case errors.Is(err, relay.ErrSwitchStartFailed):
		return "start_failed"
	case errors.Is(err, relay.ErrCollaboratorTimeout), errors.Is(err, stat.ErrCollaboratorTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, stat.ErrStatUnavailable):
		return "stat_unavailable"
	case errors.Is(err, relay.ErrUnknownMode):
		return "unknown_mode"
	}
	return ""
}

// statusFor picks the HTTP status for a relay action error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, source.ErrUnknownSource), errors.Is(err, relay.ErrInvalidTarget), errors.Is(err, relay.ErrMissingCredential):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrSwitchBusy):
		return http.StatusConflict
	case errors.Is(err, relay.ErrSwitchReadinessTimeout), errors.Is(err, relay.ErrCollaboratorTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) switchTimeout() time.Duration {
	if h.SwitchTimeout > 0 {
		return h.SwitchTimeout
	}
	return defaultSwitchTimeout
}

// Health reports process identity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		ServiceInfo
	}{OK: true, ServiceInfo: h.Service})
}

// Healthz probes every collaborator and degrades to 503 when one fails.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, "GET, HEAD")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	components, overall, code := h.componentHealth(ctx)
	writeJSON(w, code, map[string]interface{}{
		"ok":         code == http.StatusOK,
		"status":     overall,
		"components": components,
	})
}

// Current reports the relay mode and the primary worker.
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	type destination struct {
		Name    string `json:"name"`
		Worker  string `json:"worker"`
		Mode    string `json:"mode"`
		Running bool   `json:"running"`
		State   string `json:"state,omitempty"`
		Error   string `json:"error,omitempty"`
	}

	mode, status, err := h.Relay.Inspect(r.Context())
	if err != nil {
		h.logger(r).Warn("inspect relay failed", "error", err)
	}
	masker := h.Relay.Primary().Masker()
	var dests []destination
	for _, exec := range h.Relay.Executors() {
		d := destination{Name: exec.Destination().Name, Worker: exec.Name()}
		m, st, inspectErr := exec.Mode(r.Context())
		d.Mode, d.Running, d.State = m.String(), st.Running, st.State
		if inspectErr != nil {
			d.Error = masker.Mask(inspectErr.Error())
		}
		dests = append(dests, d)
	}

	command := masker.Mask(status.CommandLine())
	status.Command = strings.Fields(command)
	payload := map[string]interface{}{
		"ok":           err == nil,
		"mode":         mode,
		"target":       mode.String(),
		"command":      command,
		"container":    status,
		"destinations": dests,
	}
	if err != nil {
		payload["error"] = masker.Mask(err.Error())
		payload["reason"] = reasonFor(err)
	}
	writeJSON(w, http.StatusOK, payload)
}

// SourceStatus lists each source's publisher, clients and byte counters.
func (h *Handler) SourceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	report, err := h.Stats.Read(r.Context())
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, stat.ErrCollaboratorTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}
	type sourceStatus struct {
		Name      string `json:"name"`
		Publisher bool   `json:"publisher"`
		Clients   int    `json:"clients"`
		BytesIn   uint64 `json:"bytesIn"`
		BytesOut  uint64 `json:"bytesOut"`
		HasKey    bool   `json:"hasKey"`
	}
	out := make([]sourceStatus, 0, h.Sources.Len())
	for _, name := range h.Sources.Names() {
		snap := report.Get(name)
		out = append(out, sourceStatus{
			Name:      string(name),
			Publisher: snap.PublisherPresent,
			Clients:   snap.Clients,
			BytesIn:   snap.BytesIn,
			BytesOut:  snap.BytesOut,
			HasKey:    h.Sources.Key(name) != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"sources": out,
		"readAt":  report.ReadAt,
	})
}

// GuardState returns the failover engine snapshot.
func (h *Handler) GuardState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if h.Guard == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("guard not running"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "guard": h.Guard.Status()})
}

// History lists recent relay actions, newest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(parsed, maxLogLines)
	}
	entries, err := h.Journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "entries": entries})
}

// Who shows the primary worker and the tail of its output.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	primary := h.Relay.Primary()
	mode, status, err := primary.Mode(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	line := "(no relay worker)"
	if status.Exists {
		line = fmt.Sprintf("%s %s %s %s", status.Name, status.State, status.Image, primary.Masker().Mask(status.CommandLine()))
		line = strings.Join(strings.Fields(line), " ")
	}
	var logs string
	if status.Exists {
		logs, err = primary.TailLogs(r.Context(), whoLogLines)
		if err != nil {
			h.logger(r).Warn("tail relay logs failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"mode":      mode.String(),
		"container": line,
		"logs":      logs,
	})
}

// LogTail returns the masked plain-text output tail of the primary worker.
func (h *Handler) LogTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	lines := clampLines(r.URL.Query().Get("lines"))
	logs, err := h.Relay.Primary().TailLogs(r.Context(), lines)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logs))
}

func clampLines(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultLogLines
	}
	return max(1, min(n, maxLogLines))
}

type switchRequest struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// actionResponse reports an executed action. Confirmed is set only when the
// relay mode read back afterwards matches the target.
type actionResponse struct {
	OK        bool           `json:"ok"`
	Target    string         `json:"target"`
	Mode      string         `json:"mode"`
	Confirmed bool           `json:"confirmed"`
	Reason    string         `json:"reason,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	Changed   bool           `json:"changed"`
	Results   []relay.Result `json:"results"`
}

// Switch moves the relay to a source or to standby.
func (h *Handler) Switch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	var req switchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	target, err := h.Sources.Parse(req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual switch"
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.switchTimeout())
	defer cancel()
	result, err := h.Relay.SwitchTo(ctx, target, relay.SwitchOptions{Reason: reason, Trigger: relay.TriggerManual, Force: req.Force})
	h.respondAction(ctx, w, r, result, err)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// Stop gracefully stops every destination, leaving the relay idle.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	var req stopRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual stop"
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.switchTimeout())
	defer cancel()
	result, err := h.Relay.Stop(ctx, relay.SwitchOptions{Reason: reason, Trigger: relay.TriggerManual})
	h.respondAction(ctx, w, r, result, err)
}

func (h *Handler) respondAction(ctx context.Context, w http.ResponseWriter, r *http.Request, result relay.GroupResult, err error) {
	masker := h.Relay.Primary().Masker()
	if err != nil {
		h.logger(r).Warn("relay action failed", "target", result.Target, "error", masker.Mask(err.Error()))
		body := errorResponse{Error: masker.Mask(err.Error()), Reason: reasonFor(err)}
		var readiness *relay.ReadinessTimeoutError
		if errors.As(err, &readiness) {
			body.Logs = readiness.Logs
		}
		writeJSON(w, statusFor(err), body)
		return
	}

	resp := actionResponse{
		OK:      true,
		Target:  result.Target,
		Changed: result.Changed,
		Results: result.Results,
	}
	// The switch may have used most of ctx; the read-back gets its own budget.
	confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
	defer cancel()
	mode, modeErr := h.Relay.Mode(confirmCtx)
	resp.Mode = mode.String()
	switch {
	case modeErr != nil:
		h.logger(r).Warn("confirm relay mode failed", "target", result.Target, "error", modeErr)
		resp.Mode = relay.UnknownMode.String()
		resp.Reason = reasonFor(modeErr)
		if resp.Reason == "" {
			resp.Reason = "unconfirmed"
		}
		resp.Warning = masker.Mask(modeErr.Error())
	case resp.Mode != result.Target:
		h.logger(r).Warn("relay mode differs from target", "target", result.Target, "mode", resp.Mode)
		resp.Reason = "mode_mismatch"
	default:
		resp.Confirmed = true
	}
	writeJSON(w, http.StatusOK, resp)
}

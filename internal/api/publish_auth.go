package api

import (
	"net/http"
	"strings"

	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
)

// PublishAuth answers the nginx-rtmp on_publish hook. The ingest posts a form
// with call, app and name (the stream key, or stream on some builds); the
// application either comes from the form or from the /auth/{app} path.
func (h *Handler) PublishAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, "GET, POST")
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	call := strings.ToLower(strings.TrimSpace(r.Form.Get("call")))
	if call != "" && call != "publish" {
		w.WriteHeader(http.StatusOK)
		return
	}

	app := strings.TrimSpace(r.Form.Get("app"))
	if fromPath := strings.Trim(strings.TrimPrefix(r.URL.Path, "/auth"), "/"); fromPath != "" {
		app = fromPath
	}
	key := strings.TrimSpace(r.Form.Get("name"))
	if key == "" {
		key = strings.TrimSpace(r.Form.Get("stream"))
	}

	logger := logging.WithComponent(h.logger(r), "auth")
	name, ok := h.Sources.MatchKey(app, key)
	if !ok {
		logger.Warn("publish rejected", "app", app, "remote_addr", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	logger.Info("publish accepted", "source", string(name))
	w.WriteHeader(http.StatusOK)
}

// Routes registers every handler on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/healthz", h.Healthz)
	mux.HandleFunc("/api/current", h.Current)
	mux.HandleFunc("/api/status", h.SourceStatus)
	mux.HandleFunc("/api/guard", h.GuardState)
	mux.HandleFunc("/api/history", h.History)
	mux.HandleFunc("/api/who", h.Who)
	mux.HandleFunc("/api/logtail", h.LogTail)
	mux.HandleFunc("/api/switch", h.Switch)
	mux.HandleFunc("/api/stop", h.Stop)
	mux.HandleFunc("/auth", h.PublishAuth)
	mux.HandleFunc("/auth/", h.PublishAuth)
}

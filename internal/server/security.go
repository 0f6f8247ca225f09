package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	textContentSecurityPolicy    = "default-src 'none'; sandbox"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultHSTSMaxAge            = 180 * 24 * time.Hour
)

// SecurityConfig sets the response headers of the control surface. Empty
// fields take the defaults.
type SecurityConfig struct {
	// ContentSecurityPolicy replaces the policy sent with JSON and health
	// responses.
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	// HSTSMaxAge is announced on TLS connections. Negative disables it.
	HSTSMaxAge time.Duration
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.HSTSMaxAge == 0 {
		cfg.HSTSMaxAge = defaultHSTSMaxAge
	}
	return cfg
}

// routeClass groups paths by who reads the response.
type routeClass int

const (
	routeJSON routeClass = iota // panel API and health probes
	routeText                   // log tail and metrics
	routeHook                   // nginx-rtmp callbacks
)

func classifyRoute(path string) routeClass {
	switch {
	case path == "/auth" || strings.HasPrefix(path, "/auth/"):
		return routeHook
	case path == "/metrics" || path == "/api/logtail":
		return routeText
	}
	return routeJSON
}

// securityHeadersMiddleware never lets a response be cached, since every
// route reports live relay state. Plain-text routes carry relay logs and are
// sandboxed when opened in a browser; the publish hook is only read by nginx
// and gets the bare minimum.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	var hsts string
	if effective.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(effective.HSTSMaxAge/time.Second), 10)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		if r.TLS != nil && hsts != "" {
			h.Set("Strict-Transport-Security", hsts)
		}

		switch classifyRoute(r.URL.Path) {
		case routeHook:
		case routeText:
			h.Set("Content-Security-Policy", textContentSecurityPolicy)
			h.Set("Referrer-Policy", effective.ReferrerPolicy)
		default:
			h.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
			h.Set("X-Frame-Options", effective.FrameOptions)
			h.Set("Referrer-Policy", effective.ReferrerPolicy)
		}

		next.ServeHTTP(w, r)
	})
}

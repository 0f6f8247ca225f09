package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"/":              "/",
		"/api/current/":  "/api/current",
		"/auth/dennis":   "/auth/:app",
		"/auth/mobil/xy": "/auth/:app",
		"/metrics":       "/metrics",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestRecorderWritesDomainSeries(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/status", 200, 10*time.Millisecond)
	recorder.ObserveTick("failover")
	recorder.ObserveTick("ok")
	recorder.ObserveTick("ok")
	recorder.ObserveSwitch("guard", "brb", "ok")
	recorder.ObserveStatFailure("timeout")
	recorder.SetSourceHealth("Dennis", "alive")
	recorder.SetSourceHealth("auria", "dead")
	recorder.SetSourceHealth("mobil", "")
	recorder.SetRelayMode("standby")
	recorder.SetInactiveStreak(2)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expectations := []string{
		`relay_http_requests_total{method="GET",path="/api/status",status="200"} 1`,
		`relay_guard_ticks_total{outcome="ok"} 2`,
		`relay_guard_ticks_total{outcome="failover"} 1`,
		`relay_switches_total{trigger="guard",target="brb",status="ok"} 1`,
		`relay_stat_failures_total{reason="timeout"} 1`,
		`relay_source_health{source="dennis"} 1.000000`,
		`relay_source_health{source="auria"} 0.000000`,
		`relay_source_health{source="mobil"} -1.000000`,
		`relay_mode{mode="standby"} 1`,
		`relay_inactive_streak 2`,
	}
	for _, want := range expectations {
		if !strings.Contains(body, want) {
			t.Fatalf("expected output to contain %q\n%s", want, body)
		}
	}
	if strings.Index(body, `outcome="failover"`) > strings.Index(body, `outcome="ok"`) {
		t.Fatalf("expected sorted tick outcomes")
	}
}

func TestRecorderReset(t *testing.T) {
	recorder := New()
	recorder.ObserveSwitch("manual", "dennis", "ok")
	recorder.SetInactiveStreak(5)
	recorder.Reset()

	if len(recorder.SwitchCounts()) != 0 {
		t.Fatalf("expected switch counters to be cleared")
	}
	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "relay_inactive_streak 0") {
		t.Fatalf("expected streak gauge reset, got %q", buf.String())
	}
}

func TestRecorderConcurrentWrites(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveTick("ok")
			recorder.ObserveSwitch("guard", "brb", "ok")
		}()
	}
	wg.Wait()

	if got := recorder.TickCounts()["ok"]; got != 50 {
		t.Fatalf("expected 50 ticks, got %d", got)
	}
	if got := recorder.SwitchCounts()[SwitchLabel{Trigger: "guard", Target: "brb", Status: "ok"}]; got != 50 {
		t.Fatalf("expected 50 switches, got %d", got)
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	rr := httptest.NewRecorder()
	New().Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

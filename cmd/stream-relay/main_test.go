package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/config"
	"github.com/DerBlackAngel/stream-relay/internal/journal"
	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/observability/metrics"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
	"github.com/DerBlackAngel/stream-relay/internal/testsupport/redisstub"
	"github.com/DerBlackAngel/stream-relay/internal/testsupport/supervisorstub"
)

const statDocument = `<?xml version="1.0" encoding="utf-8" ?>
<rtmp>
  <server>
    <application>
      <name>dennis</name>
      <live><nclients>0</nclients></live>
    </application>
  </server>
</rtmp>`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	stat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, statDocument)
	}))
	t.Cleanup(stat.Close)

	cfg := config.Default()
	cfg.Instance = "test"
	cfg.StatURL = stat.URL + "/stat"
	cfg.Sources = []config.Source{{Name: "dennis", Key: "dennis-key"}, {Name: "auria", Key: "auria-key"}}
	cfg.Destinations = []config.Destination{{Name: "main", URL: "rtmp://live.twitch.tv/app/live_secret_123"}}
	cfg.Panel = config.PanelConfig{User: "admin", Password: "pw"}
	cfg.Guard.PollInterval = 20 * time.Millisecond
	cfg.Relay.ReadyTimeout = 200 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestRunServesControlSurface(t *testing.T) {
	cfg := testConfig(t)
	stub := supervisorstub.New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, runOptions{
			Logger:     logging.Discard(),
			Metrics:    metrics.New(),
			Listener:   ln,
			Supervisor: stub,
			Ready:      ready,
		})
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/api/guard")
	if err != nil {
		t.Fatalf("get guard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected credential gate, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/api/switch", strings.NewReader(`{"source":"brb","reason":"test"}`))
	req.SetBasicAuth("admin", "pw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post switch: %v", err)
	}
	var payload struct {
		OK   bool   `json:"ok"`
		Mode string `json:"mode"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !payload.OK || payload.Mode != "brb" {
		t.Fatalf("expected switch to brb, got %d %+v", resp.StatusCode, payload)
	}
	if c, ok := stub.Container(relay.DefaultWorkerName); !ok || c.Spec.Labels[relay.LabelTarget] != "brb" {
		t.Fatalf("expected standby worker, got %+v ok=%v", c, ok)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestNewSupervisorSelection(t *testing.T) {
	cfg := config.Default()

	cfg.Relay.Supervisor = config.SupervisorProcess
	sup, err := newSupervisor(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("process supervisor: %v", err)
	}
	if _, ok := sup.(*supervisor.Process); !ok {
		t.Fatalf("expected process supervisor, got %T", sup)
	}

	cfg.Relay.Supervisor = config.SupervisorDocker
	sup, err = newSupervisor(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("docker supervisor: %v", err)
	}
	if _, ok := sup.(*supervisor.Docker); !ok {
		t.Fatalf("expected docker supervisor, got %T", sup)
	}

	cfg.Relay.Image = ""
	if _, err := newSupervisor(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected docker supervisor without image to fail")
	}

	cfg.Relay.Supervisor = "kubernetes"
	if _, err := newSupervisor(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected unknown supervisor to fail")
	}
}

func TestNewJournalDefaultsToMemory(t *testing.T) {
	cfg := config.Default()
	store, sinks, closers, err := newJournal(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newJournal: %v", err)
	}
	if _, ok := store.(*journal.Memory); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if len(sinks) != 1 || len(closers) != 0 {
		t.Fatalf("expected a single sink and nothing to close, got %d sinks %d closers", len(sinks), len(closers))
	}
}

func TestNewJournalPublishesEvents(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	cfg := config.Default()
	cfg.Events.RedisAddr = stub.Addr()
	cfg.Events.Stream = "relay:test"
	store, sinks, closers, err := newJournal(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newJournal: %v", err)
	}
	t.Cleanup(func() {
		for _, c := range closers {
			_ = c(context.Background())
		}
	})
	if len(sinks) != 2 {
		t.Fatalf("expected memory and events sinks, got %d", len(sinks))
	}

	entry := journal.Entry{At: time.Now().UTC(), Action: "switch", Trigger: "guard", Target: "brb", OK: true}
	if err := sinks.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := stub.Entries("relay:test"); len(got) != 1 || got[0].Fields["target"] != "brb" {
		t.Fatalf("expected one stream entry, got %+v", got)
	}
	recent, _ := store.Recent(context.Background(), 5)
	if len(recent) != 1 {
		t.Fatalf("expected entry in memory store, got %d", len(recent))
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_DESTINATION_URL", "rtmp://live.twitch.tv/app/live_key")
	t.Setenv("RELAY_PANEL_USER", "admin")
	t.Setenv("RELAY_PANEL_PASSWORD", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DENNIS", "dennis-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StatURL != "http://nginx-rtmp:18080/stat" {
		t.Fatalf("unexpected stat url %q", cfg.StatURL)
	}
	g := cfg.Guard
	if g.PollInterval != 5*time.Second || g.FailThreshold != 3 || g.MinDelta != 40000 {
		t.Fatalf("unexpected guard defaults %+v", g)
	}
	if !g.AutoResume || !g.ResumeOnlyLast || g.ResumeFromIdle || g.Cooldown != time.Minute || g.StableWindow != 5*time.Second {
		t.Fatalf("unexpected resume defaults %+v", g)
	}
	if cfg.Relay.ReadyTimeout != 8*time.Second || cfg.Guard.CallTimeout != 4*time.Second {
		t.Fatalf("unexpected timeouts %+v %+v", cfg.Relay, cfg.Guard)
	}
	if len(cfg.Sources) != 3 || cfg.Sources[0].Name != "dennis" || cfg.Sources[0].Key != "dennis-key" || cfg.Sources[1].Key != "" {
		t.Fatalf("unexpected sources %+v", cfg.Sources)
	}
	if len(cfg.Destinations) != 1 || cfg.Destinations[0].Name != "main" {
		t.Fatalf("unexpected destinations %+v", cfg.Destinations)
	}
	if got := cfg.WorkerName(0); got != "relay-push" {
		t.Fatalf("unexpected worker name %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RELAY_SOURCES", "cam-a, cam-b")
	t.Setenv("RELAY_KEY_CAM_A", "key-a")
	t.Setenv("RELAY_POLL_INTERVAL", "2000")
	t.Setenv("RELAY_RESUME_COOLDOWN", "90s")
	t.Setenv("RELAY_RESUME_FROM_IDLE", "yes")
	t.Setenv("RELAY_SUPERVISOR", "PROCESS")
	t.Setenv("RELAY_BACKUP_URL", "rtmp://backup/live/key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Guard.PollInterval != 2*time.Second || cfg.Guard.Cooldown != 90*time.Second || !cfg.Guard.ResumeFromIdle {
		t.Fatalf("unexpected guard %+v", cfg.Guard)
	}
	if cfg.Relay.Supervisor != SupervisorProcess {
		t.Fatalf("expected process supervisor, got %q", cfg.Relay.Supervisor)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0].Key != "key-a" {
		t.Fatalf("unexpected sources %+v", cfg.Sources)
	}
	if len(cfg.Destinations) != 2 || cfg.WorkerName(1) != "relay-push-backup" {
		t.Fatalf("unexpected destinations %+v", cfg.Destinations)
	}
	set, err := cfg.SourceSet()
	if err != nil || !set.Contains("cam-b") {
		t.Fatalf("unexpected source set %v err=%v", set.Names(), err)
	}
	engine := cfg.EngineConfig(set)
	if engine.PollInterval != 2*time.Second || engine.Sources.Len() != 2 {
		t.Fatalf("unexpected engine config %+v", engine)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RELAY_FAIL_THRESHOLD", "three")
	t.Setenv("RELAY_AUTO_RESUME", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	for _, want := range []string{"RELAY_FAIL_THRESHOLD", "RELAY_AUTO_RESUME"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s: %v", want, err)
		}
	}
}

func TestPanelCredentialsAreAConsciousChoice(t *testing.T) {
	t.Setenv("RELAY_DESTINATION_URL", "rtmp://live.twitch.tv/app/live_key")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RELAY_PANEL_OPEN") {
		t.Fatalf("expected missing credential error, got %v", err)
	}

	t.Setenv("RELAY_PANEL_OPEN", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with open panel: %v", err)
	}
	if !cfg.Panel.Open {
		t.Fatalf("expected open panel")
	}

	t.Setenv("RELAY_PANEL_USER", "admin")
	if _, err := Load(); err == nil {
		t.Fatalf("expected user without password to be rejected")
	}
}

func TestValidateReportsProblems(t *testing.T) {
	cfg := Default()
	cfg.Sources = []Source{{Name: "brb"}}
	cfg.Guard.FailThreshold = 0
	cfg.Relay.Supervisor = "systemd"
	cfg.Panel.Open = true

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	for _, want := range []string{"reserved", "destination", "fail threshold", "systemd"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestConfigFileOverlay(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	doc := `
sources:
  - name: Studio
    key: studio-key
  - name: field
destinations:
  - name: twitch
    url: rtmp://live.twitch.tv/app/a
  - name: youtube
    url: rtmp://a.rtmp.youtube.com/live2/b
    worker: relay-yt
volumes:
  - /srv/brb:/work:ro
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[0].Key != "studio-key" {
		t.Fatalf("unexpected sources %+v", cfg.Sources)
	}
	set, err := cfg.SourceSet()
	if err != nil || !set.Contains("studio") {
		t.Fatalf("expected case-folded studio source, got %v err=%v", set.Names(), err)
	}
	if len(cfg.Destinations) != 2 || cfg.WorkerName(1) != "relay-yt" {
		t.Fatalf("unexpected destinations %+v", cfg.Destinations)
	}
	dests := cfg.RelayDestinations()
	if dests[0].Name != "twitch" || dests[1].URL != "rtmp://a.rtmp.youtube.com/live2/b" {
		t.Fatalf("unexpected relay destinations %+v", dests)
	}
	if len(cfg.Relay.Volumes) != 1 || cfg.Relay.Volumes[0] != "/srv/brb:/work:ro" {
		t.Fatalf("unexpected volumes %v", cfg.Relay.Volumes)
	}
}

func TestConfigFileErrors(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RELAY_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing file error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sources: [\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

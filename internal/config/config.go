// Package config loads the relay configuration from RELAY_* environment
// variables, optionally overlaid by a YAML file for sources and destinations.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DerBlackAngel/stream-relay/internal/guard"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/source"
)

const (
	SupervisorDocker  = "docker"
	SupervisorProcess = "process"
)

// Source configures one ingest source.
type Source struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// Destination configures one outbound relay.
type Destination struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Worker overrides the worker name; the first destination defaults to
	// relay-push, later ones to relay-push-<name>.
	Worker string `yaml:"worker"`
}

// GuardConfig tunes the failover engine.
type GuardConfig struct {
	PollInterval   time.Duration
	FailThreshold  int
	MinDelta       int64
	AutoResume     bool
	StableWindow   time.Duration
	Cooldown       time.Duration
	ResumeOnlyLast bool
	ResumeFromIdle bool
	CallTimeout    time.Duration
	SwitchTimeout  time.Duration
}

// RelayConfig configures the worker launch.
type RelayConfig struct {
	Supervisor   string
	DockerBinary string
	Image        string
	Network      string
	NetworkHint  string
	Volumes      []string
	FFmpegPath   string
	IngestBase   string
	StandbyFile  string
	Transcode    bool
	Seamless     bool
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// PanelConfig is the control-surface credential gate.
type PanelConfig struct {
	User     string
	Password string
	// Open allows running without credentials.
	Open bool
}

// RateLimitConfig bounds request and manual switch rates.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	SwitchLimit   int
	SwitchWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// JournalConfig configures the switch journal.
type JournalConfig struct {
	Size        int
	PostgresDSN string
}

// EventsConfig configures the Redis stream publisher.
type EventsConfig struct {
	RedisAddr     string
	RedisPassword string
	Stream        string
	MaxLen        int64
}

// TLSConfig enables HTTPS on the control surface.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Config is the complete service configuration.
type Config struct {
	Addr      string
	Instance  string
	LogLevel  string
	LogFormat string
	Debug     bool

	StatURL      string
	StatAttempts int

	Sources      []Source
	Destinations []Destination

	Guard     GuardConfig
	Relay     RelayConfig
	Panel     PanelConfig
	RateLimit RateLimitConfig
	Journal   JournalConfig
	Events    EventsConfig
	TLS       TLSConfig
}

type fileConfig struct {
	Sources      []Source      `yaml:"sources"`
	Destinations []Destination `yaml:"destinations"`
	Volumes      []string      `yaml:"volumes"`
}

var defaultSourceNames = []string{"dennis", "auria", "mobil"}

// Default returns the configuration used when no variables are set.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		Addr:         ":4000",
		Instance:     hostname,
		LogLevel:     "info",
		LogFormat:    "json",
		StatURL:      "http://nginx-rtmp:18080/stat",
		StatAttempts: 1,
		Guard: GuardConfig{
			PollInterval:   guard.DefaultPollInterval,
			FailThreshold:  guard.DefaultFailThreshold,
			MinDelta:       guard.DefaultMinDelta,
			AutoResume:     true,
			StableWindow:   guard.DefaultStableWindow,
			Cooldown:       guard.DefaultCooldown,
			ResumeOnlyLast: true,
			CallTimeout:    guard.DefaultCallTimeout,
			SwitchTimeout:  guard.DefaultSwitchTimeout,
		},
		Relay: RelayConfig{
			Supervisor:   SupervisorDocker,
			DockerBinary: "docker",
			Image:        "jrottenberg/ffmpeg:4.4-ubuntu",
			Volumes:      []string{"/opt/stream-relay/ffmpeg:/work:ro"},
			FFmpegPath:   "ffmpeg",
			IngestBase:   "rtmp://nginx-rtmp:1935",
			StandbyFile:  "/work/brb.mp4",
			Seamless:     true,
			ReadyTimeout: relay.DefaultReadyTimeout,
			StopTimeout:  relay.DefaultStopTimeout,
		},
		RateLimit: RateLimitConfig{
			SwitchLimit:  20,
			SwitchWindow: time.Minute,
			RedisTimeout: 2 * time.Second,
		},
		Journal: JournalConfig{Size: 200},
	}
}

// Load reads the environment, applies RELAY_CONFIG_FILE when set and
// validates the result.
func Load() (Config, error) {
	cfg := Default()
	r := &envReader{}

	cfg.Addr = r.str("RELAY_ADDR", cfg.Addr)
	cfg.Instance = r.str("RELAY_INSTANCE", cfg.Instance)
	cfg.LogLevel = r.str("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = r.str("RELAY_LOG_FORMAT", cfg.LogFormat)
	cfg.Debug = r.boolean("RELAY_DEBUG", cfg.Debug)
	cfg.StatURL = r.str("RELAY_STAT_URL", cfg.StatURL)
	cfg.StatAttempts = r.integer("RELAY_STAT_ATTEMPTS", cfg.StatAttempts)

	g := &cfg.Guard
	g.PollInterval = r.duration("RELAY_POLL_INTERVAL", g.PollInterval)
	g.FailThreshold = r.integer("RELAY_FAIL_THRESHOLD", g.FailThreshold)
	g.MinDelta = int64(r.integer("RELAY_MIN_DELTA_BYTES", int(g.MinDelta)))
	g.AutoResume = r.boolean("RELAY_AUTO_RESUME", g.AutoResume)
	g.StableWindow = r.duration("RELAY_RESUME_STABLE", g.StableWindow)
	g.Cooldown = r.duration("RELAY_RESUME_COOLDOWN", g.Cooldown)
	g.ResumeOnlyLast = r.boolean("RELAY_RESUME_ONLY_LAST", g.ResumeOnlyLast)
	g.ResumeFromIdle = r.boolean("RELAY_RESUME_FROM_IDLE", g.ResumeFromIdle)
	g.CallTimeout = r.duration("RELAY_CALL_TIMEOUT", g.CallTimeout)
	g.SwitchTimeout = r.duration("RELAY_SWITCH_TIMEOUT", g.SwitchTimeout)

	rc := &cfg.Relay
	rc.Supervisor = strings.ToLower(r.str("RELAY_SUPERVISOR", rc.Supervisor))
	rc.DockerBinary = r.str("RELAY_DOCKER_BINARY", rc.DockerBinary)
	rc.Image = r.str("RELAY_FFMPEG_IMAGE", rc.Image)
	rc.Network = r.str("RELAY_NETWORK", rc.Network)
	rc.NetworkHint = r.str("RELAY_NETWORK_HINT", rc.NetworkHint)
	rc.Volumes = r.list("RELAY_VOLUMES", rc.Volumes)
	rc.FFmpegPath = r.str("RELAY_FFMPEG_PATH", rc.FFmpegPath)
	rc.IngestBase = r.str("RELAY_INGEST_BASE", rc.IngestBase)
	rc.StandbyFile = r.str("RELAY_STANDBY_FILE", rc.StandbyFile)
	rc.Transcode = r.boolean("RELAY_TRANSCODE", rc.Transcode)
	rc.Seamless = r.boolean("RELAY_SEAMLESS", rc.Seamless)
	rc.ReadyTimeout = r.duration("RELAY_READY_TIMEOUT", rc.ReadyTimeout)
	rc.StopTimeout = r.duration("RELAY_STOP_TIMEOUT", rc.StopTimeout)

	cfg.Panel.User = r.str("RELAY_PANEL_USER", "")
	cfg.Panel.Password = r.raw("RELAY_PANEL_PASSWORD")
	cfg.Panel.Open = r.boolean("RELAY_PANEL_OPEN", false)

	rl := &cfg.RateLimit
	rl.GlobalRPS = r.float("RELAY_RATE_LIMIT_RPS", rl.GlobalRPS)
	rl.GlobalBurst = r.integer("RELAY_RATE_LIMIT_BURST", rl.GlobalBurst)
	rl.SwitchLimit = r.integer("RELAY_SWITCH_LIMIT", rl.SwitchLimit)
	rl.SwitchWindow = r.duration("RELAY_SWITCH_WINDOW", rl.SwitchWindow)
	rl.RedisAddr = r.str("RELAY_REDIS_ADDR", "")
	rl.RedisPassword = r.raw("RELAY_REDIS_PASSWORD")

	cfg.Journal.Size = r.integer("RELAY_JOURNAL_SIZE", cfg.Journal.Size)
	cfg.Journal.PostgresDSN = r.str("RELAY_POSTGRES_DSN", "")

	cfg.Events.RedisAddr = r.str("RELAY_EVENTS_REDIS_ADDR", rl.RedisAddr)
	cfg.Events.RedisPassword = r.str("RELAY_EVENTS_REDIS_PASSWORD", rl.RedisPassword)
	cfg.Events.Stream = r.str("RELAY_EVENTS_STREAM", "")
	cfg.Events.MaxLen = int64(r.integer("RELAY_EVENTS_MAXLEN", 10000))

	cfg.TLS.CertFile = r.str("RELAY_TLS_CERT", "")
	cfg.TLS.KeyFile = r.str("RELAY_TLS_KEY", "")

	cfg.Sources = sourcesFromEnv(r)
	if url := r.str("RELAY_DESTINATION_URL", ""); url != "" {
		cfg.Destinations = append(cfg.Destinations, Destination{Name: r.str("RELAY_DESTINATION_NAME", "main"), URL: url})
	}
	if url := r.str("RELAY_BACKUP_URL", ""); url != "" {
		cfg.Destinations = append(cfg.Destinations, Destination{Name: "backup", URL: url})
	}

	if err := r.err(); err != nil {
		return Config{}, err
	}

	if path := r.str("RELAY_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// sourcesFromEnv reads RELAY_SOURCES and each source's key from
// RELAY_KEY_<NAME>, falling back to the bare upper-cased name.
func sourcesFromEnv(r *envReader) []Source {
	names := r.list("RELAY_SOURCES", defaultSourceNames)
	out := make([]Source, 0, len(names))
	for _, name := range names {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		key := r.raw("RELAY_KEY_" + envName)
		if key == "" {
			key = r.raw(envName)
		}
		out = append(out, Source{Name: name, Key: strings.TrimSpace(key)})
	}
	return out
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(file.Sources) > 0 {
		c.Sources = file.Sources
	}
	if len(file.Destinations) > 0 {
		c.Destinations = file.Destinations
	}
	if len(file.Volumes) > 0 {
		c.Relay.Volumes = file.Volumes
	}
	return nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	var problems []string
	if _, err := c.SourceSet(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(c.Destinations) == 0 {
		problems = append(problems, "at least one destination is required (RELAY_DESTINATION_URL)")
	}
	names := make(map[string]struct{}, len(c.Destinations))
	for i, dest := range c.Destinations {
		if strings.TrimSpace(dest.URL) == "" {
			problems = append(problems, fmt.Sprintf("destination %d has no url", i))
		}
		name := strings.TrimSpace(dest.Name)
		if _, dup := names[name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate destination %q", name))
		}
		names[name] = struct{}{}
	}
	if strings.TrimSpace(c.StatURL) == "" {
		problems = append(problems, "RELAY_STAT_URL is required")
	}
	if c.Guard.PollInterval <= 0 {
		problems = append(problems, "poll interval must be positive")
	}
	if c.Guard.FailThreshold <= 0 {
		problems = append(problems, "fail threshold must be positive")
	}
	if c.Guard.MinDelta < 0 {
		problems = append(problems, "min delta cannot be negative")
	}
	if c.Guard.StableWindow < 0 || c.Guard.Cooldown < 0 {
		problems = append(problems, "stable window and cooldown cannot be negative")
	}
	switch c.Relay.Supervisor {
	case SupervisorDocker, SupervisorProcess:
	default:
		problems = append(problems, fmt.Sprintf("unknown supervisor %q", c.Relay.Supervisor))
	}
	if (c.Panel.User == "") != (c.Panel.Password == "") {
		problems = append(problems, "RELAY_PANEL_USER and RELAY_PANEL_PASSWORD must be set together")
	} else if c.Panel.User == "" && !c.Panel.Open {
		problems = append(problems, "no panel credentials configured; set RELAY_PANEL_USER/RELAY_PANEL_PASSWORD or RELAY_PANEL_OPEN=true")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be set together")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SourceSet builds the validated source set.
func (c Config) SourceSet() (source.Set, error) {
	sources := make([]source.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		sources = append(sources, source.Source{Name: source.Normalize(s.Name), Key: s.Key})
	}
	return source.NewSet(sources...)
}

// EngineConfig converts the guard settings for the engine.
func (c Config) EngineConfig(sources source.Set) guard.Config {
	return guard.Config{
		Sources:        sources,
		PollInterval:   c.Guard.PollInterval,
		FailThreshold:  c.Guard.FailThreshold,
		MinDelta:       c.Guard.MinDelta,
		AutoResume:     c.Guard.AutoResume,
		StableWindow:   c.Guard.StableWindow,
		Cooldown:       c.Guard.Cooldown,
		ResumeOnlyLast: c.Guard.ResumeOnlyLast,
		ResumeFromIdle: c.Guard.ResumeFromIdle,
		CallTimeout:    c.Guard.CallTimeout,
		SwitchTimeout:  c.Guard.SwitchTimeout,
		Debug:          c.Debug,
	}
}

// WorkerName is the canonical worker name of the i-th destination.
func (c Config) WorkerName(i int) string {
	dest := c.Destinations[i]
	if dest.Worker != "" {
		return dest.Worker
	}
	if i == 0 {
		return relay.DefaultWorkerName
	}
	return relay.DefaultWorkerName + "-" + strings.ToLower(strings.TrimSpace(dest.Name))
}

// RelayDestinations converts the destinations for the relay package.
func (c Config) RelayDestinations() []relay.Destination {
	out := make([]relay.Destination, 0, len(c.Destinations))
	for i, dest := range c.Destinations {
		name := strings.TrimSpace(dest.Name)
		if name == "" {
			name = fmt.Sprintf("dest%d", i+1)
		}
		out = append(out, relay.Destination{Name: name, URL: strings.TrimSpace(dest.URL)})
	}
	return out
}

// envReader collects parse errors so Load reports all of them at once.
type envReader struct {
	errs []error
}

func (r *envReader) fail(err error) {
	r.errs = append(r.errs, err)
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func (r *envReader) raw(key string) string {
	return os.Getenv(key)
}

func (r *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *envReader) list(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (r *envReader) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.fail(fmt.Errorf("parse %s: invalid boolean %q", key, v))
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return n
}

func (r *envReader) float(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return f
}

// duration accepts Go durations ("5s") and bare integers as milliseconds.
func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("parse %s: %w", key, err))
		return fallback
	}
	return d
}

// Command stream-relay runs the failover guard and the control surface for
// the ffmpeg relay that forwards one live source (or the BRB loop) to the
// configured destinations.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DerBlackAngel/stream-relay/internal/api"
	"github.com/DerBlackAngel/stream-relay/internal/config"
	"github.com/DerBlackAngel/stream-relay/internal/events"
	"github.com/DerBlackAngel/stream-relay/internal/guard"
	"github.com/DerBlackAngel/stream-relay/internal/journal"
	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
	"github.com/DerBlackAngel/stream-relay/internal/observability/metrics"
	"github.com/DerBlackAngel/stream-relay/internal/relay"
	"github.com/DerBlackAngel/stream-relay/internal/server"
	"github.com/DerBlackAngel/stream-relay/internal/serverutil"
	"github.com/DerBlackAngel/stream-relay/internal/source"
	"github.com/DerBlackAngel/stream-relay/internal/stat"
	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Debug: cfg.Debug})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runOptions{Logger: logger}); err != nil {
		logger.Error("stream-relay stopped", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Listener net.Listener
	// Supervisor overrides the one selected by configuration.
	Supervisor supervisor.Supervisor
	Ready      chan<- struct{}
}

// app is the wired process, before anything runs.
type app struct {
	engine  *guard.Engine
	server  *server.Server
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context, logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("close resource failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config, opts runOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a, err := build(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close(closeCtx, logger)
	}()

	logger.Info("stream-relay starting",
		"version", version,
		"instance", cfg.Instance,
		"addr", cfg.Addr,
		"sources", len(cfg.Sources),
		"destinations", len(cfg.Destinations),
		"supervisor", cfg.Relay.Supervisor)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.engine.Run(groupCtx)
	})
	group.Go(func() error {
		tlsCfg := a.server.TLS()
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          a.server.HTTPServer(),
			Listener:        opts.Listener,
			TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
			ShutdownTimeout: serverutil.DefaultShutdownTimeout,
			Ready:           opts.Ready,
			Logger:          logger,
		})
	})
	return group.Wait()
}

func build(ctx context.Context, cfg config.Config, opts runOptions) (*app, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	a := &app{}
	fail := func(err error) (*app, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close(closeCtx, logger)
		return nil, err
	}

	sources, err := cfg.SourceSet()
	if err != nil {
		return nil, err
	}

	sup := opts.Supervisor
	if sup == nil {
		sup, err = newSupervisor(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	store, sink, closers, err := newJournal(ctx, cfg, logger)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return fail(err)
	}

	relayGroup, err := newRelayGroup(cfg, sources, sup, sink, recorder, logger)
	if err != nil {
		return fail(err)
	}

	stats, err := stat.NewClient(stat.ClientConfig{
		URL:      cfg.StatURL,
		Sources:  sources.Names(),
		Timeout:  cfg.Guard.CallTimeout,
		Attempts: cfg.StatAttempts,
		Logger:   logging.WithComponent(logger, "stat"),
	})
	if err != nil {
		return fail(fmt.Errorf("stat client: %w", err))
	}

	engine, err := guard.New(cfg.EngineConfig(sources), guard.Deps{
		Stats:   stats,
		Relay:   relayGroup,
		Metrics: recorder,
		Logger:  logging.WithComponent(logger, "guard"),
	})
	if err != nil {
		return fail(fmt.Errorf("guard: %w", err))
	}
	a.engine = engine

	handler := &api.Handler{
		Service:       api.ServiceInfo{Name: "stream-relay", Instance: cfg.Instance, Version: version},
		Sources:       sources,
		Relay:         relayGroup,
		Stats:         stats,
		Guard:         engine,
		Journal:       store,
		SwitchTimeout: cfg.Guard.SwitchTimeout,
		Logger:        logging.WithComponent(logger, "api"),
	}
	for _, c := range sink {
		if pinger, ok := c.(*events.RedisPublisher); ok {
			handler.Checks = append(handler.Checks, api.HealthCheck{Component: "events", Ping: pinger.Ping})
		}
	}

	srv, err := server.New(handler, server.Config{
		Addr:        cfg.Addr,
		TLS:         server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		Credentials: server.Credentials{User: cfg.Panel.User, Password: cfg.Panel.Password},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateLimit.GlobalRPS,
			GlobalBurst:   cfg.RateLimit.GlobalBurst,
			SwitchLimit:   cfg.RateLimit.SwitchLimit,
			SwitchWindow:  cfg.RateLimit.SwitchWindow,
			RedisAddr:     cfg.RateLimit.RedisAddr,
			RedisPassword: cfg.RateLimit.RedisPassword,
			RedisTimeout:  cfg.RateLimit.RedisTimeout,
		},
		Logger:      logging.WithComponent(logger, "http"),
		AuditLogger: logging.WithComponent(logger, "audit"),
		Metrics:     recorder,
	})
	if err != nil {
		return fail(fmt.Errorf("server: %w", err))
	}
	a.server = srv
	a.closers = append(a.closers, func(context.Context) error { return srv.Close() })
	if cfg.Panel.User == "" {
		logger.Warn("control surface runs without credentials (RELAY_PANEL_OPEN)")
	}
	return a, nil
}

func newSupervisor(cfg config.Config, logger *slog.Logger) (supervisor.Supervisor, error) {
	supLogger := logging.WithComponent(logger, "supervisor")
	switch cfg.Relay.Supervisor {
	case config.SupervisorProcess:
		return supervisor.NewProcess(supervisor.ProcessConfig{Logger: supLogger}), nil
	case config.SupervisorDocker:
		return supervisor.NewDocker(supervisor.DockerConfig{
			Image:       cfg.Relay.Image,
			Network:     cfg.Relay.Network,
			NetworkHint: cfg.Relay.NetworkHint,
			Volumes:     cfg.Relay.Volumes,
			Runner:      supervisor.ExecRunner{Binary: cfg.Relay.DockerBinary},
			Logger:      supLogger,
		})
	}
	return nil, fmt.Errorf("unknown supervisor %q", cfg.Relay.Supervisor)
}

// newJournal picks the store the control surface reads history from and the
// sinks every relay action is recorded into.
func newJournal(ctx context.Context, cfg config.Config, logger *slog.Logger) (journal.Store, journal.Fanout, []func(context.Context) error, error) {
	var (
		store   journal.Store
		sinks   journal.Fanout
		closers []func(context.Context) error
	)
	if cfg.Journal.PostgresDSN != "" {
		pg, err := journal.NewPostgres(ctx, cfg.Journal.PostgresDSN)
		if err != nil {
			return nil, nil, closers, fmt.Errorf("journal: %w", err)
		}
		closers = append(closers, pg.Close)
		store = pg
	} else {
		store = journal.NewMemory(cfg.Journal.Size)
	}
	sinks = append(sinks, store)

	if cfg.Events.RedisAddr != "" {
		publisher, err := events.NewRedisPublisher(events.RedisConfig{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
			Stream:   cfg.Events.Stream,
			MaxLen:   cfg.Events.MaxLen,
			Logger:   logging.WithComponent(logger, "events"),
		})
		if err != nil {
			return nil, nil, closers, fmt.Errorf("events: %w", err)
		}
		closers = append(closers, func(context.Context) error { return publisher.Close() })
		sinks = append(sinks, publisher)
	}
	return store, sinks, closers, nil
}

func newRelayGroup(cfg config.Config, sources source.Set, sup supervisor.Supervisor, sink journal.Sink, recorder *metrics.Recorder, logger *slog.Logger) (*relay.Group, error) {
	program := "ffmpeg"
	if cfg.Relay.Supervisor == config.SupervisorProcess {
		program = cfg.Relay.FFmpegPath
	}
	builder, err := relay.NewBuilder(relay.BuilderConfig{
		Sources:     sources,
		Program:     program,
		IngestBase:  cfg.Relay.IngestBase,
		StandbyFile: cfg.Relay.StandbyFile,
		Transcode:   cfg.Relay.Transcode,
	})
	if err != nil {
		return nil, fmt.Errorf("relay builder: %w", err)
	}
	destinations := cfg.RelayDestinations()
	masker := relay.NewMasker(sources, destinations)
	relayLogger := logging.WithComponent(logger, "relay")

	executors := make([]*relay.Executor, 0, len(destinations))
	for i, dest := range destinations {
		exec, err := relay.NewExecutor(relay.ExecutorConfig{
			Name:         cfg.WorkerName(i),
			Destination:  dest,
			Builder:      builder,
			Supervisor:   sup,
			Seamless:     cfg.Relay.Seamless,
			ReadyTimeout: cfg.Relay.ReadyTimeout,
			StopTimeout:  cfg.Relay.StopTimeout,
			Masker:       masker,
			Logger:       relayLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("relay executor %s: %w", dest.Name, err)
		}
		executors = append(executors, exec)
	}
	return relay.NewGroup(executors,
		relay.WithSink(sink),
		relay.WithMetrics(recorder),
		relay.WithLogger(relayLogger))
}

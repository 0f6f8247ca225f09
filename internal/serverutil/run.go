// Package serverutil runs the control surface's http.Server bound to a
// context.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/observability/logging"
)

// DefaultShutdownTimeout bounds graceful shutdown. A manual switch in flight
// can hold a handler for its whole readiness wait, so callers running long
// switch timeouts should raise it.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names the certificate and key served on the listener.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" }

// Config describes one server run.
type Config struct {
	Server *http.Server
	// Listener, when set, is used instead of listening on Server.Addr.
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener accepts connections.
	Ready  chan<- struct{}
	Logger *slog.Logger
}

// Run serves until ctx ends or the server fails, then shuts down gracefully
// within ShutdownTimeout. A server closed by shutdown is not an error.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	logger.Info("control surface listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- cfg.Server.Serve(ln) }()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}
	return shutdown(cfg, serveErr, logger)
}

// listen opens the listener, wrapping it in TLS when a key pair is configured.
// The key pair is loaded before anything is served so a bad certificate fails
// startup instead of every handshake.
func listen(cfg Config) (net.Listener, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
		}
	}
	if !cfg.TLS.enabled() {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Server.TLSConfig != nil {
		tlsCfg = cfg.Server.TLSConfig.Clone()
		if tlsCfg.MinVersion == 0 {
			tlsCfg.MinVersion = tls.VersionTLS12
		}
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func shutdown(cfg Config, serveErr <-chan error, logger *slog.Logger) error {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Server.Shutdown(ctx)
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		if shutdownErr == nil {
			shutdownErr = ctx.Err()
		}
	}
	if shutdownErr != nil {
		logger.Warn("control surface shutdown incomplete", "error", shutdownErr, "timeout", timeout.String())
		return shutdownErr
	}
	logger.Info("control surface stopped", "took_ms", time.Since(started).Milliseconds())
	return nil
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ProcessConfig configures the local process supervisor.
type ProcessConfig struct {
	// LogLines bounds the per-process output ring.
	LogLines int
	Logger   *slog.Logger
}

// Process supervises workers as child processes of this binary.
type Process struct {
	mu       sync.Mutex
	procs    map[string]*processState
	logLines int
	logger   *slog.Logger
}

type processState struct {
	cmd     *exec.Cmd
	spec    LaunchSpec
	started time.Time
	done    chan struct{}
	exitErr error
	logs    *lineRing
}

func (p *processState) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// NewProcess builds a local process supervisor.
func NewProcess(cfg ProcessConfig) *Process {
	lines := cfg.LogLines
	if lines <= 0 {
		lines = 500
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{procs: make(map[string]*processState), logLines: lines, logger: logger}
}

// Start launches spec under name. The process outlives ctx; only Stop and
// Remove end it.
func (p *Process) Start(_ context.Context, name string, spec LaunchSpec) (string, error) {
	if spec.Program == "" {
		return "", errors.New("program is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.procs[name]; exists {
		return "", fmt.Errorf("start %s: %w", name, ErrExists)
	}

	ring := newLineRing(p.logLines)
	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Stdout = ring
	cmd.Stderr = ring
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", name, err)
	}
	proc := &processState{
		cmd:     cmd,
		spec:    spec,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
		logs:    ring,
	}
	p.procs[name] = proc

	logger := p.logger.With("process", name, "pid", cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		proc.exitErr = err
		if err != nil {
			logger.Warn("worker exited with error", "error", err)
		} else {
			logger.Info("worker exited")
		}
		close(proc.done)
	}()
	return fmt.Sprintf("pid-%d", cmd.Process.Pid), nil
}

func (p *Process) lookup(name string) *processState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs[name]
}

func (p *Process) Interrupt(_ context.Context, name string) error {
	proc := p.lookup(name)
	if proc == nil || !proc.running() {
		return nil
	}
	if err := proc.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt %s: %w", name, err)
	}
	return nil
}

// Stop sends SIGTERM and kills the process when it outlives timeout.
func (p *Process) Stop(ctx context.Context, name string, timeout time.Duration) error {
	proc := p.lookup(name)
	if proc == nil || !proc.running() {
		return nil
	}
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return p.kill(name, proc)
}

func (p *Process) kill(name string, proc *processState) error {
	if !proc.running() {
		return nil
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", name, err)
	}
	select {
	case <-proc.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("kill %s: process did not exit", name)
	}
	return nil
}

func (p *Process) Remove(_ context.Context, name string) error {
	proc := p.lookup(name)
	if proc == nil {
		return nil
	}
	if err := p.kill(name, proc); err != nil {
		return err
	}
	p.mu.Lock()
	if p.procs[name] == proc {
		delete(p.procs, name)
	}
	p.mu.Unlock()
	return nil
}

func (p *Process) Rename(_ context.Context, from, to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc, ok := p.procs[from]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, ErrNotFound)
	}
	if _, exists := p.procs[to]; exists {
		return fmt.Errorf("rename %s to %s: %w", from, to, ErrExists)
	}
	delete(p.procs, from)
	p.procs[to] = proc
	return nil
}

func (p *Process) Inspect(_ context.Context, name string) (Status, error) {
	proc := p.lookup(name)
	if proc == nil {
		return Status{Name: name}, nil
	}
	status := Status{
		Name:      name,
		ID:        fmt.Sprintf("pid-%d", proc.cmd.Process.Pid),
		Exists:    true,
		Running:   proc.running(),
		StartedAt: proc.started,
		Labels:    proc.spec.Labels,
		Command:   append([]string{proc.spec.Program}, proc.spec.Args...),
	}
	if status.Running {
		status.State = "running"
	} else {
		status.State = "exited"
		var exitErr *exec.ExitError
		if errors.As(proc.exitErr, &exitErr) {
			status.ExitCode = exitErr.ExitCode()
		}
	}
	return status, nil
}

func (p *Process) TailLogs(_ context.Context, name string, lines int) (string, error) {
	proc := p.lookup(name)
	if proc == nil {
		return "", fmt.Errorf("logs %s: %w", name, ErrNotFound)
	}
	return proc.logs.Tail(lines), nil
}

// lineRing keeps the last N output lines. Carriage returns split lines so
// ffmpeg progress updates do not pile up in one entry.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial strings.Builder
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		if b == '\n' || b == '\r' {
			r.flushLocked()
			continue
		}
		r.partial.WriteByte(b)
	}
	return len(p), nil
}

func (r *lineRing) flushLocked() {
	line := strings.TrimRight(r.partial.String(), " \t")
	r.partial.Reset()
	if line == "" {
		return
	}
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *lineRing) Tail(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.lines
	if pending := strings.TrimSpace(r.partial.String()); pending != "" {
		lines = append(append([]string(nil), lines...), pending)
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

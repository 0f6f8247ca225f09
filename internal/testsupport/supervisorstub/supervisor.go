// Package supervisorstub provides an in-memory supervisor.Supervisor for
// tests. Processes never run anything; readiness and failures are scripted.
package supervisorstub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/DerBlackAngel/stream-relay/internal/supervisor"
)

// Container is one fake worker.
type Container struct {
	Name        string
	ID          string
	Spec        supervisor.LaunchSpec
	Running     bool
	Interrupted bool
	Stopped     bool
	Logs        string
}

// Supervisor records every call and keeps fake workers in memory.
type Supervisor struct {
	mu         sync.Mutex
	containers map[string]*Container
	calls      []string
	nextID     int

	// Ready decides whether a freshly started worker reports running. Nil
	// means every worker becomes ready.
	Ready func(name string, spec supervisor.LaunchSpec) bool
	// StartErr, when set, fails Start for the matching call.
	StartErr func(name string, spec supervisor.LaunchSpec) error
	// InspectErr fails every Inspect call when set.
	InspectErr error
	// HangInspect blocks Inspect until the caller's context ends.
	HangInspect bool
	// StartDelay is slept inside Start, to widen race windows in tests.
	StartDelay time.Duration
	// LogText is returned by TailLogs for workers without their own logs.
	LogText string
}

// New builds an empty stub.
func New() *Supervisor {
	return &Supervisor{containers: make(map[string]*Container)}
}

// Seed installs a worker directly, bypassing Start and call recording.
func (s *Supervisor) Seed(name string, spec supervisor.LaunchSpec, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.containers[name] = &Container{Name: name, ID: fmt.Sprintf("stub-%d", s.nextID), Spec: spec, Running: running}
}

// Container returns a copy of the named worker.
func (s *Supervisor) Container(name string) (Container, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// SetRunning flips the running flag of an existing worker.
func (s *Supervisor) SetRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[name]; ok {
		c.Running = running
	}
}

// Calls returns the recorded operations as "op name" strings.
func (s *Supervisor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ResetCalls clears the call log.
func (s *Supervisor) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

func (s *Supervisor) record(op string, args ...string) {
	s.calls = append(s.calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
}

func (s *Supervisor) Start(ctx context.Context, name string, spec supervisor.LaunchSpec) (string, error) {
	if s.StartDelay > 0 {
		select {
		case <-time.After(s.StartDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("start", name)
	if s.StartErr != nil {
		if err := s.StartErr(name, spec); err != nil {
			return "", err
		}
	}
	if _, exists := s.containers[name]; exists {
		return "", fmt.Errorf("start %s: %w", name, supervisor.ErrExists)
	}
	running := true
	if s.Ready != nil {
		running = s.Ready(name, spec)
	}
	s.nextID++
	c := &Container{Name: name, ID: fmt.Sprintf("stub-%d", s.nextID), Spec: spec, Running: running}
	s.containers[name] = c
	return c.ID, nil
}

func (s *Supervisor) Interrupt(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("interrupt", name)
	if c, ok := s.containers[name]; ok {
		c.Interrupted = true
	}
	return nil
}

func (s *Supervisor) Stop(_ context.Context, name string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("stop", name)
	if c, ok := s.containers[name]; ok {
		c.Running = false
		c.Stopped = true
	}
	return nil
}

func (s *Supervisor) Remove(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("remove", name)
	delete(s.containers, name)
	return nil
}

func (s *Supervisor) Rename(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("rename", from, to)
	c, ok := s.containers[from]
	if !ok {
		return fmt.Errorf("rename %s: %w", from, supervisor.ErrNotFound)
	}
	if _, exists := s.containers[to]; exists {
		return fmt.Errorf("rename %s: %w", to, supervisor.ErrExists)
	}
	delete(s.containers, from)
	c.Name = to
	s.containers[to] = c
	return nil
}

func (s *Supervisor) Inspect(ctx context.Context, name string) (supervisor.Status, error) {
	if s.HangInspect {
		<-ctx.Done()
		return supervisor.Status{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InspectErr != nil {
		return supervisor.Status{}, s.InspectErr
	}
	c, ok := s.containers[name]
	if !ok {
		return supervisor.Status{Name: name}, nil
	}
	state := "created"
	if c.Running {
		state = "running"
	} else if c.Stopped {
		state = "exited"
	}
	return supervisor.Status{
		Name:    name,
		ID:      c.ID,
		Exists:  true,
		Running: c.Running,
		State:   state,
		Labels:  c.Spec.Labels,
		Command: append([]string{c.Spec.Program}, c.Spec.Args...),
	}, nil
}

func (s *Supervisor) TailLogs(_ context.Context, name string, lines int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("logs", name)
	c, ok := s.containers[name]
	if !ok {
		return "", fmt.Errorf("logs %s: %w", name, supervisor.ErrNotFound)
	}
	text := c.Logs
	if text == "" {
		text = s.LogText
	}
	if lines > 0 {
		all := strings.Split(text, "\n")
		if len(all) > lines {
			text = strings.Join(all[len(all)-lines:], "\n")
		}
	}
	return text, nil
}

// ErrScripted is a convenience failure for StartErr hooks.
var ErrScripted = errors.New("scripted failure")

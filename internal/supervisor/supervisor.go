// Package supervisor starts, inspects and tears down the long-running relay
// worker processes. The relay logic only talks to the Supervisor interface;
// Docker drives containers through the docker CLI and Process runs ffmpeg as
// local child processes.
package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrExists is returned by Start and Rename when the target name is taken.
var ErrExists = errors.New("process already exists")

// ErrNotFound is returned by Rename and TailLogs when the name is unknown.
var ErrNotFound = errors.New("process not found")

// LaunchSpec describes one worker invocation.
type LaunchSpec struct {
	Program string
	Args    []string
	// Labels are recorded alongside the process and read back by Inspect.
	Labels map[string]string
}

// CommandLine renders the program and arguments as a single line.
func (s LaunchSpec) CommandLine() string {
	return strings.Join(append([]string{s.Program}, s.Args...), " ")
}

// Status is the observed state of a named process.
type Status struct {
	Name      string            `json:"name"`
	ID        string            `json:"id,omitempty"`
	Exists    bool              `json:"exists"`
	Running   bool              `json:"running"`
	State     string            `json:"state,omitempty"`
	ExitCode  int               `json:"exitCode,omitempty"`
	Image     string            `json:"image,omitempty"`
	StartedAt time.Time         `json:"startedAt,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Command   []string          `json:"command,omitempty"`
}

// CommandLine joins the recorded command.
func (s Status) CommandLine() string {
	return strings.Join(s.Command, " ")
}

// Supervisor manages named worker processes. Interrupt, Stop and Remove on an
// absent name are no-ops.
type Supervisor interface {
	Start(ctx context.Context, name string, spec LaunchSpec) (string, error)
	Interrupt(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	Inspect(ctx context.Context, name string) (Status, error)
	TailLogs(ctx context.Context, name string, lines int) (string, error)
}

// NormalizeLogText converts carriage-return progress lines to separate lines
// and drops trailing whitespace.
func NormalizeLogText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimRight(text, " \t\n")
}

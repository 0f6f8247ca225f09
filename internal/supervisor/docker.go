package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Runner executes one docker CLI invocation.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr []byte, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, args ...string) ([]byte, []byte, error)

func (f RunnerFunc) Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	return f(ctx, args...)
}

// ExecRunner shells out to the docker binary.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "docker"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CommandError carries the docker CLI diagnostics of a failed call.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("docker %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

func isNoSuchContainer(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(strings.ToLower(cmdErr.Stderr), "no such")
}

// DockerConfig configures the docker CLI supervisor.
type DockerConfig struct {
	Image string
	// Network is used as-is when set; otherwise the first network named
	// *_relay-net (preferring NetworkHint) or "bridge" is picked.
	Network     string
	NetworkHint string
	Volumes     []string
	Runner      Runner
	Logger      *slog.Logger
}

// Docker supervises workers as docker containers.
type Docker struct {
	cfg    DockerConfig
	runner Runner
	logger *slog.Logger

	netMu   sync.Mutex
	network string
}

// NewDocker builds a Docker supervisor.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("docker image is required")
	}
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cfg: cfg, runner: runner, logger: logger, network: strings.TrimSpace(cfg.Network)}, nil
}

func (d *Docker) run(ctx context.Context, args ...string) ([]byte, error) {
	stdout, stderr, err := d.runner.Run(ctx, args...)
	if err != nil {
		return stdout, &CommandError{Args: args, Stderr: string(stderr), Err: err}
	}
	return stdout, nil
}

// Network returns the docker network workers join, detecting it once.
func (d *Docker) Network(ctx context.Context) (string, error) {
	d.netMu.Lock()
	defer d.netMu.Unlock()
	if d.network != "" {
		return d.network, nil
	}
	out, err := d.run(ctx, "network", "ls", "--format", "{{.Name}}")
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	d.network = pickNetwork(strings.Split(string(out), "\n"), d.cfg.NetworkHint)
	d.logger.Info("relay network selected", "network", d.network)
	return d.network, nil
}

func pickNetwork(lines []string, hint string) string {
	var candidates []string
	for _, line := range lines {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if hint != "" && name == hint {
			return name
		}
		if strings.HasSuffix(name, "_relay-net") {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return "bridge"
}

func (d *Docker) Start(ctx context.Context, name string, spec LaunchSpec) (string, error) {
	network, err := d.Network(ctx)
	if err != nil {
		return "", err
	}
	args := []string{"run", "-d", "--name", name, "--network", network}
	for _, volume := range d.cfg.Volumes {
		args = append(args, "-v", volume)
	}
	keys := make([]string, 0, len(spec.Labels))
	for key := range spec.Labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	if spec.Program != "" {
		args = append(args, "--entrypoint", spec.Program)
	}
	args = append(args, d.cfg.Image)
	args = append(args, spec.Args...)

	out, err := d.run(ctx, args...)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "already in use") {
			return "", fmt.Errorf("start %s: %w", name, ErrExists)
		}
		return "", fmt.Errorf("start %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Interrupt delivers SIGINT to the container's main process so ffmpeg can
// flush and close the output cleanly.
func (d *Docker) Interrupt(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "kill", "--signal", "INT", name); err != nil {
		if isNoSuchContainer(err) || isNotRunning(err) {
			return nil
		}
		return fmt.Errorf("interrupt %s: %w", name, err)
	}
	return nil
}

func isNotRunning(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), "is not running")
}

func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if _, err := d.run(ctx, "stop", "-t", strconv.Itoa(seconds), name); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "rm", "-f", name); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Rename(ctx context.Context, from, to string) error {
	if _, err := d.run(ctx, "rename", from, to); err != nil {
		if isNoSuchContainer(err) {
			return fmt.Errorf("rename %s: %w", from, ErrNotFound)
		}
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

type dockerInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		ExitCode  int    `json:"ExitCode"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	Config struct {
		Image      string            `json:"Image"`
		Labels     map[string]string `json:"Labels"`
		Entrypoint []string          `json:"Entrypoint"`
		Cmd        []string          `json:"Cmd"`
	} `json:"Config"`
}

func (d *Docker) Inspect(ctx context.Context, name string) (Status, error) {
	out, err := d.run(ctx, "inspect", "--type", "container", "--format", "{{json .}}", name)
	if err != nil {
		if isNoSuchContainer(err) {
			return Status{Name: name}, nil
		}
		return Status{}, fmt.Errorf("inspect %s: %w", name, err)
	}
	var raw dockerInspect
	if err := json.Unmarshal(bytes.TrimSpace(out), &raw); err != nil {
		return Status{}, fmt.Errorf("decode inspect %s: %w", name, err)
	}
	status := Status{
		Name:     name,
		ID:       raw.ID,
		Exists:   true,
		Running:  raw.State.Running,
		State:    raw.State.Status,
		ExitCode: raw.State.ExitCode,
		Image:    raw.Config.Image,
		Labels:   raw.Config.Labels,
		Command:  append(append([]string(nil), raw.Config.Entrypoint...), raw.Config.Cmd...),
	}
	if started, err := time.Parse(time.RFC3339Nano, raw.State.StartedAt); err == nil && !started.IsZero() && started.Year() > 1 {
		status.StartedAt = started
	}
	return status, nil
}

// TailLogs returns the last lines of the container output. ffmpeg writes to
// stderr, so both streams are returned.
func (d *Docker) TailLogs(ctx context.Context, name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 20
	}
	stdout, stderr, err := d.runner.Run(ctx, "logs", "--tail", strconv.Itoa(lines), name)
	if err != nil {
		cmdErr := &CommandError{Args: []string{"logs", name}, Stderr: string(stderr), Err: err}
		if isNoSuchContainer(cmdErr) {
			return "", fmt.Errorf("logs %s: %w", name, ErrNotFound)
		}
		return "", fmt.Errorf("logs %s: %w", name, cmdErr)
	}
	combined := string(stdout)
	if len(stderr) > 0 {
		if combined != "" && !strings.HasSuffix(combined, "\n") {
			combined += "\n"
		}
		combined += string(stderr)
	}
	return NormalizeLogText(combined), nil
}

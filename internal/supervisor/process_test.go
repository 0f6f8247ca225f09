package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestProcessLifecycle(t *testing.T) {
	requireBinary(t, "sleep")
	sup := NewProcess(ProcessConfig{})
	ctx := context.Background()

	spec := LaunchSpec{Program: "sleep", Args: []string{"30"}, Labels: map[string]string{"relay.target": "dennis"}}
	if _, err := sup.Start(ctx, "relay-next", spec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sup.Remove(context.Background(), "relay") })

	if _, err := sup.Start(ctx, "relay-next", spec); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	status, err := sup.Inspect(ctx, "relay-next")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !status.Running || status.Labels["relay.target"] != "dennis" || status.CommandLine() != "sleep 30" {
		t.Fatalf("unexpected status %+v", status)
	}

	if err := sup.Rename(ctx, "relay-next", "relay"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if status, _ := sup.Inspect(ctx, "relay-next"); status.Exists {
		t.Fatalf("expected old name to be gone")
	}

	if err := sup.Stop(ctx, "relay", 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status, _ = sup.Inspect(ctx, "relay")
	if status.Running || !status.Exists {
		t.Fatalf("expected stopped but present process, got %+v", status)
	}
	if err := sup.Remove(ctx, "relay"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if status, _ := sup.Inspect(ctx, "relay"); status.Exists {
		t.Fatalf("expected removed process")
	}
}

func TestProcessCapturesLogs(t *testing.T) {
	requireBinary(t, "sh")
	sup := NewProcess(ProcessConfig{LogLines: 3})
	ctx := context.Background()

	script := `printf 'one\ntwo\rthree\n' ; echo four >&2 ; echo five`
	if _, err := sup.Start(ctx, "relay", LaunchSpec{Program: "sh", Args: []string{"-c", script}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sup.Remove(context.Background(), "relay") })

	waitFor(t, 5*time.Second, func() bool {
		status, _ := sup.Inspect(ctx, "relay")
		return !status.Running
	})

	logs, err := sup.TailLogs(ctx, "relay", 10)
	if err != nil {
		t.Fatalf("TailLogs: %v", err)
	}
	lines := strings.Split(logs, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected ring to keep 3 lines, got %q", logs)
	}
	if lines[len(lines)-1] != "five" {
		t.Fatalf("expected last line five, got %q", logs)
	}
	if tail, _ := sup.TailLogs(ctx, "relay", 1); tail != "five" {
		t.Fatalf("expected single line tail, got %q", tail)
	}
}

func TestProcessAbsentNamesAreNoops(t *testing.T) {
	sup := NewProcess(ProcessConfig{})
	ctx := context.Background()
	if err := sup.Interrupt(ctx, "missing"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if err := sup.Stop(ctx, "missing", time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sup.Remove(ctx, "missing"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := sup.Rename(ctx, "missing", "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := sup.Start(ctx, "x", LaunchSpec{}); err == nil {
		t.Fatalf("expected program validation error")
	}
}

func TestProcessInterruptEndsWorker(t *testing.T) {
	requireBinary(t, "sleep")
	sup := NewProcess(ProcessConfig{})
	ctx := context.Background()
	if _, err := sup.Start(ctx, "relay", LaunchSpec{Program: "sleep", Args: []string{"30"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sup.Remove(context.Background(), "relay") })

	if err := sup.Interrupt(ctx, "relay"); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		status, _ := sup.Inspect(ctx, "relay")
		return !status.Running
	})
}

func TestNormalizeLogText(t *testing.T) {
	if got := NormalizeLogText("a\r\nb\rc\n\n  "); got != "a\nb\nc" {
		t.Fatalf("unexpected normalization %q", got)
	}
}

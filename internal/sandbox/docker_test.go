package sandbox

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// newTestDocker builds a DockerRuntime whose docker invocations run the given
// shell script instead. It bypasses NewDockerRuntime to avoid host resolution.
func newTestDocker(label, script string) *DockerRuntime {
	d := &DockerRuntime{
		label:    label,
		attached: make(map[string]io.ReadCloser),
	}
	d.command = func(ctx context.Context, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
	return d
}

// argsContain returns true if the args slice contains needle.
func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

func testSpec() ProcessSpec {
	return ProcessSpec{
		Name:       "sandbox-1",
		Image:      "python:alpine",
		Command:    []string{"python", "-c", "print(1+1)"},
		Quota:      Quota{MemoryBytes: 100, MemorySwapBytes: 100, CPUQuota: 100000, CPUPeriod: 100000},
		AutoRemove: true,
		Labels:     map[string]string{"b": "2", "a": "1"},
	}
}

func TestCreateArgs(t *testing.T) {
	d := newTestDocker("sandbox-broker.managed", "")
	args := d.createArgs(testSpec())

	if args[0] != "create" {
		t.Fatalf("args[0] = %q, want create", args[0])
	}
	for _, want := range []string{"none", "--rm", "--read-only", "65534:65534", "ALL", "sandbox-broker.managed=true"} {
		if !argsContain(args, want) {
			t.Errorf("expected %q in %v", want, args)
		}
	}

	// Quota flags carry exact byte counts and the CFS pair.
	joined := strings.Join(args, " ")
	for _, want := range []string{"--memory 100", "--memory-swap 100", "--cpu-period 100000", "--cpu-quota 100000"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected %q in %q", want, joined)
		}
	}

	// Labels are sorted for stable invocations.
	if strings.Index(joined, "a=1") > strings.Index(joined, "b=2") {
		t.Error("labels not sorted")
	}

	// The code is one argv element after the image.
	tail := args[len(args)-4:]
	want := []string{"python:alpine", "python", "-c", "print(1+1)"}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("tail = %v, want %v", tail, want)
		}
	}
}

func TestCreateArgs_NetworkAndRemoval(t *testing.T) {
	d := newTestDocker("", "")
	spec := testSpec()
	spec.Network = true
	spec.AutoRemove = false
	args := d.createArgs(spec)

	if !argsContain(args, "bridge") {
		t.Error("expected bridge network when network is allowed")
	}
	if argsContain(args, "--rm") {
		t.Error("unexpected --rm without auto-removal")
	}
	for _, a := range args {
		if strings.HasSuffix(a, ".managed=true") {
			t.Error("unexpected managed label when none configured")
		}
	}
}

func TestDockerCreate(t *testing.T) {
	d := newTestDocker("", "echo abc123")
	id, err := d.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "abc123" {
		t.Errorf("id = %q, want abc123", id)
	}
}

func TestDockerCreate_InvalidSpec(t *testing.T) {
	d := newTestDocker("", "echo should-not-run")
	spec := testSpec()
	spec.Quota.MemoryBytes = 0
	_, err := d.Create(context.Background(), spec)
	if !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("err = %v, want ErrInvalidSpec", err)
	}
}

func TestDockerCreate_DaemonError(t *testing.T) {
	d := newTestDocker("", "echo 'Unable to find image' >&2; exit 125")
	_, err := d.Create(context.Background(), testSpec())
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.Op != "create" {
		t.Fatalf("err = %v, want create ProcessError", err)
	}
	if !strings.Contains(err.Error(), "Unable to find image") {
		t.Errorf("err = %v, want daemon message", err)
	}
}

func TestDockerStartLogs_CombinedOutput(t *testing.T) {
	d := newTestDocker("", "echo out; echo err >&2; exit 1")
	ctx := context.Background()

	if err := d.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream, err := d.Logs(ctx, "c1")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("container exit status must not be a stream error: %v", err)
	}
	if !strings.Contains(string(data), "out") || !strings.Contains(string(data), "err") {
		t.Errorf("output = %q, want both streams", data)
	}

	if _, err := d.Logs(ctx, "c1"); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("second Logs err = %v, want ErrProcessNotFound", err)
	}
}

func TestDockerStartLogs_DaemonFailureIsStreamError(t *testing.T) {
	d := newTestDocker("", "echo 'cannot start' >&2; exit 125")
	ctx := context.Background()

	if err := d.Start(ctx, "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream, err := d.Logs(ctx, "c1")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	_, err = io.ReadAll(stream)
	var pe *ProcessError
	if !errors.As(err, &pe) || pe.Op != "attach" {
		t.Fatalf("err = %v, want attach ProcessError", err)
	}
}

func TestDockerStop_NotFound(t *testing.T) {
	d := newTestDocker("", "echo 'Error response from daemon: No such container: c9' >&2; exit 1")
	err := d.Stop(context.Background(), "c9")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestDockerList(t *testing.T) {
	script := `printf 'aaa\tsandbox-1\t2026-01-02 15:04:05 +0000 UTC\nbbb\tsandbox-2\tnot a time\n'`
	d := newTestDocker("sandbox-broker.managed", script)

	procs, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("got %d processes, want 1 (bad timestamp skipped)", len(procs))
	}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if procs[0].ID != "aaa" || procs[0].Name != "sandbox-1" || !procs[0].CreatedAt.Equal(want) {
		t.Errorf("procs[0] = %+v", procs[0])
	}
}

func TestProcessSpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ProcessSpec)
	}{
		{"no name", func(s *ProcessSpec) { s.Name = "" }},
		{"no image", func(s *ProcessSpec) { s.Image = "" }},
		{"no command", func(s *ProcessSpec) { s.Command = nil }},
		{"bad quota", func(s *ProcessSpec) { s.Quota.CPUPeriod = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSpec()
			tt.modify(&s)
			if err := s.Validate(); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Validate() = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

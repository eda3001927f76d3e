package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// dockerTimeLayout is the format of {{.CreatedAt}} in docker ps output.
const dockerTimeLayout = "2006-01-02 15:04:05 -0700 MST"

// exitDaemonError is the status the docker CLI uses for its own failures,
// as opposed to the container's exit status.
const exitDaemonError = 125

// DockerRuntime drives sandboxes through the docker CLI (macOS, or Linux without containerd).
type DockerRuntime struct {
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
	label      string

	mu       sync.Mutex
	attached map[string]io.ReadCloser

	// command builds a docker invocation; replaced in tests.
	command func(ctx context.Context, args ...string) *exec.Cmd
}

func NewDockerRuntime(label string) *DockerRuntime {
	d := &DockerRuntime{
		dockerHost: resolveDockerHost(),
		label:      label,
		attached:   make(map[string]io.ReadCloser),
	}
	d.command = d.dockerCommand
	return d
}

func dockerAvailable() error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("%w: docker not found in PATH: %v", ErrRuntimeUnavailable, err)
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		return fmt.Errorf("%w: docker daemon not reachable: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRuntime) dockerCommand(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, code is a single argv element
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := d.command(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "No such container") {
			return "", ErrProcessNotFound
		}
		if msg != "" {
			return "", errors.New(msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec ProcessSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", &ProcessError{Op: "create", Err: err}
	}
	id, err := d.run(ctx, d.createArgs(spec)...)
	if err != nil {
		return "", &ProcessError{Op: "create", Err: err}
	}
	if id == "" {
		return "", &ProcessError{Op: "create", Err: errors.New("docker returned no container id")}
	}
	return id, nil
}

func (d *DockerRuntime) createArgs(spec ProcessSpec) []string {
	network := "none"
	if spec.Network {
		network = "bridge"
	}

	args := []string{
		"create",
		"--name", spec.Name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--user", "65534:65534",
		"--tmpfs", "/tmp:rw,nosuid,nodev,size=16m",
		"-e", "HOME=/tmp",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
		"-e", "PYTHONUNBUFFERED=1",
	}
	if spec.AutoRemove {
		args = append(args, "--rm")
	}
	if d.label != "" {
		args = append(args, "--label", d.label+"=true")
	}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, spec.Quota.dockerArgs()...)
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

// Start attaches to the container while starting it, so output produced by a
// process that exits (and is auto-removed) immediately is still captured.
// The attached stream is handed out by Logs.
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	pr, pw := io.Pipe()
	cmd := d.command(ctx, "start", "--attach", id)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return &ProcessError{ProcessID: id, Op: "start", Err: err}
	}

	d.mu.Lock()
	d.attached[id] = pr
	d.mu.Unlock()

	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() != exitDaemonError {
			// The container's own non-zero exit is output, not a stream failure.
			err = nil
		}
		if err != nil {
			err = &ProcessError{ProcessID: id, Op: "attach", Err: err}
		}
		_ = pw.CloseWithError(err)
	}()
	return nil
}

func (d *DockerRuntime) Logs(_ context.Context, id string) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stream, ok := d.attached[id]
	if !ok {
		return nil, &ProcessError{ProcessID: id, Op: "logs", Err: ErrProcessNotFound}
	}
	delete(d.attached, id)
	return stream, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	if _, err := d.run(ctx, "stop", "--time", "1", id); err != nil {
		return &ProcessError{ProcessID: id, Op: "stop", Err: err}
	}
	return nil
}

func (d *DockerRuntime) List(ctx context.Context) ([]ProcessInfo, error) {
	args := []string{"ps", "--no-trunc", "--format", "{{.ID}}\t{{.Names}}\t{{.CreatedAt}}"}
	if d.label != "" {
		args = append(args, "--filter", "label="+d.label)
	}
	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, &ProcessError{Op: "list", Err: err}
	}
	return parsePS(out), nil
}

// parsePS reads docker ps lines; rows with an unparseable timestamp are
// skipped rather than guessed at.
func parsePS(out string) []ProcessInfo {
	var procs []ProcessInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), "\t", 3)
		if len(fields) != 3 {
			continue
		}
		created, err := time.Parse(dockerTimeLayout, fields[2])
		if err != nil {
			log.Debug().Err(err).Str("container_id", fields[0]).Msg("skipping container with unparseable creation time")
			continue
		}
		procs = append(procs, ProcessInfo{ID: fields[0], Name: fields[1], CreatedAt: created})
	}
	return procs
}

// Close drops unread attach streams. Running sandboxes are left alone.
func (d *DockerRuntime) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, stream := range d.attached {
		_ = stream.Close()
		delete(d.attached, id)
	}
	return nil
}

// Healthy reports whether the docker daemon answers.
func (d *DockerRuntime) Healthy(ctx context.Context) bool {
	_, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	return err == nil
}

package sandbox

import (
	"context"
	"fmt"
	"io"
	goruntime "runtime"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/config"
)

// ProcessSpec describes one single-shot sandbox process.
type ProcessSpec struct {
	Name       string
	Image      string
	Command    []string
	Quota      Quota
	Network    bool // false isolates the process from every network
	AutoRemove bool
	Labels     map[string]string
}

// ProcessInfo is what the runtime reports about a live sandbox.
type ProcessInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Runtime is the sandbox engine the broker drives. Implementations must make
// Logs return the combined stdout/stderr stream of a started process, in the
// order the process wrote it, ending with io.EOF when the process exits.
type Runtime interface {
	Create(ctx context.Context, spec ProcessSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	List(ctx context.Context) ([]ProcessInfo, error)
	Close() error
}

// Multiplexed is implemented by runtimes whose Logs stream carries a
// stream header on every chunk. The docker and containerd backends deliver
// plain bytes and do not implement it.
type Multiplexed interface {
	MultiplexedLogs() bool
}

// MultiplexedLogs reports whether output chunks from rt need StripFrame.
func MultiplexedLogs(rt Runtime) bool {
	m, ok := rt.(Multiplexed)
	return ok && m.MultiplexedLogs()
}

// Validate rejects specs no backend could run.
func (s ProcessSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidSpec)
	}
	if s.Image == "" {
		return fmt.Errorf("%w: image is empty", ErrInvalidSpec)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("%w: command is empty", ErrInvalidSpec)
	}
	return s.Quota.Validate()
}

// NewRuntime picks the configured backend: containerd on Linux, Docker elsewhere.
func NewRuntime(ctx context.Context, cfg config.SandboxConfig) (Runtime, error) {
	preference := cfg.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdRuntime(ctx, cfg)
	case "docker":
		return newDockerRuntime(cfg)
	case "auto":
		if goruntime.GOOS == "linux" {
			rt, err := newContainerdRuntime(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd sandbox runtime")
				return rt, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		rt, err := newDockerRuntime(cfg)
		if err == nil {
			log.Info().Msg("using Docker sandbox runtime")
			return rt, nil
		}

		return nil, fmt.Errorf("%w: install Docker or containerd", ErrRuntimeUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdRuntime(ctx context.Context, cfg config.SandboxConfig) (Runtime, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}
	return NewContainerdRuntime(client, cfg.ManagedLabel), nil
}

func newDockerRuntime(cfg config.SandboxConfig) (Runtime, error) {
	if err := dockerAvailable(); err != nil {
		return nil, err
	}
	return NewDockerRuntime(cfg.ManagedLabel), nil
}

package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// ContainerdRuntime runs sandboxes as containerd tasks.
type ContainerdRuntime struct {
	client *Client
	label  string

	mu    sync.Mutex
	procs map[string]*ctrProcess
}

type ctrProcess struct {
	container  containerd.Container
	autoRemove bool
	task       containerd.Task
	output     *io.PipeReader
}

func NewContainerdRuntime(client *Client, label string) *ContainerdRuntime {
	return &ContainerdRuntime{
		client: client,
		label:  label,
		procs:  make(map[string]*ctrProcess),
	}
}

func (r *ContainerdRuntime) Create(ctx context.Context, spec ProcessSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", &ProcessError{Op: "create", Err: err}
	}

	image, err := r.client.image(ctx, spec.Image)
	if err != nil {
		return "", &ProcessError{ProcessID: spec.Name, Op: "pull_image", Err: err}
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if r.label != "" {
		labels[r.label] = "true"
	}

	nsCtx := r.client.WithNamespace(ctx)
	container, err := r.client.inner.NewContainer(nsCtx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplyIsolation(s, IsolationFor(spec))
				ApplyQuota(s, spec.Quota)
				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"PYTHONDONTWRITEBYTECODE=1",
					"PYTHONUNBUFFERED=1",
				}
				return nil
			},
		),
	)
	if err != nil {
		return "", &ProcessError{ProcessID: spec.Name, Op: "create", Err: err}
	}

	r.mu.Lock()
	r.procs[spec.Name] = &ctrProcess{container: container, autoRemove: spec.AutoRemove}
	r.mu.Unlock()

	return spec.Name, nil
}

func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.procs[id]
	r.mu.Unlock()
	if !ok {
		return &ProcessError{ProcessID: id, Op: "start", Err: ErrProcessNotFound}
	}

	nsCtx := r.client.WithNamespace(ctx)
	pr, pw := io.Pipe()

	// stdout and stderr share one pipe: the combined stream in write order.
	task, err := p.container.NewTask(nsCtx, cio.NewCreator(cio.WithStreams(nil, pw, pw)))
	if err != nil {
		_ = pw.Close()
		r.forget(context.Background(), id, p)
		return &ProcessError{ProcessID: id, Op: "create_task", Err: err}
	}

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		_ = pw.Close()
		r.forget(context.Background(), id, p)
		return &ProcessError{ProcessID: id, Op: "task_wait", Err: err}
	}

	if err := task.Start(nsCtx); err != nil {
		_ = pw.Close()
		r.forget(context.Background(), id, p)
		return &ProcessError{ProcessID: id, Op: "task_start", Err: err}
	}

	r.mu.Lock()
	p.task = task
	p.output = pr
	r.mu.Unlock()

	go func() {
		status := <-exitCh
		bg := r.client.WithNamespace(context.Background())

		// Delete waits for the IO copy to drain before the pipe is closed.
		if _, err := task.Delete(bg); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("process_id", id).Msg("failed to delete exited task")
		}

		var streamErr error
		if _, _, err := status.Result(); err != nil {
			streamErr = &ProcessError{ProcessID: id, Op: "wait", Err: err}
		}
		_ = pw.CloseWithError(streamErr)

		if p.autoRemove {
			r.forget(context.Background(), id, p)
		}
	}()

	return nil
}

// forget drops the process and removes its container.
func (r *ContainerdRuntime) forget(ctx context.Context, id string, p *ctrProcess) {
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()

	if err := r.teardown(ctx, p.container); err != nil {
		log.Error().Err(err).Str("process_id", id).Msg("sandbox removal failed")
	}
}

func (r *ContainerdRuntime) Logs(_ context.Context, id string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.procs[id]
	if !ok || p.output == nil {
		return nil, &ProcessError{ProcessID: id, Op: "logs", Err: ErrProcessNotFound}
	}
	out := p.output
	p.output = nil
	return out, nil
}

// Stop kills a sandbox. Processes this runtime did not start (left by a
// crashed broker, or by another broker on the same host) are loaded and
// torn down directly.
func (r *ContainerdRuntime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	p, ok := r.procs[id]
	r.mu.Unlock()

	nsCtx := r.client.WithNamespace(ctx)

	if ok && p.task != nil {
		if err := p.task.Kill(nsCtx, syscall.SIGKILL); err != nil {
			if errdefs.IsNotFound(err) {
				return &ProcessError{ProcessID: id, Op: "stop", Err: ErrProcessNotFound}
			}
			return &ProcessError{ProcessID: id, Op: "stop", Err: err}
		}
		return nil
	}

	container, err := r.client.inner.LoadContainer(nsCtx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &ProcessError{ProcessID: id, Op: "stop", Err: ErrProcessNotFound}
		}
		return &ProcessError{ProcessID: id, Op: "stop", Err: err}
	}
	if err := r.teardown(ctx, container); err != nil {
		return &ProcessError{ProcessID: id, Op: "stop", Err: err}
	}
	return nil
}

func (r *ContainerdRuntime) List(ctx context.Context) ([]ProcessInfo, error) {
	nsCtx := r.client.WithNamespace(ctx)

	var filters []string
	if r.label != "" {
		filters = append(filters, fmt.Sprintf("labels.%q==true", r.label))
	}

	list, err := r.client.inner.Containers(nsCtx, filters...)
	if err != nil {
		return nil, &ProcessError{Op: "list", Err: err}
	}

	procs := make([]ProcessInfo, 0, len(list))
	for _, c := range list {
		info, err := c.Info(nsCtx)
		if err != nil {
			if !errdefs.IsNotFound(err) {
				log.Warn().Err(err).Str("process_id", c.ID()).Msg("failed to inspect sandbox")
			}
			continue
		}
		procs = append(procs, ProcessInfo{ID: c.ID(), Name: c.ID(), CreatedAt: info.CreatedAt})
	}
	return procs, nil
}

// Healthy reports whether containerd answers.
func (r *ContainerdRuntime) Healthy(ctx context.Context) bool {
	return r.client.Healthy(ctx)
}

func (r *ContainerdRuntime) Close() error {
	return r.client.Close()
}

package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

// teardown kills a container's task if it is still running, then deletes the
// task and the container with its snapshot. Missing pieces are not errors.
func (r *ContainerdRuntime) teardown(ctx context.Context, container containerd.Container) error {
	id := container.ID()
	logger := log.With().Str("process_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = r.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, err := task.Wait(waitCtx); err == nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("deleting container %s: %w", id, err)
	}

	logger.Debug().Msg("sandbox removed")
	return nil
}

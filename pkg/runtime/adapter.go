package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/controlplane/pkg/worker"
)

// WorkerAdapter adapts ContainerdRuntime to worker.Runtime, the
// container-backed alternative to worker.ProcessRuntime for
// kind=templated agents whose rendered template names an OCI image
// rather than a local executable. ProcessSpec.Command carries the
// image reference in this mode; ProcessSpec.WorkDir is unused.
type WorkerAdapter struct {
	rt *ContainerdRuntime
}

// NewWorkerAdapter wraps an already-connected ContainerdRuntime.
func NewWorkerAdapter(rt *ContainerdRuntime) *WorkerAdapter {
	return &WorkerAdapter{rt: rt}
}

func (a *WorkerAdapter) Start(ctx context.Context, spec worker.ProcessSpec) (*worker.Handle, error) {
	if err := a.rt.PullImage(ctx, spec.Command); err != nil {
		return nil, fmt.Errorf("pull image %q: %w", spec.Command, err)
	}

	containerID, err := a.rt.CreateContainer(ctx, Spec{
		ID:    spec.AgentID,
		Image: spec.Command,
		Env:   spec.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := a.rt.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &worker.Handle{
		AgentID: spec.AgentID,
		Extra:   map[string]string{"container_id": containerID},
	}, nil
}

func (a *WorkerAdapter) Stop(ctx context.Context, handle *worker.Handle, drainDeadline time.Duration) error {
	containerID := handle.Extra["container_id"]
	if containerID == "" {
		return fmt.Errorf("handle for agent %s carries no container id", handle.AgentID)
	}
	if err := a.rt.StopContainer(ctx, containerID, drainDeadline); err != nil {
		return err
	}
	return a.rt.DeleteContainer(ctx, containerID)
}

func (a *WorkerAdapter) Running(handle *worker.Handle) bool {
	containerID := handle.Extra["container_id"]
	if containerID == "" {
		return false
	}
	return a.rt.IsRunning(context.Background(), containerID)
}

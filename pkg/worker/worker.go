package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/health"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/registry"
	"github.com/agentmesh/controlplane/pkg/template"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
)

// ProcessSpec is what a Runtime needs to start one agent worker
// instance.
type ProcessSpec struct {
	AgentID string
	WorkDir string
	Command string
	Args    []string
	Env     []string
}

// Handle identifies a running worker instance to a later Stop call.
// Process is populated by ProcessRuntime and nil for other backends.
type Handle struct {
	AgentID string
	Process *os.Process
	Extra   map[string]string
}

// Runtime spawns and tears down one agent worker instance. The
// default backend is ProcessRuntime (os/exec); pkg/runtime provides a
// containerd-backed alternative for agents packaged as OCI images.
type Runtime interface {
	Start(ctx context.Context, spec ProcessSpec) (*Handle, error)
	Stop(ctx context.Context, handle *Handle, drainDeadline time.Duration) error
	Running(handle *Handle) bool
}

// ProcessRuntime runs agent workers as local OS processes, each in
// its own process group so Stop can signal the whole group.
type ProcessRuntime struct{}

// NewProcessRuntime creates the default os/exec-backed Runtime.
func NewProcessRuntime() *ProcessRuntime { return &ProcessRuntime{} }

// Start spawns spec.Command in a new process group under spec.WorkDir
// and wires its stdout/stderr to the calling process's own, which a
// surrounding log sink is expected to capture.
func (p *ProcessRuntime) Start(ctx context.Context, spec ProcessSpec) (*Handle, error) {
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker process: %w", err)
	}

	go cmd.Wait() // reap on exit; caller learns of death via the health probe

	return &Handle{AgentID: spec.AgentID, Process: cmd.Process}, nil
}

// Stop sends SIGTERM to the process group, escalating to SIGKILL if
// the group hasn't exited by drainDeadline.
func (p *ProcessRuntime) Stop(ctx context.Context, handle *Handle, drainDeadline time.Duration) error {
	if handle == nil || handle.Process == nil {
		return nil
	}
	pgid := handle.Process.Pid

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sigterm process group: %w", err)
	}

	done := make(chan struct{})
	go func() {
		handle.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(drainDeadline):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return nil
	}
}

// Running reports whether the process is still alive by probing it
// with signal 0.
func (p *ProcessRuntime) Running(handle *Handle) bool {
	if handle == nil || handle.Process == nil {
		return false
	}
	return syscall.Kill(handle.Process.Pid, 0) == nil
}

// TemplateSource supplies the rendered-template lookup the
// Orchestrator needs for kind=templated deploys.
type TemplateSource interface {
	GetTemplate(id string) (*types.Template, error)
}

// Config controls deploy timing and the worker's working directory
// root.
type Config struct {
	WorkDirRoot      string
	StartupDeadline  time.Duration
	DrainDeadline    time.Duration
	ProbeInterval    time.Duration
	PortBase         int
	PortCapacity     int

	// RolloutParallelism caps how many replicas Converge spawns or
	// stops in one batch when moving toward DesiredReplicas; the rest
	// of the gap is closed in further batches separated by
	// RolloutDelay. A value <= 0 is treated as 1.
	RolloutParallelism int
	RolloutDelay       time.Duration
}

// DefaultConfig returns conservative defaults for deploy timing.
func DefaultConfig() Config {
	return Config{
		WorkDirRoot:     "/tmp/agentmesh/workers",
		StartupDeadline: 30 * time.Second,
		DrainDeadline:   10 * time.Second,
		ProbeInterval:   500 * time.Millisecond,
		PortBase:        20000,
		PortCapacity:    2000,

		RolloutParallelism: 1,
		RolloutDelay:       0,
	}
}

// replica is one spawned instance of an agent's worker process.
type replica struct {
	port   int
	handle *Handle
}

// Orchestrator is the Worker Orchestrator (C6). It owns every spawned
// worker process; no other component may signal a worker directly.
type Orchestrator struct {
	reg       *registry.Registry
	templates TemplateSource
	allocator *ids.Allocator
	runtime   Runtime
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	replicas map[string][]*replica // agent id -> running instances
}

// NewOrchestrator creates an Orchestrator over reg, using runtime as
// its process backend (NewProcessRuntime() for the default os/exec
// path, or a pkg/runtime.ContainerdRuntime adapter for OCI-packaged
// agents).
func NewOrchestrator(reg *registry.Registry, templates TemplateSource, allocator *ids.Allocator, rt Runtime, cfg Config) *Orchestrator {
	return &Orchestrator{
		reg:       reg,
		templates: templates,
		allocator: allocator,
		runtime:   rt,
		cfg:       cfg,
		logger:    log.WithComponent("worker-orchestrator"),
		replicas:  make(map[string][]*replica),
	}
}

// Deploy brings agent to active, running the five-step
// templated-agent sequence (render, spawn, probe, mark active, record)
// or validating an external endpoint. A templated agent's port is
// allocated before any agent state is touched, so a port allocator
// exhausted at deploy time fails with coreerr.Unavailable and never
// writes a Deploying/Error transition.
func (o *Orchestrator) Deploy(ctx context.Context, agent *types.Agent) error {
	var port int
	if agent.Kind != types.AgentKindExternal {
		p, err := o.allocator.Allocate()
		if err != nil {
			return coreerr.Wrap(coreerr.Unavailable, "allocate worker port", err)
		}
		port = p
	}

	if err := o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusDeploying}); err != nil {
		if agent.Kind != types.AgentKindExternal {
			o.allocator.Release(port)
		}
		return err
	}

	timer := metrics.NewTimer()
	var err error
	if agent.Kind == types.AgentKindExternal {
		err = o.deployExternal(ctx, agent)
	} else {
		err = o.deployTemplated(ctx, agent, port)
	}
	timer.ObserveDuration(metrics.DeploymentDuration)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DeploymentsTotal.WithLabelValues(status).Inc()
	return err
}

func (o *Orchestrator) deployExternal(ctx context.Context, agent *types.Agent) error {
	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.StartupDeadline)
	defer cancel()

	checker := health.NewHTTPChecker(agent.ProbeURL)
	if result := checker.Check(probeCtx); !result.Healthy {
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: result.Message})
		return coreerr.Newf(coreerr.Timeout, "external agent %s probe failed: %s", agent.ID, result.Message)
	}

	return o.reg.SetDeployState(agent.ID, registry.DeployState{
		Status:   types.AgentStatusActive,
		Endpoint: agent.Endpoint,
		ProbeURL: agent.ProbeURL,
	})
}

// deployTemplated renders and spawns a templated agent's worker
// process onto the already-allocated port. Callers own the port's
// lifecycle up to this call; every failure path here releases it
// before returning.
func (o *Orchestrator) deployTemplated(ctx context.Context, agent *types.Agent, port int) error {
	tmpl, err := o.templates.GetTemplate(agent.TemplateID)
	if err != nil {
		o.allocator.Release(port)
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: err.Error()})
		return err
	}

	rendered, err := template.Instantiate(tmpl.Body, tmpl.ParameterSchema, agent.Configuration)
	if err != nil {
		o.allocator.Release(port)
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: err.Error()})
		return coreerr.Wrap(coreerr.BadInput, "render agent template", err)
	}

	workDir := filepath.Join(o.cfg.WorkDirRoot, agent.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		o.allocator.Release(port)
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: err.Error()})
		return coreerr.Wrap(coreerr.Internal, "materialize agent working directory", err)
	}
	sourcePath := filepath.Join(workDir, "agent.src")
	if err := os.WriteFile(sourcePath, []byte(rendered), 0o644); err != nil {
		o.allocator.Release(port)
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: err.Error()})
		return coreerr.Wrap(coreerr.Internal, "write rendered agent source", err)
	}

	env := []string{
		"AGENT_ID=" + agent.ID,
		"AGENT_MODEL=" + agent.Configuration["model"],
		"AGENT_PROMPT=" + agent.SystemPrompt,
		fmt.Sprintf("AGENT_PORT=%d", port),
	}
	if len(agent.SecretRefs) > 0 {
		secretValues, serr := o.reg.ResolveSecrets(agent.OwnerID, agent.SecretRefs)
		if serr != nil {
			o.allocator.Release(port)
			_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: serr.Error()})
			return coreerr.Wrap(coreerr.Internal, "resolve agent secrets", serr)
		}
		for name, value := range secretValues {
			env = append(env, "AGENT_SECRET_"+strings.ToUpper(name)+"="+value)
		}
	}

	handle, err := o.runtime.Start(ctx, ProcessSpec{
		AgentID: agent.ID,
		WorkDir: workDir,
		Command: sourcePath,
		Env:     env,
	})
	if err != nil {
		o.allocator.Release(port)
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: err.Error()})
		return coreerr.Wrap(coreerr.Internal, "spawn worker process", err)
	}

	endpoint := fmt.Sprintf("http://localhost:%d", port)
	probeURL := endpoint + "/health"

	if err := o.awaitHealthy(ctx, probeURL); err != nil {
		_ = o.runtime.Stop(context.Background(), handle, o.cfg.DrainDeadline)
		o.allocator.Release(port)
		_ = o.reg.SetDeployState(agent.ID, registry.DeployState{Status: types.AgentStatusError, LastError: err.Error()})
		return err
	}

	o.mu.Lock()
	o.replicas[agent.ID] = append(o.replicas[agent.ID], &replica{port: port, handle: handle})
	o.mu.Unlock()

	return o.reg.SetDeployState(agent.ID, registry.DeployState{
		Status:   types.AgentStatusActive,
		Endpoint: endpoint,
		ProbeURL: probeURL,
	})
}

// awaitHealthy polls probeURL with a bounded-backoff loop until either
// a healthy response arrives or the configured startup deadline is
// hit.
func (o *Orchestrator) awaitHealthy(ctx context.Context, probeURL string) error {
	deadline := time.Now().Add(o.cfg.StartupDeadline)
	checker := health.NewHTTPChecker(probeURL)

	for time.Now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		result := checker.Check(probeCtx)
		cancel()

		if result.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return coreerr.Wrap(coreerr.Timeout, "deploy cancelled", ctx.Err())
		case <-time.After(o.cfg.ProbeInterval):
		}
	}
	return coreerr.Newf(coreerr.Timeout, "worker did not become healthy within %s", o.cfg.StartupDeadline)
}

// Stop terminates every running replica of agent, releases their
// ports, and transitions the agent to stopped.
func (o *Orchestrator) Stop(ctx context.Context, agentID string) error {
	o.mu.Lock()
	reps := o.replicas[agentID]
	delete(o.replicas, agentID)
	o.mu.Unlock()

	for _, r := range reps {
		if err := o.runtime.Stop(ctx, r.handle, o.cfg.DrainDeadline); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("error stopping worker replica")
		}
		o.allocator.Release(r.port)
	}

	return o.reg.SetDeployState(agentID, registry.DeployState{Status: types.AgentStatusStopped})
}

// Restart stops every replica and redeploys the agent at its current
// configuration: a stop-then-deploy cycle.
func (o *Orchestrator) Restart(agentID string) error {
	agent, err := o.reg.GetAgent(agentID)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := o.Stop(ctx, agentID); err != nil {
		return err
	}
	return o.Deploy(ctx, agent)
}

// Converge spawns or stops replicas of a templated agent until the
// running count matches agent.DesiredReplicas. Each spawned replica
// writes its own endpoint to the agent row, so the row (and the
// Dispatcher) carries the endpoint of the most recently spawned one.
//
// The gap between current and desired is closed in batches of at most
// cfg.RolloutParallelism replicas, sleeping cfg.RolloutDelay between
// batches (skipped after the last one) so a rollout moves forward in
// bounded-concurrency waves rather than all at once.
func (o *Orchestrator) Converge(ctx context.Context, agent *types.Agent) error {
	o.mu.Lock()
	current := len(o.replicas[agent.ID])
	o.mu.Unlock()

	desired := agent.DesiredReplicas
	if desired <= 0 {
		desired = 1
	}
	if current == desired {
		return nil
	}

	batchSize := o.cfg.RolloutParallelism
	if batchSize <= 0 {
		batchSize = 1
	}

	gap := desired - current
	if gap < 0 {
		gap = -gap
	}

	o.logger.Info().
		Str("agent_id", agent.ID).
		Int("current", current).
		Int("desired", desired).
		Int("parallelism", batchSize).
		Dur("delay", o.cfg.RolloutDelay).
		Msg("converging replica count")

	for done := 0; done < gap; done += batchSize {
		n := batchSize
		if done+n > gap {
			n = gap - done
		}

		var batchErr error
		switch {
		case current < desired:
			batchErr = o.spawnBatch(ctx, agent, n)
		case current > desired:
			o.stopBatch(ctx, agent.ID, n)
		}
		if batchErr != nil {
			return batchErr
		}

		if o.cfg.RolloutDelay > 0 && done+n < gap {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.RolloutDelay):
			}
		}
	}
	return nil
}

// spawnBatch deploys n additional replicas of agent. Each replica's
// port is allocated here, before deployTemplated touches agent state,
// so a port allocator exhausted mid-batch fails with coreerr.Unavailable
// without mutating the agent.
func (o *Orchestrator) spawnBatch(ctx context.Context, agent *types.Agent, n int) error {
	for i := 0; i < n; i++ {
		port, err := o.allocator.Allocate()
		if err != nil {
			return coreerr.Wrap(coreerr.Unavailable, "allocate worker port", err)
		}
		if err := o.deployTemplated(ctx, agent, port); err != nil {
			return err
		}
	}
	return nil
}

// stopBatch stops up to n of agentID's running replicas, releasing
// each one's port back to the allocator.
func (o *Orchestrator) stopBatch(ctx context.Context, agentID string, n int) {
	o.mu.Lock()
	reps := o.replicas[agentID]
	if n > len(reps) {
		n = len(reps)
	}
	keep := len(reps) - n
	excess := reps[keep:]
	o.replicas[agentID] = reps[:keep]
	o.mu.Unlock()

	for _, r := range excess {
		if err := o.runtime.Stop(ctx, r.handle, o.cfg.DrainDeadline); err != nil {
			o.logger.Warn().Err(err).Str("agent_id", agentID).Msg("error stopping worker replica during convergence")
		}
		o.allocator.Release(r.port)
	}
}

// ReplicaCount reports how many replicas of agentID are currently
// tracked as running.
func (o *Orchestrator) ReplicaCount(agentID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.replicas[agentID])
}

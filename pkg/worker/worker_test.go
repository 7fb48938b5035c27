package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/registry"
	"github.com/agentmesh/controlplane/pkg/secrets"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory registry.Store for testing the
// Orchestrator without bbolt, mirroring pkg/registry's own test
// double.
type memStore struct {
	agents    map[string]*types.Agent
	versions  map[string]*types.AgentVersion
	templates map[string]*types.Template
	secrets   map[string]*types.EnvironmentSecret
}

func newMemStore() *memStore {
	return &memStore{
		agents:    map[string]*types.Agent{},
		versions:  map[string]*types.AgentVersion{},
		templates: map[string]*types.Template{},
	}
}

func (m *memStore) PutAgent(a *types.Agent) error { m.agents[a.ID] = a; return nil }
func (m *memStore) GetAgent(id string) (*types.Agent, bool, error) {
	a, ok := m.agents[id]
	return a, ok, nil
}
func (m *memStore) ListAgents() ([]*types.Agent, error) {
	out := make([]*types.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out, nil
}
func (m *memStore) DeleteAgent(id string) error { delete(m.agents, id); return nil }

func (m *memStore) PutAgentVersion(v *types.AgentVersion) error { m.versions[v.ID] = v; return nil }
func (m *memStore) ListAgentVersions(agentID string) ([]*types.AgentVersion, error) {
	var out []*types.AgentVersion
	for _, v := range m.versions {
		if v.AgentID == agentID {
			out = append(out, v)
		}
	}
	return out, nil
}
func (m *memStore) GetAgentVersion(id string) (*types.AgentVersion, bool, error) {
	v, ok := m.versions[id]
	return v, ok, nil
}

func (m *memStore) PutSkill(v *types.Skill) error                        { return nil }
func (m *memStore) GetSkill(id string) (*types.Skill, bool, error)       { return nil, false, nil }
func (m *memStore) ListSkills() ([]*types.Skill, error)                  { return nil, nil }
func (m *memStore) DeleteSkill(id string) error                         { return nil }
func (m *memStore) PutTool(v *types.Tool) error                          { return nil }
func (m *memStore) GetTool(id string) (*types.Tool, bool, error)        { return nil, false, nil }
func (m *memStore) ListTools() ([]*types.Tool, error)                    { return nil, nil }
func (m *memStore) DeleteTool(id string) error                          { return nil }
func (m *memStore) PutConstraint(v *types.Constraint) error              { return nil }
func (m *memStore) GetConstraint(id string) (*types.Constraint, bool, error) {
	return nil, false, nil
}
func (m *memStore) ListConstraints() ([]*types.Constraint, error) { return nil, nil }
func (m *memStore) DeleteConstraint(id string) error              { return nil }

func (m *memStore) PutTemplate(v *types.Template) error { m.templates[v.ID] = v; return nil }
func (m *memStore) GetTemplate(id string) (*types.Template, bool, error) {
	t, ok := m.templates[id]
	return t, ok, nil
}
func (m *memStore) ListTemplates() ([]*types.Template, error) { return nil, nil }
func (m *memStore) DeleteTemplate(id string) error            { return nil }

func (m *memStore) PutWorkflow(v *types.Workflow) error                     { return nil }
func (m *memStore) GetWorkflow(id string) (*types.Workflow, bool, error) { return nil, false, nil }
func (m *memStore) ListWorkflows() ([]*types.Workflow, error)                { return nil, nil }
func (m *memStore) DeleteWorkflow(id string) error                          { return nil }

func (m *memStore) PutAlertRule(v *types.AlertRule) error                     { return nil }
func (m *memStore) GetAlertRule(id string) (*types.AlertRule, bool, error) { return nil, false, nil }
func (m *memStore) ListAlertRules() ([]*types.AlertRule, error)                { return nil, nil }
func (m *memStore) DeleteAlertRule(id string) error                          { return nil }

func (m *memStore) PutSecret(v *types.EnvironmentSecret) error {
	if m.secrets == nil {
		m.secrets = map[string]*types.EnvironmentSecret{}
	}
	m.secrets[v.ID] = v
	return nil
}
func (m *memStore) GetSecret(id string) (*types.EnvironmentSecret, bool, error) {
	v, ok := m.secrets[id]
	return v, ok, nil
}
func (m *memStore) ListSecrets() ([]*types.EnvironmentSecret, error) {
	out := make([]*types.EnvironmentSecret, 0, len(m.secrets))
	for _, v := range m.secrets {
		out = append(out, v)
	}
	return out, nil
}
func (m *memStore) DeleteSecret(id string) error { delete(m.secrets, id); return nil }

// fakeRuntime never touches the OS; it records Start/Stop calls and
// reports every handle as running, so Orchestrator tests exercise
// deploy/stop/converge logic without spawning real processes.
type fakeRuntime struct {
	started []ProcessSpec
	stopped []*Handle
}

func (f *fakeRuntime) Start(ctx context.Context, spec ProcessSpec) (*Handle, error) {
	f.started = append(f.started, spec)
	return &Handle{AgentID: spec.AgentID}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, handle *Handle, drainDeadline time.Duration) error {
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeRuntime) Running(handle *Handle) bool { return true }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memStore, *fakeRuntime) {
	t.Helper()
	store := newMemStore()
	reg := registry.New(store, registry.Config{SupportedModels: []string{"gpt-test"}})
	rt := &fakeRuntime{}
	allocator := ids.NewAllocator(21000, 100)

	cfg := DefaultConfig()
	cfg.WorkDirRoot = t.TempDir()
	cfg.StartupDeadline = 2 * time.Second
	cfg.ProbeInterval = 10 * time.Millisecond

	orch := NewOrchestrator(reg, reg, allocator, rt, cfg)
	return orch, store, rt
}

func TestDeploy_ExternalAgent_HealthyProbeActivates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer srv.Close()

	orch, store, _ := newTestOrchestrator(t)
	agent := &types.Agent{ID: "a1", Kind: types.AgentKindExternal, Endpoint: srv.URL, ProbeURL: srv.URL}
	store.agents[agent.ID] = agent

	err := orch.Deploy(context.Background(), agent)
	require.NoError(t, err)

	got := store.agents["a1"]
	assert.Equal(t, types.AgentStatusActive, got.Status)
}

func TestDeploy_ExternalAgent_UnhealthyProbeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }))
	defer srv.Close()

	orch, store, _ := newTestOrchestrator(t)
	agent := &types.Agent{ID: "a1", Kind: types.AgentKindExternal, Endpoint: srv.URL, ProbeURL: srv.URL}
	store.agents[agent.ID] = agent

	err := orch.Deploy(context.Background(), agent)
	require.Error(t, err)
	assert.Equal(t, types.AgentStatusError, store.agents["a1"].Status)
}

func TestStop_ReleasesPortsAndTransitionsStopped(t *testing.T) {
	orch, store, rt := newTestOrchestrator(t)
	agent := &types.Agent{ID: "a1", Kind: types.AgentKindExternal, Status: types.AgentStatusActive}
	store.agents[agent.ID] = agent
	orch.replicas["a1"] = []*replica{{port: 21005, handle: &Handle{AgentID: "a1"}}}

	err := orch.Stop(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusStopped, store.agents["a1"].Status)
	assert.Len(t, rt.stopped, 1)
	assert.Equal(t, 0, orch.ReplicaCount("a1"))
}

func TestConverge_ScalesDownExcessReplicas(t *testing.T) {
	orch, _, rt := newTestOrchestrator(t)
	orch.replicas["a1"] = []*replica{
		{port: 21001, handle: &Handle{AgentID: "a1"}},
		{port: 21002, handle: &Handle{AgentID: "a1"}},
		{port: 21003, handle: &Handle{AgentID: "a1"}},
	}
	agent := &types.Agent{ID: "a1", DesiredReplicas: 1}

	err := orch.Converge(context.Background(), agent)
	require.NoError(t, err)
	assert.Equal(t, 1, orch.ReplicaCount("a1"))
	assert.Len(t, rt.stopped, 2)
}

func TestConverge_ScalesDownInBatchesOfParallelism(t *testing.T) {
	orch, _, rt := newTestOrchestrator(t)
	orch.replicas["a1"] = []*replica{
		{port: 21001, handle: &Handle{AgentID: "a1"}},
		{port: 21002, handle: &Handle{AgentID: "a1"}},
		{port: 21003, handle: &Handle{AgentID: "a1"}},
		{port: 21004, handle: &Handle{AgentID: "a1"}},
		{port: 21005, handle: &Handle{AgentID: "a1"}},
	}
	orch.cfg.RolloutParallelism = 2
	orch.cfg.RolloutDelay = 5 * time.Millisecond
	agent := &types.Agent{ID: "a1", DesiredReplicas: 1}

	start := time.Now()
	err := orch.Converge(context.Background(), agent)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 1, orch.ReplicaCount("a1"))
	assert.Len(t, rt.stopped, 4)
	// 4 replicas to remove in batches of 2 -> 2 batches -> 1 inter-batch delay.
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestConverge_ScaleUpStopsAtFirstFailingBatch(t *testing.T) {
	// deployTemplated's health probe has nothing to talk to here, so
	// the first batch's spawn fails; Converge must surface that error
	// rather than attempting the remaining batches.
	orch, store, rt := newTestOrchestrator(t)
	tmpl := &types.Template{ID: "t1", Body: "agent source"}
	store.templates[tmpl.ID] = tmpl
	orch.cfg.RolloutParallelism = 2
	orch.cfg.StartupDeadline = 10 * time.Millisecond
	orch.cfg.ProbeInterval = 5 * time.Millisecond

	agent := &types.Agent{ID: "a1", Kind: types.AgentKindTemplated, TemplateID: tmpl.ID, DesiredReplicas: 3}
	store.agents[agent.ID] = agent

	err := orch.Converge(context.Background(), agent)
	require.Error(t, err)
	assert.LessOrEqual(t, len(rt.started), 2, "must not spawn past the first failing batch")
}

func TestDeploy_PortAllocatorExhausted_FailsUnavailableWithoutStateMutation(t *testing.T) {
	store := newMemStore()
	reg := registry.New(store, registry.Config{})
	rt := &fakeRuntime{}
	allocator := ids.NewAllocator(21200, 1)
	_, err := allocator.Allocate() // exhaust the single available port
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.WorkDirRoot = t.TempDir()
	orch := NewOrchestrator(reg, reg, allocator, rt, cfg)

	tmpl := &types.Template{ID: "t1", Body: "agent source"}
	store.templates[tmpl.ID] = tmpl
	agent := &types.Agent{ID: "a1", Kind: types.AgentKindTemplated, TemplateID: tmpl.ID}
	store.agents[agent.ID] = agent

	err = orch.Deploy(context.Background(), agent)
	require.Error(t, err)
	assert.Equal(t, coreerr.Unavailable, coreerr.KindOf(err))
	assert.Empty(t, store.agents["a1"].Status, "port exhaustion must not write any deploy state")
	assert.Empty(t, rt.started, "runtime must never be invoked when no port was available")
}

func TestDeployTemplated_InjectsResolvedSecretsAsEnv(t *testing.T) {
	store := newMemStore()
	reg := registry.New(store, registry.Config{}).WithSecretBox(secrets.NewBox("master-key"))
	rt := &fakeRuntime{}
	allocator := ids.NewAllocator(21100, 10)

	cfg := DefaultConfig()
	cfg.WorkDirRoot = t.TempDir()
	cfg.StartupDeadline = 10 * time.Millisecond
	cfg.ProbeInterval = 5 * time.Millisecond
	orch := NewOrchestrator(reg, reg, allocator, rt, cfg)

	tmpl := &types.Template{ID: "t1", Body: "agent source"}
	store.templates[tmpl.ID] = tmpl

	secret, err := reg.CreateSecret("owner-1", "api-key", []byte("s3cr3t"))
	require.NoError(t, err)

	agent := &types.Agent{ID: "a1", OwnerID: "owner-1", Kind: types.AgentKindTemplated, TemplateID: tmpl.ID, SecretRefs: []string{secret.Name}}
	store.agents[agent.ID] = agent

	// Deploy fails at the health probe (nothing listens on the
	// allocated port), but secret resolution runs before that, so the
	// spawned spec's Env already carries the injected secret.
	port, err := allocator.Allocate()
	require.NoError(t, err)
	_ = orch.deployTemplated(context.Background(), agent, port)

	require.Len(t, rt.started, 1)
	assert.Contains(t, rt.started[0].Env, "AGENT_SECRET_API-KEY=s3cr3t")
}

func TestProcessRuntime_StartAndStop(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("/bin/sleep not available")
	}
	rt := NewProcessRuntime()
	handle, err := rt.Start(context.Background(), ProcessSpec{
		AgentID: "a1",
		WorkDir: t.TempDir(),
		Command: "/bin/sleep",
		Args:    []string{"30"},
	})
	require.NoError(t, err)
	assert.True(t, rt.Running(handle))

	err = rt.Stop(context.Background(), handle, 2*time.Second)
	require.NoError(t, err)
}

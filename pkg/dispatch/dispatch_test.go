package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/trace"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry implements both AgentSource and UsageRecorder against
// an in-memory map, so Dispatcher tests don't need bbolt.
type fakeRegistry struct {
	mu       sync.Mutex
	agents   map[string]*types.Agent
	usage    map[string]int64
	errors   map[string]int64
	errOnGet error
}

func newFakeRegistry(agents ...*types.Agent) *fakeRegistry {
	r := &fakeRegistry{agents: map[string]*types.Agent{}, usage: map[string]int64{}, errors: map[string]int64{}}
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	return r
}

func (r *fakeRegistry) GetAgent(id string) (*types.Agent, error) {
	if r.errOnGet != nil {
		return nil, r.errOnGet
	}
	a, ok := r.agents[id]
	if !ok {
		return nil, assertNotFoundErr(id)
	}
	return a, nil
}

func (r *fakeRegistry) IncrementUsage(agentID string, errored bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage[agentID]++
	if errored {
		r.errors[agentID]++
	}
	return nil
}

// fakeProvider records the calls it receives and returns a canned
// response.
type fakeProvider struct {
	output map[string]any
	usage  *types.LLMUsage
	err    error
	delay  time.Duration
}

func (f *fakeProvider) Complete(ctx context.Context, model, systemPrompt string, input map[string]any) (map[string]any, *types.LLMUsage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.output, f.usage, nil
}

func newTestDispatcher(t *testing.T, agents *fakeRegistry, providers map[string]ModelProvider) *Dispatcher {
	t.Helper()
	store := metricstore.NewInMemoryStore(metricstore.Config{})
	tracer := trace.NewRecorder(store, time.Minute)
	cfg := DefaultConfig()
	cfg.DefaultTimeout = time.Second
	return New(agents, agents, tracer, providers, cfg)
}

func TestInvoke_TemplatedAgent_Success(t *testing.T) {
	agent := &types.Agent{
		ID:            "a1",
		Kind:          types.AgentKindTemplated,
		Status:        types.AgentStatusActive,
		Configuration: map[string]string{"model": "claude-test"},
	}
	reg := newFakeRegistry(agent)
	provider := &fakeProvider{output: map[string]any{"text": "hello"}, usage: &types.LLMUsage{Model: "claude-test", Tokens: 42}}
	d := newTestDispatcher(t, reg, map[string]ModelProvider{"claude-test": provider})

	res, err := d.Invoke(context.Background(), "a1", map[string]any{"text": "hi"}, "", Caller{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Output["text"])
	assert.NotEmpty(t, res.TraceID)
	assert.Equal(t, int64(42), res.Usage.Tokens)
	assert.Equal(t, int64(1), reg.usage["a1"])
}

func TestInvoke_UnknownAgent_NotFound(t *testing.T) {
	reg := newFakeRegistry()
	d := newTestDispatcher(t, reg, nil)

	_, err := d.Invoke(context.Background(), "missing", nil, "", Caller{})
	require.Error(t, err)
}

func TestInvoke_InactiveAgent_Unavailable(t *testing.T) {
	agent := &types.Agent{ID: "a1", Kind: types.AgentKindTemplated, Status: types.AgentStatusInactive}
	reg := newFakeRegistry(agent)
	d := newTestDispatcher(t, reg, nil)

	_, err := d.Invoke(context.Background(), "a1", nil, "", Caller{})
	require.Error(t, err)
}

func TestInvoke_SchemaMismatch_BadInput(t *testing.T) {
	agent := &types.Agent{
		ID:     "a1",
		Kind:   types.AgentKindTemplated,
		Status: types.AgentStatusActive,
		InputSchema: &types.SchemaDoc{
			Type: types.SchemaObject,
			Properties: map[string]*types.SchemaDoc{
				"message": {Type: types.SchemaString},
			},
			Required: []string{"message"},
		},
	}
	reg := newFakeRegistry(agent)
	d := newTestDispatcher(t, reg, nil)

	_, err := d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	require.Error(t, err)
	assert.Equal(t, int64(0), reg.usage["a1"])
}

func TestInvoke_ForbiddenCaller(t *testing.T) {
	agent := &types.Agent{ID: "a1", Kind: types.AgentKindTemplated, Status: types.AgentStatusActive}
	reg := newFakeRegistry(agent)
	d := newTestDispatcher(t, reg, nil).WithAuthorizer(denyAll{})

	_, err := d.Invoke(context.Background(), "a1", nil, "", Caller{ID: "u1"})
	require.Error(t, err)
}

type denyAll struct{}

func (denyAll) Authorize(Caller, *types.Agent) bool { return false }

func TestInvoke_ExternalAgent_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Trace-Id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"output": map[string]any{"text": "external-reply"}})
	}))
	defer srv.Close()

	agent := &types.Agent{ID: "a1", Kind: types.AgentKindExternal, Status: types.AgentStatusActive, Endpoint: srv.URL}
	reg := newFakeRegistry(agent)
	d := newTestDispatcher(t, reg, nil)

	res, err := d.Invoke(context.Background(), "a1", map[string]any{"text": "hi"}, "", Caller{})
	require.NoError(t, err)
	assert.Equal(t, "external-reply", res.Output["text"])
}

func TestInvoke_ExternalAgent_NonOKStatus_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := &types.Agent{ID: "a1", Kind: types.AgentKindExternal, Status: types.AgentStatusActive, Endpoint: srv.URL}
	reg := newFakeRegistry(agent)
	d := newTestDispatcher(t, reg, nil)

	_, err := d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	require.Error(t, err)
	assert.Equal(t, int64(1), reg.errors["a1"])
}

func TestInvoke_TemplatedAgent_ProviderTimeout(t *testing.T) {
	agent := &types.Agent{
		ID:            "a1",
		Kind:          types.AgentKindTemplated,
		Status:        types.AgentStatusActive,
		Configuration: map[string]string{"model": "claude-test"},
	}
	reg := newFakeRegistry(agent)
	provider := &fakeProvider{delay: 2 * time.Second}
	d := newTestDispatcher(t, reg, map[string]ModelProvider{"claude-test": provider})
	d.cfg.DefaultTimeout = 10 * time.Millisecond

	_, err := d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	require.Error(t, err)
	assert.Equal(t, int64(1), reg.errors["a1"])
}

func TestInvoke_ReusesSuppliedTraceID(t *testing.T) {
	agent := &types.Agent{
		ID:            "a1",
		Kind:          types.AgentKindTemplated,
		Status:        types.AgentStatusActive,
		Configuration: map[string]string{"model": "claude-test"},
	}
	reg := newFakeRegistry(agent)
	provider := &fakeProvider{output: map[string]any{}, usage: &types.LLMUsage{}}
	d := newTestDispatcher(t, reg, map[string]ModelProvider{"claude-test": provider})

	res, err := d.Invoke(context.Background(), "a1", map[string]any{}, "fixed-trace-id", Caller{})
	require.NoError(t, err)
	assert.Equal(t, "fixed-trace-id", res.TraceID)
}

func TestInvoke_MaxConcurrencyCap_OverloadsBeyondLimit(t *testing.T) {
	agent := &types.Agent{
		ID:             "a1",
		Kind:           types.AgentKindTemplated,
		Status:         types.AgentStatusActive,
		Configuration:  map[string]string{"model": "claude-test"},
		MaxConcurrency: 1,
	}
	reg := newFakeRegistry(agent)
	provider := &fakeProvider{output: map[string]any{}, usage: &types.LLMUsage{}, delay: 100 * time.Millisecond}
	d := newTestDispatcher(t, reg, map[string]ModelProvider{"claude-test": provider})
	d.cfg.DefaultTimeout = time.Second

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_, _ = d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first call acquire its slot

	_, err := d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	require.Error(t, err)
	assert.Equal(t, coreerr.Overloaded, coreerr.KindOf(err))

	wg.Wait()
}

func TestInvoke_MaxConcurrencyZero_Uncapped(t *testing.T) {
	agent := &types.Agent{
		ID:            "a1",
		Kind:          types.AgentKindTemplated,
		Status:        types.AgentStatusActive,
		Configuration: map[string]string{"model": "claude-test"},
	}
	reg := newFakeRegistry(agent)
	provider := &fakeProvider{output: map[string]any{}, usage: &types.LLMUsage{}}
	d := newTestDispatcher(t, reg, map[string]ModelProvider{"claude-test": provider})

	_, err1 := d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	_, err2 := d.Invoke(context.Background(), "a1", map[string]any{}, "", Caller{})
	require.NoError(t, err1)
	require.NoError(t, err2)
}

func assertNotFoundErr(id string) error {
	return notFoundErr{id}
}

type notFoundErr struct{ id string }

func (e notFoundErr) Error() string { return "agent not found: " + e.id }

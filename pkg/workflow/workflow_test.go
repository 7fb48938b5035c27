package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/controlplane/pkg/dispatch"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkflows struct{ workflows map[string]*types.Workflow }

func (f *fakeWorkflows) GetWorkflow(id string) (*types.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, assertNotFound(id)
	}
	return wf, nil
}

type notFoundErr struct{ id string }

func (e notFoundErr) Error() string { return "workflow not found: " + e.id }
func assertNotFound(id string) error { return notFoundErr{id} }

type memExecutionStore struct {
	mu         sync.Mutex
	executions map[string]*types.Execution
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{executions: map[string]*types.Execution{}}
}

func (s *memExecutionStore) PutExecution(v *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.executions[v.ID] = &cp
	return nil
}

func (s *memExecutionStore) GetExecution(id string) (*types.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.executions[id]
	return v, ok, nil
}

func (s *memExecutionStore) ListExecutions() ([]*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Execution, 0, len(s.executions))
	for _, v := range s.executions {
		out = append(out, v)
	}
	return out, nil
}

// fakeInvoker records every call and returns a scripted result per
// agent ref, optionally delaying to exercise cancellation.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	inputs  map[string][]map[string]any
	outputs map[string]map[string]any
	errs    map[string]error
	delay   time.Duration
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		inputs:  map[string][]map[string]any{},
		outputs: map[string]map[string]any{},
		errs:    map[string]error{},
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, agentID string, input map[string]any, traceID string, caller dispatch.Caller) (*dispatch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.inputs[agentID] = append(f.inputs[agentID], input)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.errs[agentID]; ok {
		return nil, err
	}
	return &dispatch.Result{Output: f.outputs[agentID], TraceID: "trace-" + agentID}, nil
}

func TestExecute_Sequential_ChainsOutputIntoNextInput(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindSequential,
		Steps: []types.WorkflowStep{
			{AgentRef: "step1"},
			{AgentRef: "step2", InputMapping: map[string]string{"greeting": "message"}},
		},
	}
	invoker := newFakeInvoker()
	invoker.outputs["step1"] = map[string]any{"message": "hi"}
	invoker.outputs["step2"] = map[string]any{"message": "bye"}

	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	exec, err := e.Execute(context.Background(), "wf1", map[string]any{"x": 1}, dispatch.Caller{})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "hi", invoker.inputs["step2"][0]["greeting"])
	assert.Equal(t, "bye", exec.Outputs["step2"]["message"])
}

func TestExecute_Sequential_StepFailureFailsExecution(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindSequential,
		Steps: []types.WorkflowStep{
			{AgentRef: "step1"},
			{AgentRef: "step2"},
		},
	}
	invoker := newFakeInvoker()
	invoker.errs["step1"] = assertNotFound("boom")

	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	exec, err := e.Execute(context.Background(), "wf1", map[string]any{}, dispatch.Caller{})
	require.Error(t, err)
	assert.Equal(t, types.ExecutionStatusFailed, exec.Status)
	assert.NotEmpty(t, exec.Error)
	assert.NotContains(t, invoker.calls, "step2")
}

func TestExecute_Conditional_SkipsStepWhenConditionFalse(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindConditional,
		Steps: []types.WorkflowStep{
			{AgentRef: "step1", Condition: &types.StepCondition{Field: "flag", Operator: types.ConditionEquals, Value: "go"}},
		},
	}
	invoker := newFakeInvoker()
	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	exec, err := e.Execute(context.Background(), "wf1", map[string]any{"flag": "stop"}, dispatch.Caller{})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStatusCompleted, exec.Status)
	assert.Empty(t, invoker.calls)
}

func TestExecute_Conditional_RunsStepWhenConditionTrue(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindConditional,
		Steps: []types.WorkflowStep{
			{AgentRef: "step1", Condition: &types.StepCondition{Field: "flag", Operator: types.ConditionEquals, Value: "go"}},
		},
	}
	invoker := newFakeInvoker()
	invoker.outputs["step1"] = map[string]any{"ok": true}
	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	exec, err := e.Execute(context.Background(), "wf1", map[string]any{"flag": "go"}, dispatch.Caller{})
	require.NoError(t, err)
	assert.Equal(t, []string{"step1"}, invoker.calls)
	assert.Equal(t, true, exec.Outputs["step1"]["ok"])
}

func TestExecute_Parallel_RunsAllStepsOverInitialInput(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindParallel,
		Steps: []types.WorkflowStep{
			{AgentRef: "a"},
			{AgentRef: "b"},
		},
	}
	invoker := newFakeInvoker()
	invoker.outputs["a"] = map[string]any{"r": "a"}
	invoker.outputs["b"] = map[string]any{"r": "b"}
	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	exec, err := e.Execute(context.Background(), "wf1", map[string]any{"seed": 1}, dispatch.Caller{})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "a", exec.Outputs["a"]["r"])
	assert.Equal(t, "b", exec.Outputs["b"]["r"])
	assert.Equal(t, 1, invoker.inputs["a"][0]["seed"])
}

func TestExecute_Parallel_OneFailureFailsExecution(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindParallel,
		Steps: []types.WorkflowStep{
			{AgentRef: "a"},
			{AgentRef: "b"},
		},
	}
	invoker := newFakeInvoker()
	invoker.errs["a"] = assertNotFound("boom")
	invoker.outputs["b"] = map[string]any{"r": "b"}
	invoker.delay = 20 * time.Millisecond
	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	exec, err := e.Execute(context.Background(), "wf1", map[string]any{}, dispatch.Caller{})
	require.Error(t, err)
	assert.Equal(t, types.ExecutionStatusFailed, exec.Status)
}

func TestStop_CancelsRunningExecution(t *testing.T) {
	wf := &types.Workflow{
		ID:   "wf1",
		Kind: types.WorkflowKindSequential,
		Steps: []types.WorkflowStep{
			{AgentRef: "slow"},
		},
	}
	invoker := newFakeInvoker()
	invoker.delay = 500 * time.Millisecond
	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker)

	var exec *types.Execution
	var execErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		exec, execErr = e.Execute(context.Background(), "wf1", map[string]any{}, dispatch.Caller{})
	}()

	time.Sleep(20 * time.Millisecond)
	e.mu.Lock()
	var id string
	for k := range e.cancels {
		id = k
	}
	e.mu.Unlock()
	require.NotEmpty(t, id)
	require.NoError(t, e.Stop(id))

	<-done
	require.Error(t, execErr)
	assert.Equal(t, types.ExecutionStatusCancelled, exec.Status)
}

type fakePublisher struct{ events []*types.Event }

func (p *fakePublisher) Publish(e *types.Event) { p.events = append(p.events, e) }

func TestExecute_PublishesStartedAndCompletedEvents(t *testing.T) {
	wf := &types.Workflow{
		ID:    "wf1",
		Kind:  types.WorkflowKindSequential,
		Steps: []types.WorkflowStep{{AgentRef: "step1"}},
	}
	invoker := newFakeInvoker()
	invoker.outputs["step1"] = map[string]any{"ok": true}
	pub := &fakePublisher{}
	e := NewEngine(&fakeWorkflows{workflows: map[string]*types.Workflow{"wf1": wf}}, newMemExecutionStore(), invoker).WithPublisher(pub)

	_, err := e.Execute(context.Background(), "wf1", map[string]any{}, dispatch.Caller{})
	require.NoError(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, types.EventWorkflowStarted, pub.events[0].Type)
	assert.Equal(t, types.EventWorkflowCompleted, pub.events[1].Type)
}

func TestMapInput_EmptyMappingPassesBagThrough(t *testing.T) {
	bag := map[string]any{"a": 1}
	out := mapInput(bag, nil)
	assert.Equal(t, bag, out)
}

func TestDottedGet_MissingPathYieldsNullNotError(t *testing.T) {
	bag := map[string]any{"a": map[string]any{"b": 1}}
	v, ok := dottedGet(bag, "a.c")
	assert.False(t, ok)
	assert.Nil(t, v)
}

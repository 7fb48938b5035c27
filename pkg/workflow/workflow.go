// Package workflow implements the Workflow Engine (C11): it executes
// a Workflow definition's sequential, parallel, or conditional steps
// against a caller-supplied input bag, delegating every step to the
// Dispatcher and persisting Execution state before and after each
// step. Each run gets its own context, cancelled on Stop for
// cooperative shutdown mid-execution.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/dispatch"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WorkflowSource is the subset of the Agent Registry the engine reads
// workflow definitions from.
type WorkflowSource interface {
	GetWorkflow(id string) (*types.Workflow, error)
}

// ExecutionStore persists Execution records. The engine writes before
// and after every step so progress is externally observable.
type ExecutionStore interface {
	PutExecution(v *types.Execution) error
	GetExecution(id string) (*types.Execution, bool, error)
	ListExecutions() ([]*types.Execution, error)
}

// Invoker is the subset of the Dispatcher the engine delegates every
// step to.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, input map[string]any, traceID string, caller dispatch.Caller) (*dispatch.Result, error)
}

// Publisher is the subset of the event Broker the engine publishes
// workflow lifecycle events through. Optional.
type Publisher interface {
	Publish(event *types.Event)
}

// Engine is the Workflow Engine (C11).
type Engine struct {
	workflows WorkflowSource
	store     ExecutionStore
	invoker   Invoker
	publisher Publisher
	logger    zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewEngine creates an Engine.
func NewEngine(workflows WorkflowSource, store ExecutionStore, invoker Invoker) *Engine {
	return &Engine{
		workflows: workflows,
		store:     store,
		invoker:   invoker,
		logger:    log.WithComponent("workflow-engine"),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// WithPublisher attaches an event Broker; executions publish
// started/completed/failed events to it from then on.
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.publisher = p
	return e
}

func (e *Engine) publish(eventType types.EventType, exec *types.Execution, message string) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(&types.Event{Type: eventType, WorkflowID: exec.WorkflowID, ExecutionID: exec.ID, Message: message})
}

// Execute runs workflowID's definition against input under caller's
// identity, to completion, failure, or cancellation via Stop. The
// returned Execution is also the last one persisted to the store.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any, caller dispatch.Caller) (*types.Execution, error) {
	wf, err := e.workflows.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	exec := &types.Execution{
		ID:         ids.New(),
		WorkflowID: workflowID,
		Input:      input,
		Context:    cloneBag(input),
		Outputs:    make(map[string]map[string]any),
		Status:     types.ExecutionStatusRunning,
		StartedAt:  ids.Now(),
	}
	if err := e.store.PutExecution(exec); err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, "persist execution", err)
	}
	e.publish(types.EventWorkflowStarted, exec, "execution started")

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
		cancel()
	}()

	timer := metrics.NewTimer()
	var runErr error
	switch wf.Kind {
	case types.WorkflowKindSequential:
		runErr = e.runOrdered(runCtx, wf.Steps, exec, caller, true)
	case types.WorkflowKindConditional:
		runErr = e.runOrdered(runCtx, wf.Steps, exec, caller, true)
	case types.WorkflowKindParallel:
		runErr = e.runParallel(runCtx, wf.Steps, exec, caller)
	default:
		runErr = coreerr.Newf(coreerr.Internal, "workflow %q has unknown kind %q", workflowID, wf.Kind)
	}

	exec.CompletedAt = ids.Now()
	switch {
	case runCtx.Err() == context.Canceled:
		exec.Status = types.ExecutionStatusCancelled
	case runErr != nil:
		exec.Status = types.ExecutionStatusFailed
		exec.Error = runErr.Error()
	default:
		exec.Status = types.ExecutionStatusCompleted
	}
	if err := e.store.PutExecution(exec); err != nil {
		e.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("failed to persist final execution state")
	}

	timer.ObserveDurationVec(metrics.WorkflowExecutionDuration, string(wf.Kind))
	metrics.WorkflowExecutionsTotal.WithLabelValues(string(wf.Kind), string(exec.Status)).Inc()

	switch exec.Status {
	case types.ExecutionStatusCompleted:
		e.publish(types.EventWorkflowCompleted, exec, "execution completed")
	case types.ExecutionStatusFailed:
		e.publish(types.EventWorkflowFailed, exec, exec.Error)
	}

	return exec, runErr
}

// Stop cancels a running execution; in-flight steps observe ctx
// cancellation on their next suspension point and fail, and the
// execution's terminal status becomes cancelled.
func (e *Engine) Stop(executionID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if !ok {
		return coreerr.Newf(coreerr.NotFound, "execution %q is not running", executionID)
	}
	cancel()
	return nil
}

// runOrdered executes steps in order. checkConditions gates each step
// on its Condition when present (used by both sequential, where no
// step carries a condition, and conditional workflows).
func (e *Engine) runOrdered(ctx context.Context, steps []types.WorkflowStep, exec *types.Execution, caller dispatch.Caller, checkConditions bool) error {
	bag := exec.Context

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if checkConditions && step.Condition != nil && !evaluateCondition(bag, *step.Condition) {
			continue
		}

		stepInput := mapInput(bag, step.InputMapping)
		se := types.StepExecution{AgentRef: step.AgentRef, Status: types.ExecutionStatusRunning, StartedAt: ids.Now()}
		exec.Steps = append(exec.Steps, se)
		if err := e.store.PutExecution(exec); err != nil {
			e.logger.Warn().Err(err).Msg("failed to persist execution before step")
		}

		result, err := e.invoker.Invoke(ctx, step.AgentRef, stepInput, "", caller)
		idx := len(exec.Steps) - 1
		exec.Steps[idx].EndedAt = ids.Now()

		if err != nil {
			exec.Steps[idx].Status = types.ExecutionStatusFailed
			exec.Steps[idx].Error = err.Error()
			_ = e.store.PutExecution(exec)
			return err
		}

		exec.Steps[idx].Status = types.ExecutionStatusCompleted
		exec.Steps[idx].TraceID = result.TraceID
		exec.Steps[idx].Output = result.Output
		exec.Outputs[step.AgentRef] = result.Output
		bag = result.Output
		if perr := e.store.PutExecution(exec); perr != nil {
			e.logger.Warn().Err(perr).Msg("failed to persist execution after step")
		}
	}

	exec.Context = bag
	return nil
}

// runParallel maps every step over the execution's initial input
// concurrently. A failure in any step cancels the others via the
// errgroup-derived context.
func (e *Engine) runParallel(ctx context.Context, steps []types.WorkflowStep, exec *types.Execution, caller dispatch.Caller) error {
	group, groupCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for i, step := range steps {
		step := step
		stepInput := mapInput(exec.Input, step.InputMapping)
		se := types.StepExecution{AgentRef: step.AgentRef, Status: types.ExecutionStatusRunning, StartedAt: ids.Now()}

		mu.Lock()
		exec.Steps = append(exec.Steps, se)
		mu.Unlock()
		idx := i

		group.Go(func() error {
			result, err := e.invoker.Invoke(groupCtx, step.AgentRef, stepInput, "", caller)

			mu.Lock()
			defer mu.Unlock()
			exec.Steps[idx].EndedAt = ids.Now()
			if err != nil {
				exec.Steps[idx].Status = types.ExecutionStatusFailed
				exec.Steps[idx].Error = err.Error()
				_ = e.store.PutExecution(exec)
				return err
			}
			exec.Steps[idx].Status = types.ExecutionStatusCompleted
			exec.Steps[idx].TraceID = result.TraceID
			exec.Steps[idx].Output = result.Output
			exec.Outputs[step.AgentRef] = result.Output
			_ = e.store.PutExecution(exec)
			return nil
		})
	}

	return group.Wait()
}

// mapInput applies a step's input-mapping to bag. An empty mapping
// passes bag through unchanged, letting a step omit mapping
// boilerplate when it simply wants the current bag verbatim. Missing
// dotted paths yield null rather than an error.
func mapInput(bag map[string]any, mapping map[string]string) map[string]any {
	if len(mapping) == 0 {
		return cloneBag(bag)
	}
	out := make(map[string]any, len(mapping))
	for dest, path := range mapping {
		v, _ := dottedGet(bag, path)
		out[dest] = v
	}
	return out
}

func dottedGet(bag map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = bag
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[part]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func evaluateCondition(bag map[string]any, cond types.StepCondition) bool {
	actual, ok := dottedGet(bag, cond.Field)
	if !ok {
		return cond.Operator == types.ConditionNotEquals
	}
	actualStr := fmt.Sprintf("%v", actual)

	switch cond.Operator {
	case types.ConditionEquals:
		return actualStr == cond.Value
	case types.ConditionNotEquals:
		return actualStr != cond.Value
	case types.ConditionContains:
		return strings.Contains(actualStr, cond.Value)
	case types.ConditionGreaterThan:
		a, aok := toFloat(actual)
		b, bok := strconv.ParseFloat(cond.Value, 64)
		return aok && bok == nil && a > b
	case types.ConditionLessThan:
		a, aok := toFloat(actual)
		b, bok := strconv.ParseFloat(cond.Value, 64)
		return aok && bok == nil && a < b
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func cloneBag(bag map[string]any) map[string]any {
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}

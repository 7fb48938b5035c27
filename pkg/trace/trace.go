// Package trace implements the Trace Recorder: holds active and
// recently finished traces keyed by trace id, emits execution-time and
// token metrics into the Metric Store on completion, and prunes
// finished traces past a configured retention horizon.
package trace

import (
	"sync"
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
)

// Recorder is the process-wide Trace Recorder. One instance exists per
// process and is shared by the Dispatcher and Workflow Engine.
type Recorder struct {
	mu        sync.RWMutex
	traces    map[string]*types.Trace
	retention time.Duration
	metrics   metricstore.Store
	logger    zerolog.Logger
}

// NewRecorder creates a Recorder that emits metrics into store and
// prunes traces older than retention after they finish.
func NewRecorder(store metricstore.Store, retention time.Duration) *Recorder {
	return &Recorder{
		traces:    make(map[string]*types.Trace),
		retention: retention,
		metrics:   store,
		logger:    log.WithComponent("trace-recorder"),
	}
}

// Start creates a trace record in state "started". If traceID is
// empty, a new UUID is minted; otherwise the caller-supplied id is
// reused.
func (r *Recorder) Start(traceID, sessionID, entityRef string, input map[string]any) *types.Trace {
	if traceID == "" {
		traceID = ids.New()
	}
	t := &types.Trace{
		ID:        traceID,
		SessionID: sessionID,
		EntityRef: entityRef,
		Input:     input,
		StartedAt: ids.Now(),
		Status:    types.TraceStatusStarted,
	}

	r.mu.Lock()
	r.traces[traceID] = t
	r.mu.Unlock()

	return t
}

// End transitions traceID to success, computes duration, and emits
// execution_time_seconds and llm_tokens metrics.
func (r *Recorder) End(traceID string, output map[string]any, usage *types.LLMUsage) (*types.Trace, error) {
	r.mu.Lock()
	t, ok := r.traces[traceID]
	if !ok {
		r.mu.Unlock()
		return nil, coreerr.Newf(coreerr.NotFound, "trace %q not found", traceID)
	}
	now := ids.Now()
	t.Output = output
	t.Usage = usage
	t.EndedAt = now
	t.DurationMs = now.Sub(t.StartedAt).Milliseconds()
	t.Status = types.TraceStatusSuccess
	r.mu.Unlock()

	r.metrics.Record(types.Metric{
		OwnerID:   t.EntityRef,
		Name:      "execution_time_seconds",
		Value:     float64(t.DurationMs) / 1000.0,
		Timestamp: now,
	})
	if usage != nil {
		r.metrics.Record(types.Metric{
			OwnerID:   t.EntityRef,
			Name:      "llm_tokens",
			Value:     float64(usage.Tokens),
			Timestamp: now,
		})
	}

	r.schedulePrune(traceID)
	return t, nil
}

// Fail transitions traceID to error and emits an error_count metric.
func (r *Recorder) Fail(traceID, message string) (*types.Trace, error) {
	r.mu.Lock()
	t, ok := r.traces[traceID]
	if !ok {
		r.mu.Unlock()
		return nil, coreerr.Newf(coreerr.NotFound, "trace %q not found", traceID)
	}
	now := ids.Now()
	t.EndedAt = now
	t.DurationMs = now.Sub(t.StartedAt).Milliseconds()
	t.Status = types.TraceStatusError
	t.ErrorMessage = message
	r.mu.Unlock()

	r.metrics.Record(types.Metric{
		OwnerID:   t.EntityRef,
		Name:      "error_count",
		Value:     1,
		Timestamp: now,
	})

	r.schedulePrune(traceID)
	return t, nil
}

// Get returns the trace record for traceID.
func (r *Recorder) Get(traceID string) (*types.Trace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traces[traceID]
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "trace %q not found", traceID)
	}
	return t, nil
}

// schedulePrune removes traceID after the configured retention horizon
// once it has reached a terminal state.
func (r *Recorder) schedulePrune(traceID string) {
	if r.retention <= 0 {
		return
	}
	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		delete(r.traces, traceID)
		r.mu.Unlock()
		r.logger.Debug().Str("trace_id", traceID).Msg("pruned finished trace")
	})
}

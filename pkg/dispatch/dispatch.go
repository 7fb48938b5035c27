// Package dispatch implements the Dispatcher (C10): the per-invocation
// hot path that resolves an agent, enforces its per-agent max-concurrency
// cap, validates input against its schema, starts a trace, routes to a
// templated in-proc model provider or an external HTTP worker under a
// deadline, and records the outcome: resolve, gate, validate,
// deadline-bound call, trace, classify-on-failure.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/schema"
	"github.com/agentmesh/controlplane/pkg/trace"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
)

// concurrencyShards is the width of the per-agent in-flight-count lock
// striping, chosen the same way registry.usageShards is: so the
// Dispatcher's hot path never serializes behind one global mutex.
const concurrencyShards = 32

// Caller identifies whoever is invoking an agent, for the
// authorization check in step 1 of invoke.
type Caller struct {
	ID    string
	Token string
}

// Authorizer decides whether caller may invoke agent. A Dispatcher
// built by New uses AllowAll until WithAuthorizer replaces it.
type Authorizer interface {
	Authorize(caller Caller, agent *types.Agent) bool
}

// AllowAll authorizes every caller; the default when no Authorizer is
// configured.
type AllowAll struct{}

// Authorize always returns true.
func (AllowAll) Authorize(Caller, *types.Agent) bool { return true }

// AgentSource is the subset of the Agent Registry the Dispatcher
// reads.
type AgentSource interface {
	GetAgent(id string) (*types.Agent, error)
}

// UsageRecorder is the subset of the Agent Registry the Dispatcher
// writes to after a completed invocation.
type UsageRecorder interface {
	IncrementUsage(agentID string, errored bool) error
}

// Result is the Dispatcher's invoke response.
type Result struct {
	Output    map[string]any
	TraceID   string
	ElapsedMs int64
	Usage     *types.LLMUsage
}

// Config bounds the Dispatcher's outbound behavior.
type Config struct {
	// DefaultTimeout bounds every single invocation; agents carry no
	// timeout of their own.
	DefaultTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 30 * time.Second}
}

// Dispatcher is the Invocation hot path (C10). It holds no global
// lock: usage counters are incremented through UsageRecorder, which
// stripes its own locking per agent, and the per-agent concurrency gate
// below stripes its own lock the same way.
type Dispatcher struct {
	agents     AgentSource
	usage      UsageRecorder
	tracer     *trace.Recorder
	authorizer Authorizer
	providers  map[string]ModelProvider
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger

	inFlightMu [concurrencyShards]sync.Mutex
	inFlight   [concurrencyShards]map[string]int
}

// New creates a Dispatcher. providers maps a model identifier (an
// agent's Configuration["model"]) to the ModelProvider that serves it.
func New(agents AgentSource, usage UsageRecorder, tracer *trace.Recorder, providers map[string]ModelProvider, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	d := &Dispatcher{
		agents:     agents,
		usage:      usage,
		tracer:     tracer,
		authorizer: AllowAll{},
		providers:  providers,
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     log.WithComponent("dispatcher"),
	}
	for i := range d.inFlight {
		d.inFlight[i] = make(map[string]int)
	}
	return d
}

// WithAuthorizer overrides the default allow-all policy.
func (d *Dispatcher) WithAuthorizer(a Authorizer) *Dispatcher {
	d.authorizer = a
	return d
}

// Invoke resolves agentID, validates input, and routes the call to
// the agent's templated model provider or external endpoint, within
// ctx and the Dispatcher's configured deadline. traceID, if non-empty,
// is reused instead of minted.
func (d *Dispatcher) Invoke(ctx context.Context, agentID string, input map[string]any, traceID string, caller Caller) (*Result, error) {
	agent, err := d.agents.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if !d.authorizer.Authorize(caller, agent) {
		return nil, coreerr.Newf(coreerr.Forbidden, "caller %q may not invoke agent %q", caller.ID, agentID)
	}
	if agent.Status != types.AgentStatusActive {
		return nil, coreerr.Newf(coreerr.Unavailable, "agent %q is not active (status=%s)", agentID, agent.Status)
	}

	if err := d.acquireSlot(agent); err != nil {
		return nil, err
	}
	defer d.releaseSlot(agent)

	if agent.InputSchema != nil {
		if verr := schema.Validate(agent.InputSchema, input); verr != nil {
			return nil, coreerr.Wrap(coreerr.BadInput, "input schema validation failed", verr)
		}
	}

	t := d.tracer.Start(traceID, "", agentID, input)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.DefaultTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	started := ids.Now()
	var output map[string]any
	var usage *types.LLMUsage

	switch agent.Kind {
	case types.AgentKindTemplated:
		output, usage, err = d.invokeTemplated(callCtx, agent, input)
	case types.AgentKindExternal:
		output, usage, err = d.invokeExternal(callCtx, agent, input, t.ID, caller)
	default:
		err = coreerr.Newf(coreerr.Internal, "agent %q has unknown kind %q", agentID, agent.Kind)
	}

	elapsed := ids.Now().Sub(started).Milliseconds()
	timer.ObserveDurationVec(metrics.DispatchDuration, string(agent.Kind))

	if err != nil {
		_, _ = d.tracer.Fail(t.ID, err.Error())
		_ = d.usage.IncrementUsage(agentID, true)
		metrics.DispatchRequestsTotal.WithLabelValues(string(agent.Kind), "error").Inc()
		return nil, classify(err)
	}

	if _, ferr := d.tracer.End(t.ID, output, usage); ferr != nil {
		d.logger.Warn().Err(ferr).Str("trace_id", t.ID).Msg("failed to end trace")
	}
	if uerr := d.usage.IncrementUsage(agentID, false); uerr != nil {
		d.logger.Warn().Err(uerr).Str("agent_id", agentID).Msg("failed to record usage")
	}
	metrics.DispatchRequestsTotal.WithLabelValues(string(agent.Kind), "success").Inc()

	return &Result{Output: output, TraceID: t.ID, ElapsedMs: elapsed, Usage: usage}, nil
}

func (d *Dispatcher) invokeTemplated(ctx context.Context, agent *types.Agent, input map[string]any) (map[string]any, *types.LLMUsage, error) {
	model := agent.Configuration["model"]
	provider, ok := d.providers[model]
	if !ok {
		return nil, nil, coreerr.Newf(coreerr.Unavailable, "no model provider bound for model %q", model)
	}
	output, usage, err := provider.Complete(ctx, model, agent.SystemPrompt, input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, coreerr.Wrap(coreerr.Timeout, "model provider call timed out", err)
		}
		return nil, nil, coreerr.Wrap(coreerr.External, "model provider call failed", err)
	}
	return output, usage, nil
}

func (d *Dispatcher) invokeExternal(ctx context.Context, agent *types.Agent, input map[string]any, traceID string, caller Caller) (map[string]any, *types.LLMUsage, error) {
	if agent.Endpoint == "" {
		return nil, nil, coreerr.Newf(coreerr.Unavailable, "agent %q has no endpoint", agent.ID)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Internal, "encode invocation body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.Internal, "build invocation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", traceID)
	if caller.Token != "" {
		req.Header.Set("Authorization", caller.Token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, coreerr.Wrap(coreerr.Timeout, "external invocation timed out", err)
		}
		return nil, nil, coreerr.Wrap(coreerr.External, "external invocation failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.External, "read external response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, nil, coreerr.Newf(coreerr.External, "external agent returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var payload struct {
		Output map[string]any   `json:"output"`
		Usage  *types.LLMUsage `json:"llm_usage"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return nil, nil, coreerr.Wrap(coreerr.External, "decode external response", err)
	}
	return payload.Output, payload.Usage, nil
}

// shardFor returns the lock and in-flight-count map covering agentID,
// chosen by an FNV-32a hash the same way registry.IncrementUsage picks
// its usage-counter shard.
func (d *Dispatcher) shardFor(agentID string) (*sync.Mutex, map[string]int) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	idx := h.Sum32() % concurrencyShards
	return &d.inFlightMu[idx], d.inFlight[idx]
}

// acquireSlot enforces agent.MaxConcurrency, the per-agent backpressure
// cap: a zero MaxConcurrency leaves the agent uncapped. Exceeding the
// cap fails fast with coreerr.Overloaded rather than queuing.
func (d *Dispatcher) acquireSlot(agent *types.Agent) error {
	if agent.MaxConcurrency <= 0 {
		return nil
	}
	mu, counts := d.shardFor(agent.ID)
	mu.Lock()
	defer mu.Unlock()
	if counts[agent.ID] >= agent.MaxConcurrency {
		return coreerr.Newf(coreerr.Overloaded, "agent %q is at its max-concurrency cap (%d)", agent.ID, agent.MaxConcurrency)
	}
	counts[agent.ID]++
	return nil
}

// releaseSlot returns the slot acquireSlot reserved, if any.
func (d *Dispatcher) releaseSlot(agent *types.Agent) {
	if agent.MaxConcurrency <= 0 {
		return
	}
	mu, counts := d.shardFor(agent.ID)
	mu.Lock()
	defer mu.Unlock()
	counts[agent.ID]--
	if counts[agent.ID] <= 0 {
		delete(counts, agent.ID)
	}
}

// classify normalizes err into a *coreerr.Error, defaulting to
// Internal if it isn't already classified.
func classify(err error) error {
	var e *coreerr.Error
	if errors.As(err, &e) {
		return e
	}
	return coreerr.Wrap(coreerr.Internal, "dispatch failed", err)
}

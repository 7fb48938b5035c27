// Package alert implements the Alert Engine: a ticker-driven evaluator
// that queries the Metric Store for each enabled rule, applies its
// operator with duration-hysteresis, and fans out to the Notifier on
// state transitions via a ticker-plus-stop-channel loop.
package alert

import (
	"sync"
	"time"

	"github.com/agentmesh/controlplane/pkg/ids"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
)

// Sink is the subset of the Notifier contract the Alert Engine needs:
// deliver one alert against its rule's configured actions.
type Sink interface {
	Notify(alert types.Alert, rule types.AlertRule)
}

// RuleStore is the subset of the Agent Registry the Alert Engine reads
// rules from.
type RuleStore interface {
	ListEnabledRules() []types.AlertRule
}

// Engine evaluates alert rules on a fixed tick against the Metric
// Store and tracks active/resolved/silenced state per (rule, owner).
type Engine struct {
	mu      sync.Mutex
	metrics metricstore.Store
	rules   RuleStore
	sink    Sink
	tick    time.Duration
	logger  zerolog.Logger
	stopCh  chan struct{}

	active map[string]*types.Alert // key: ruleID+"|"+ownerID
}

// NewEngine creates an Engine that polls metrics every tick.
func NewEngine(metrics metricstore.Store, rules RuleStore, sink Sink, tick time.Duration) *Engine {
	return &Engine{
		metrics: metrics,
		rules:   rules,
		sink:    sink,
		tick:    tick,
		logger:  log.WithComponent("alert-engine"),
		stopCh:  make(chan struct{}),
		active:  make(map[string]*types.Alert),
	}
}

// Start begins the evaluation loop in a background goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop halts the evaluation loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.logger.Info().Msg("alert engine started")

	for {
		select {
		case <-ticker.C:
			e.evaluateAll()
		case <-e.stopCh:
			e.logger.Info().Msg("alert engine stopped")
			return
		}
	}
}

// evaluateAll runs one tick over every enabled rule. A failure
// evaluating one rule never skips the rest.
func (e *Engine) evaluateAll() {
	defer metrics.AlertTicksTotal.Inc()
	for _, rule := range e.rules.ListEnabledRules() {
		owners := e.ownersWithSamples(rule)
		if len(owners) == 0 {
			owners = []string{""}
		}
		for _, owner := range owners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error().Interface("panic", r).Str("rule", rule.Name).Msg("alert evaluation panicked")
					}
				}()
				e.evaluateOne(rule, owner)
			}()
		}
	}
}

// ownersWithSamples enumerates distinct owner ids that have recorded
// the rule's metric within the hold window, so a rule is evaluated
// per-owner rather than once globally.
func (e *Engine) ownersWithSamples(rule types.AlertRule) []string {
	now := ids.Now()
	samples := e.metrics.Query(metricstore.Filter{
		Name:  rule.MetricName,
		Since: now.Add(-rule.HoldDuration),
	})
	seen := make(map[string]bool)
	var owners []string
	for _, s := range samples {
		if !seen[s.OwnerID] {
			seen[s.OwnerID] = true
			owners = append(owners, s.OwnerID)
		}
	}
	return owners
}

// evaluateOne evaluates rule against owner's latest sample in the hold
// window and drives the active/resolved state transition.
func (e *Engine) evaluateOne(rule types.AlertRule, owner string) {
	now := ids.Now()
	samples := e.metrics.Query(metricstore.Filter{
		OwnerID: owner,
		Name:    rule.MetricName,
		Since:   now.Add(-rule.HoldDuration),
	})

	key := rule.ID + "|" + owner

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, hasActive := e.active[key]
	if hasActive && existing.State == types.AlertStateSilenced && existing.SilenceUntil.After(now) {
		return
	}

	if len(samples) == 0 {
		// A rule with no samples evaluates as false: never fires, and
		// resolves any existing alert.
		if hasActive && existing.State == types.AlertStateActive {
			existing.State = types.AlertStateResolved
			existing.ResolvedAt = now
			delete(e.active, key)
		}
		return
	}

	latest := samples[0]
	for _, s := range samples {
		if s.Timestamp.After(latest.Timestamp) {
			latest = s
		}
	}

	fired := applyOperator(rule.Operator, latest.Value, rule.Threshold)

	switch {
	case fired && hasActive && existing.State == types.AlertStateActive:
		// Idempotent: repeated trigger while active is ignored.
		existing.CurrentValue = latest.Value
	case fired && (!hasActive || existing.State == types.AlertStateSilenced):
		a := &types.Alert{
			ID:           ids.New(),
			RuleID:       rule.ID,
			OwnerID:      owner,
			State:        types.AlertStateActive,
			CurrentValue: latest.Value,
			TriggeredAt:  now,
		}
		e.active[key] = a
		metrics.AlertsFiredTotal.WithLabelValues(string(rule.Severity)).Inc()
		if e.sink != nil {
			e.sink.Notify(*a, rule)
		}
	case !fired && hasActive:
		existing.State = types.AlertStateResolved
		existing.ResolvedAt = now
		delete(e.active, key)
	}
}

// applyOperator evaluates one of the six supported comparison operators.
func applyOperator(op types.AlertOperator, value, threshold float64) bool {
	switch op {
	case types.OpLessThan:
		return value < threshold
	case types.OpLessEqual:
		return value <= threshold
	case types.OpEqual:
		return value == threshold
	case types.OpNotEqual:
		return value != threshold
	case types.OpGreaterEqual:
		return value >= threshold
	case types.OpGreaterThan:
		return value > threshold
	default:
		return false
	}
}

// Silence suppresses a rule's alert for a given owner until the given
// time, without resolving a currently-active alert's triggered state.
func (e *Engine) Silence(ruleID, owner string, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := ruleID + "|" + owner
	a, ok := e.active[key]
	if !ok {
		a = &types.Alert{ID: ids.New(), RuleID: ruleID, OwnerID: owner}
		e.active[key] = a
	}
	a.State = types.AlertStateSilenced
	a.SilenceUntil = until
}

// ActiveAlert returns the current alert state for (ruleID, owner), if
// any.
func (e *Engine) ActiveAlert(ruleID, owner string) (types.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.active[ruleID+"|"+owner]
	if !ok {
		return types.Alert{}, false
	}
	return *a, true
}

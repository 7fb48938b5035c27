package alert

import (
	"testing"
	"time"

	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRules struct{ rules []types.AlertRule }

func (f fakeRules) ListEnabledRules() []types.AlertRule { return f.rules }

type fakeSink struct{ notified []types.Alert }

func (f *fakeSink) Notify(alert types.Alert, rule types.AlertRule) {
	f.notified = append(f.notified, alert)
}

func cpuRule() types.AlertRule {
	return types.AlertRule{
		ID:           "rule-1",
		Name:         "high-cpu",
		MetricName:   "cpu_usage_percent",
		Operator:     types.OpGreaterThan,
		Threshold:    80,
		HoldDuration: time.Minute,
		Enabled:      true,
	}
}

func TestEvaluateOne_FiresAndResolves(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	sink := &fakeSink{}
	rule := cpuRule()
	e := NewEngine(store, fakeRules{rules: []types.AlertRule{rule}}, sink, time.Hour)

	now := time.Now()
	for i := 0; i < 6; i++ {
		store.Record(types.Metric{OwnerID: "agent-1", Name: "cpu_usage_percent", Value: 85, Timestamp: now.Add(time.Duration(i) * time.Millisecond)})
	}

	e.evaluateOne(rule, "agent-1")
	a, ok := e.ActiveAlert(rule.ID, "agent-1")
	require.True(t, ok)
	assert.Equal(t, types.AlertStateActive, a.State)
	require.Len(t, sink.notified, 1)

	// Repeated trigger while active is idempotent: no second notification.
	e.evaluateOne(rule, "agent-1")
	assert.Len(t, sink.notified, 1)

	store.Record(types.Metric{OwnerID: "agent-1", Name: "cpu_usage_percent", Value: 50, Timestamp: now.Add(6 * time.Millisecond)})
	e.evaluateOne(rule, "agent-1")
	_, ok = e.ActiveAlert(rule.ID, "agent-1")
	assert.False(t, ok, "resolved alert should no longer be active")
}

func TestEvaluateOne_NoSamplesNeverFires(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	rule := cpuRule()
	e := NewEngine(store, fakeRules{rules: []types.AlertRule{rule}}, &fakeSink{}, time.Hour)

	e.evaluateOne(rule, "agent-1")
	_, ok := e.ActiveAlert(rule.ID, "agent-1")
	assert.False(t, ok)
}

func TestApplyOperator_AllSix(t *testing.T) {
	assert.True(t, applyOperator(types.OpLessThan, 1, 2))
	assert.True(t, applyOperator(types.OpLessEqual, 2, 2))
	assert.True(t, applyOperator(types.OpEqual, 2, 2))
	assert.True(t, applyOperator(types.OpNotEqual, 1, 2))
	assert.True(t, applyOperator(types.OpGreaterEqual, 2, 2))
	assert.True(t, applyOperator(types.OpGreaterThan, 3, 2))
}

func TestSilence_SuppressesRefire(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	rule := cpuRule()
	sink := &fakeSink{}
	e := NewEngine(store, fakeRules{rules: []types.AlertRule{rule}}, sink, time.Hour)

	e.Silence(rule.ID, "agent-1", time.Now().Add(time.Hour))
	store.Record(types.Metric{OwnerID: "agent-1", Name: "cpu_usage_percent", Value: 95, Timestamp: time.Now()})
	e.evaluateOne(rule, "agent-1")

	assert.Empty(t, sink.notified)
}

package trace

import (
	"testing"
	"time"

	"github.com/agentmesh/controlplane/pkg/coreerr"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEnd_EmitsExecutionTimeMetric(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	rec := NewRecorder(store, time.Hour)

	tr := rec.Start("", "session-1", "agent-1", map[string]any{"message": "hi"})
	assert.Equal(t, types.TraceStatusStarted, tr.Status)
	assert.NotEmpty(t, tr.ID)

	done, err := rec.End(tr.ID, map[string]any{"text": "hello"}, &types.LLMUsage{Model: "gpt", Tokens: 10})
	require.NoError(t, err)
	assert.Equal(t, types.TraceStatusSuccess, done.Status)
	assert.GreaterOrEqual(t, done.DurationMs, int64(0))
	assert.True(t, done.EndedAt.After(done.StartedAt) || done.EndedAt.Equal(done.StartedAt))

	samples := store.Query(metricstore.Filter{OwnerID: "agent-1", Name: "execution_time_seconds"})
	require.Len(t, samples, 1)

	tokens := store.Query(metricstore.Filter{OwnerID: "agent-1", Name: "llm_tokens"})
	require.Len(t, tokens, 1)
	assert.Equal(t, 10.0, tokens[0].Value)
}

func TestFail_EmitsErrorCountMetric(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	rec := NewRecorder(store, time.Hour)

	tr := rec.Start("", "", "agent-1", nil)
	done, err := rec.Fail(tr.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, types.TraceStatusError, done.Status)
	assert.Equal(t, "boom", done.ErrorMessage)

	samples := store.Query(metricstore.Filter{OwnerID: "agent-1", Name: "error_count"})
	require.Len(t, samples, 1)
}

func TestEnd_UnknownTraceReturnsNotFound(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	rec := NewRecorder(store, time.Hour)

	_, err := rec.End("missing", nil, nil)
	require.Error(t, err)
	assert.Equal(t, coreerr.NotFound, coreerr.KindOf(err))
}

func TestGet_ReturnsStartedTrace(t *testing.T) {
	store := metricstore.NewInMemoryStore(metricstore.DefaultConfig())
	rec := NewRecorder(store, time.Hour)

	tr := rec.Start("custom-id", "", "agent-1", nil)
	assert.Equal(t, "custom-id", tr.ID)

	got, err := rec.Get("custom-id")
	require.NoError(t, err)
	assert.Equal(t, tr, got)
}

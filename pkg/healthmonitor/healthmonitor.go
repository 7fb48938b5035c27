// Package healthmonitor implements the Health Monitor (C9): two
// cooperative ticker-driven loops over active agents — a probe loop
// driving pkg/health.Checker and a metrics-collection loop.
package healthmonitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentmesh/controlplane/pkg/health"
	"github.com/agentmesh/controlplane/pkg/log"
	"github.com/agentmesh/controlplane/pkg/metrics"
	"github.com/agentmesh/controlplane/pkg/metricstore"
	"github.com/agentmesh/controlplane/pkg/types"
	"github.com/rs/zerolog"
)

const failureThreshold = 5 // consecutive failures before raising agent_failure

// AgentView is the subset of agent state the Health Monitor needs.
type AgentView struct {
	ID       string
	ProbeURL string
	MetricsURL string
}

// AgentSource supplies the set of currently-active agents to monitor.
type AgentSource interface {
	ActiveAgents() []AgentView
}

// Restarter is the C6 Worker Orchestrator contract the monitor calls
// into when RestartOnFailure is enabled.
type Restarter interface {
	Restart(agentID string) error
}

// Usage is one agent's usage snapshot fetched from its metrics
// endpoint.
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
	RequestCount  int64
	ResponseMs    float64
	ErrorRate     float64
}

// UsageFetcher retrieves a Usage snapshot from an agent's metrics
// endpoint. Split out as an interface so tests can substitute a fake
// without a real HTTP round trip.
type UsageFetcher interface {
	Fetch(ctx context.Context, metricsURL string) (Usage, error)
}

// Config controls the Health Monitor's tick cadence and restart
// policy.
type Config struct {
	HealthTick  time.Duration
	MetricsTick time.Duration
	ProbeDeadline time.Duration

	// RestartOnFailure gates the restart request; defaults to false so
	// a misbehaving restart policy can't be triggered unintentionally.
	RestartOnFailure bool

	CPUThreshold       float64
	MemoryThreshold    float64
	ErrorRateThreshold float64
}

// DefaultConfig returns conservative tick cadences and usage
// thresholds.
func DefaultConfig() Config {
	return Config{
		HealthTick:         15 * time.Second,
		MetricsTick:        30 * time.Second,
		ProbeDeadline:      10 * time.Second,
		RestartOnFailure:   false,
		CPUThreshold:       80,
		MemoryThreshold:    80,
		ErrorRateThreshold: 5,
	}
}

// Monitor runs the health and metrics loops.
type Monitor struct {
	agents    AgentSource
	metrics   metricstore.Store
	restarter Restarter
	fetcher   UsageFetcher
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	failures map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor. restarter may be nil in configurations
// that don't enable RestartOnFailure. Threshold-crossing notifications
// flow independently: the Alert Engine ticks the same metrics store
// this Monitor records into.
func NewMonitor(agents AgentSource, metrics metricstore.Store, restarter Restarter, fetcher UsageFetcher, cfg Config) *Monitor {
	return &Monitor{
		agents:    agents,
		metrics:   metrics,
		restarter: restarter,
		fetcher:   fetcher,
		cfg:       cfg,
		logger:    log.WithComponent("health-monitor"),
		failures:  make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Start launches both loops as background goroutines.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.runHealthLoop()
	go m.runMetricsLoop()
}

// Stop cancels both loops and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) runHealthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			for _, a := range m.agents.ActiveAgents() {
				m.probeOne(a)
			}
			timer.ObserveDuration(metrics.HealthProbeDuration)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) probeOne(a AgentView) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeDeadline)
	defer cancel()

	checker := health.NewHTTPChecker(a.ProbeURL)
	result := checker.Check(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if result.Healthy {
		m.failures[a.ID] = 0
		return
	}

	m.failures[a.ID]++
	m.logger.Warn().Str("agent_id", a.ID).Int("consecutive_failures", m.failures[a.ID]).Str("message", result.Message).Msg("agent probe failed")

	if m.failures[a.ID] >= failureThreshold {
		m.metrics.Record(types.Metric{OwnerID: a.ID, Name: "agent_failure", Value: 1, Timestamp: time.Now().UTC()})
		if m.cfg.RestartOnFailure && m.restarter != nil {
			if err := m.restarter.Restart(a.ID); err != nil {
				m.logger.Error().Err(err).Str("agent_id", a.ID).Msg("restart request failed")
			}
		}
		m.failures[a.ID] = 0
	}
}

func (m *Monitor) runMetricsLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MetricsTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			for _, a := range m.agents.ActiveAgents() {
				m.collectOne(a)
			}
			timer.ObserveDuration(metrics.MetricsTickDuration)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) collectOne(a AgentView) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeDeadline)
	defer cancel()

	usage, err := m.fetcher.Fetch(ctx, a.MetricsURL)
	if err != nil {
		m.logger.Debug().Err(err).Str("agent_id", a.ID).Msg("usage fetch failed")
		return
	}

	now := time.Now().UTC()
	m.metrics.Record(types.Metric{OwnerID: a.ID, Name: "cpu_usage_percent", Value: usage.CPUPercent, Timestamp: now})
	m.metrics.Record(types.Metric{OwnerID: a.ID, Name: "memory_usage_percent", Value: usage.MemoryPercent, Timestamp: now})
	m.metrics.Record(types.Metric{OwnerID: a.ID, Name: "request_count", Value: float64(usage.RequestCount), Timestamp: now})
	m.metrics.Record(types.Metric{OwnerID: a.ID, Name: "response_time_ms", Value: usage.ResponseMs, Timestamp: now})
	m.metrics.Record(types.Metric{OwnerID: a.ID, Name: "error_rate_percent", Value: usage.ErrorRate, Timestamp: now})
}

// HTTPUsageFetcher fetches a JSON usage payload from an agent's
// metrics endpoint over HTTP.
type HTTPUsageFetcher struct {
	Client *http.Client
}

// NewHTTPUsageFetcher creates a fetcher using http.DefaultClient if
// client is nil.
func NewHTTPUsageFetcher(client *http.Client) *HTTPUsageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUsageFetcher{Client: client}
}

// Fetch GETs metricsURL and decodes its JSON body into a Usage.
func (f *HTTPUsageFetcher) Fetch(ctx context.Context, metricsURL string) (Usage, error) {
	var u Usage
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
	if err != nil {
		return u, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return u, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&u)
	return u, err
}

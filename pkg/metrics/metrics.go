package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry (C7) gauges.
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmesh_agents_total",
			Help: "Total number of registered agents by kind and status",
		},
		[]string{"kind", "status"},
	)

	WorkflowsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmesh_workflows_total",
			Help: "Total number of registered workflows",
		},
	)

	// Dispatcher (C10) metrics.
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_dispatch_requests_total",
			Help: "Total number of agent invocations by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_dispatch_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Workflow Engine (C11) metrics.
	WorkflowExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_workflow_executions_total",
			Help: "Total number of workflow executions by kind and status",
		},
		[]string{"kind", "status"},
	)

	WorkflowExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmesh_workflow_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Worker Orchestrator (C6) / deploy metrics.
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_deployments_total",
			Help: "Total number of agent version deployments by status",
		},
		[]string{"status"},
	)

	DeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_deployment_duration_seconds",
			Help:    "Agent version deployment duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	RolledBackDeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_deployments_rolled_back_total",
			Help: "Total number of agent version deployments that were rolled back",
		},
		[]string{"reason"},
	)

	// Health Monitor (C9) metrics.
	HealthProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_health_probe_duration_seconds",
			Help:    "Time taken for one health-probe tick across all agents",
			Buckets: prometheus.DefBuckets,
		},
	)

	MetricsTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentmesh_metrics_tick_duration_seconds",
			Help:    "Time taken for one metrics-collection tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Alert Engine (C4) metrics.
	AlertTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_alert_ticks_total",
			Help: "Total number of alert-engine evaluation cycles completed",
		},
	)

	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_alerts_fired_total",
			Help: "Total number of alerts fired by rule severity",
		},
		[]string{"severity"},
	)

	// Notifier (C5) metrics.
	NotifierDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmesh_notifier_deliveries_total",
			Help: "Total number of notification deliveries by sink and outcome",
		},
		[]string{"sink", "status"},
	)

	NotifierRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmesh_notifier_retries_total",
			Help: "Total number of notification delivery retries",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(DispatchRequestsTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(WorkflowExecutionsTotal)
	prometheus.MustRegister(WorkflowExecutionDuration)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(RolledBackDeploymentsTotal)
	prometheus.MustRegister(HealthProbeDuration)
	prometheus.MustRegister(MetricsTickDuration)
	prometheus.MustRegister(AlertTicksTotal)
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(NotifierDeliveriesTotal)
	prometheus.MustRegister(NotifierRetriesTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

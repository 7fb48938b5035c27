package metrics

import (
	"time"

	"github.com/agentmesh/controlplane/pkg/registry"
	"github.com/agentmesh/controlplane/pkg/types"
)

// Collector periodically snapshots the Agent Registry into the gauge
// metrics above on a fixed ticker.
type Collector struct {
	registry *registry.Registry
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a Collector that polls registry every interval.
func NewCollector(reg *registry.Registry, interval time.Duration) *Collector {
	return &Collector{registry: reg, interval: interval, stopCh: make(chan struct{})}
}

// Start begins the periodic collection loop in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgentMetrics()
	c.collectWorkflowMetrics()
}

var agentKinds = []types.AgentKind{types.AgentKindTemplated, types.AgentKindExternal}

var agentStatuses = []types.AgentStatus{
	types.AgentStatusInactive, types.AgentStatusDeploying,
	types.AgentStatusActive, types.AgentStatusError, types.AgentStatusStopped,
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.registry.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[types.AgentKind]map[types.AgentStatus]int)
	for _, a := range agents {
		if counts[a.Kind] == nil {
			counts[a.Kind] = make(map[types.AgentStatus]int)
		}
		counts[a.Kind][a.Status]++
	}

	for _, kind := range agentKinds {
		for _, status := range agentStatuses {
			AgentsTotal.WithLabelValues(string(kind), string(status)).Set(float64(counts[kind][status]))
		}
	}
}

func (c *Collector) collectWorkflowMetrics() {
	workflows, err := c.registry.ListWorkflows()
	if err != nil {
		return
	}
	WorkflowsTotal.Set(float64(len(workflows)))
}

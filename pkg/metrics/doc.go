// Package metrics exports process-level operational counters via
// Prometheus: request totals, tick cycles, and deployment outcomes for
// an operator's dashboard, distinct from the in-process ring-buffered
// Metric Store (pkg/metricstore) the Alert Engine reads from. Counters
// register at package init and are scraped through Handler(). Collector
// periodically snapshots gauge state (agent/workflow counts) from the
// Agent Registry on a ticker.
package metrics

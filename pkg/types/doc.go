// Package types defines the Agent Mesh domain model shared by every
// component: Agent, AgentVersion, Skill, Tool, Constraint, Template,
// Workflow, Execution, Trace, Metric, AlertRule, and Alert. These are
// plain data structs; behavior lives in the component packages that
// operate on them (registry, dispatch, workflow, alert, capability).
package types

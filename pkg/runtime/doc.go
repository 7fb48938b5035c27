// Package runtime provides a containerd-backed alternate deployment
// backend for the Worker Orchestrator (C6): when an agent's rendered
// template resolves to an OCI image rather than a local executable,
// ContainerdRuntime pulls, creates, starts, stops, and tears down the
// container in place of os/exec. cmd/agentmeshd's --runtime flag selects
// between this and pkg/worker's default process-spawn Runtime, both
// behind the worker.Runtime interface.
package runtime

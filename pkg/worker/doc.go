// Package worker implements the Worker Orchestrator (C6): it owns the
// physical lifecycle of templated agents (render, spawn, probe, stop,
// restart) and converges desired replica counts toward actual. The
// Orchestrator runs in-process and is called directly by cmd/agentmeshd
// and, through its Restarter contract, by the Health Monitor, with no
// remote control channel to a separate manager process. DNS/secret-mount/volume-mount handling has no analogue
// here; pkg/secrets and pkg/health already cover what remains relevant.
package worker

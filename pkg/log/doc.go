// Package log provides structured logging for the control plane using
// zerolog. A single global logger is configured once at startup via
// Init, and every long-running component (dispatcher, alert engine,
// health monitor, workflow engine) derives a child logger from it with
// WithComponent so log lines carry a stable "component" field.
package log

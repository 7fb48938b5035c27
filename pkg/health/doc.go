// Package health provides probe mechanisms (HTTP, TCP, exec) used by
// the Health Monitor to determine whether a deployed agent worker is
// ready. A Checker's Status tracks consecutive failures/successes so
// callers can apply their own threshold before declaring an agent
// unhealthy.
package health

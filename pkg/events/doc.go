// Package events provides an in-process pub/sub broker for control-plane
// domain events (agent lifecycle, workflow execution, alert firing).
// Publishers buffer onto a single channel; a broadcast loop fans each
// event out to every subscriber's own buffered channel, dropping on a
// full subscriber buffer rather than blocking the broadcaster.
package events

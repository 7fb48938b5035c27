// Package ids provides the control plane's process-wide identity
// primitives: UTC wall-clock time (the UTC conversion drops Go's
// monotonic clock reading), UUID allocation, and a loopback port
// allocator over a configured contiguous range. A single Allocator
// instance is shared by the Worker Orchestrator for the lifetime of the
// process.
package ids

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Now returns the current time in UTC. It calls time.Now() directly;
// there is no hook for substituting a fixed clock.
func Now() time.Time {
	return time.Now().UTC()
}

// New mints a new RFC-4122 v4 UUID string.
func New() string {
	return uuid.New().String()
}

// Allocator hands out ports from a contiguous range [base, base+capacity)
// by attempting an exclusive bind on the loopback interface. It is
// thread-safe; a single instance exists per process.
type Allocator struct {
	mu       sync.Mutex
	base     int
	capacity int
	taken    map[int]bool
}

// NewAllocator creates an Allocator over [base, base+capacity).
func NewAllocator(base, capacity int) *Allocator {
	return &Allocator{
		base:     base,
		capacity: capacity,
		taken:    make(map[int]bool),
	}
}

// Allocate probes candidate ports in the configured range and returns
// the first one that binds successfully, marking it taken. It returns
// an error if every port in the range is already taken or refuses to
// bind.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for offset := 0; offset < a.capacity; offset++ {
		port := a.base + offset
		if a.taken[port] {
			continue
		}
		if a.probe(port) {
			a.taken[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("port allocator exhausted: no free port in [%d, %d)", a.base, a.base+a.capacity)
}

// Release returns port to the free set. Releasing a port that was
// never allocated, or was already released, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.taken, port)
}

// probe attempts an exclusive bind on the loopback interface to check
// whether port is free. The listener is closed immediately either way;
// callers racing to bind the same OS port between probe and actual use
// is accepted as the underlying uncertainty of this technique.
func (a *Allocator) probe(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// InUse reports the number of ports currently allocated and not yet
// released.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.taken)
}

// Package metricstore implements the Metric Store: a process-wide,
// in-memory mapping from metric key to a time- and size-bounded ring of
// samples. The Alert Engine and Health Monitor both read through the
// Store interface; the control plane ships only the in-process
// implementation, but an external backend could satisfy the same
// interface later.
package metricstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/controlplane/pkg/types"
)

// Store is the Metric Store contract used by the Alert Engine, Health
// Monitor, and Trace Recorder.
type Store interface {
	Record(sample types.Metric)
	Query(filter Filter) []types.Metric
	Latest(ownerID, name string) (types.Metric, bool)
}

// Filter selects a subset of recorded samples. Zero-valued fields are
// treated as unconstrained.
type Filter struct {
	OwnerID string
	Name    string
	Labels  map[string]string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// key canonicalizes (owner, name, labels) into a map key.
type key struct {
	owner string
	name  string
	labs  string
}

func canonicalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func keyOf(m types.Metric) key {
	return key{owner: m.OwnerID, name: m.Name, labs: canonicalLabels(m.Labels)}
}

// ring is a fixed-capacity, age-bounded buffer of samples for one key.
// Newest samples evict oldest on capacity; samples older than maxAge
// are evicted on write.
type ring struct {
	samples []types.Metric
	cap     int
	maxAge  time.Duration
}

func newRing(capacity int, maxAge time.Duration) *ring {
	return &ring{cap: capacity, maxAge: maxAge}
}

func (r *ring) add(m types.Metric) {
	r.samples = append(r.samples, m)
	cutoff := m.Timestamp.Add(-r.maxAge)
	kept := r.samples[:0]
	for _, s := range r.samples {
		if r.maxAge <= 0 || s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	r.samples = kept
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

// InMemoryStore is the default Store implementation: one ring per
// metric key, guarded by a per-instance lock, plus a latest-by-key
// index of each key's most recent sample. Latest scans that whole
// index, since one (owner, name) pair can span several label sets.
type InMemoryStore struct {
	mu       sync.RWMutex
	rings    map[key]*ring
	latest   map[key]types.Metric
	capacity int
	maxAge   time.Duration
}

// Config controls ring capacity and age bounds for a new InMemoryStore.
type Config struct {
	RingCapacity int
	MaxAge       time.Duration
}

// DefaultConfig returns sane ring bounds: 1000 samples, 24h retention.
func DefaultConfig() Config {
	return Config{RingCapacity: 1000, MaxAge: 24 * time.Hour}
}

// NewInMemoryStore creates an empty store with the given bounds.
func NewInMemoryStore(cfg Config) *InMemoryStore {
	return &InMemoryStore{
		rings:    make(map[key]*ring),
		latest:   make(map[key]types.Metric),
		capacity: cfg.RingCapacity,
		maxAge:   cfg.MaxAge,
	}
}

// Record appends sample to its key's ring and updates the latest-value
// index. Each append also drops the ring's samples older than maxAge,
// a pass over the whole ring, so the cost grows with the ring's length.
func (s *InMemoryStore) Record(sample types.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(sample)
	r, ok := s.rings[k]
	if !ok {
		r = newRing(s.capacity, s.maxAge)
		s.rings[k] = r
	}
	r.add(sample)
	s.latest[k] = sample
}

// Latest returns the most recently recorded sample for (ownerID, name)
// regardless of label set, or false if none exists.
func (s *InMemoryStore) Latest(ownerID, name string) (types.Metric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best types.Metric
	var found bool
	for k, m := range s.latest {
		if k.owner != ownerID || k.name != name {
			continue
		}
		if !found || m.Timestamp.After(best.Timestamp) {
			best = m
			found = true
		}
	}
	return best, found
}

// Query returns samples matching filter, sorted by time ascending and
// bounded by filter.Limit (0 = unbounded). An empty window or no
// matches returns an empty slice, never an error.
func (s *InMemoryStore) Query(filter Filter) []types.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Metric
	for k, r := range s.rings {
		if filter.OwnerID != "" && k.owner != filter.OwnerID {
			continue
		}
		if filter.Name != "" && k.name != filter.Name {
			continue
		}
		if len(filter.Labels) > 0 && k.labs != canonicalLabels(filter.Labels) {
			continue
		}
		for _, m := range r.samples {
			if !filter.Since.IsZero() && m.Timestamp.Before(filter.Since) {
				continue
			}
			if !filter.Until.IsZero() && m.Timestamp.After(filter.Until) {
				continue
			}
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Stream returns a channel of samples matching filter recorded after
// it is called, until ctx is cancelled. It is a lazy, finite-only-on-
// cancellation sequence; callers must drain or cancel to avoid leaking
// the background goroutine.
func (s *InMemoryStore) Stream(ctx context.Context, filter Filter, poll time.Duration) <-chan types.Metric {
	out := make(chan types.Metric)
	go func() {
		defer close(out)
		seen := make(map[time.Time]bool)
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f := filter
				f.Since = start
				for _, m := range s.Query(f) {
					if seen[m.Timestamp] {
						continue
					}
					seen[m.Timestamp] = true
					select {
					case out <- m:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

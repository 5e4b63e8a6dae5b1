package fleet

import (
	"sync"
	"time"
)

// Metrics tracks per-invocation operation counts and wall time.
type Metrics struct {
	mu       sync.Mutex
	ops      map[string]int
	errors   int
	duration time.Duration
}

func NewMetrics() *Metrics {
	return &Metrics{ops: map[string]int{}}
}

func (m *Metrics) Record(op string, d time.Duration) {
	m.mu.Lock()
	m.ops[op]++
	m.duration += d
	m.mu.Unlock()
}

func (m *Metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Snapshot returns operation counts, error count and accumulated duration.
func (m *Metrics) Snapshot() (map[string]int, int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make(map[string]int, len(m.ops))
	for k, v := range m.ops {
		ops[k] = v
	}
	return ops, m.errors, m.duration
}

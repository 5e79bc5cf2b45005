package metrics

import (
	"sync"
	"time"
)

// Collector captures counters and durations from the hot paths.
type Collector interface {
	IncCounter(name string, delta uint64)
	ObserveDuration(name string, d time.Duration)
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncCounter(string, uint64)             {}
func (Noop) ObserveDuration(string, time.Duration) {}

// InMem is a process-local collector, good enough for the /metrics endpoint
// and for tests.
type InMem struct {
	mu        sync.Mutex
	counters  map[string]uint64
	durations map[string]time.Duration
}

func NewInMem() *InMem {
	return &InMem{
		counters:  make(map[string]uint64),
		durations: make(map[string]time.Duration),
	}
}

func (m *InMem) IncCounter(name string, delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *InMem) ObserveDuration(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[name] += d
}

func (m *InMem) Counter(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Snapshot returns a copy of all counters and total observed durations.
func (m *InMem) Snapshot() (map[string]uint64, map[string]time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	durations := make(map[string]time.Duration, len(m.durations))
	for k, v := range m.durations {
		durations[k] = v
	}
	return counters, durations
}

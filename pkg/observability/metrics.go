package observability

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Labels are key-value metric dimensions.
type Labels map[string]string

// Registry is the metrics sink. The in-process implementation records
// values for inspection; external sinks plug in behind the same interface.
type Registry interface {
	Increment(name string, delta float64, labels Labels)
	Gauge(name string, value float64, labels Labels)
	Histogram(name string, value float64, labels Labels)
	Timer(name string, d time.Duration, labels Labels)
	// StartTimer returns a stop function that records the elapsed time.
	StartTimer(name string, labels Labels) func()
}

var (
	defaultRegistry   Registry = NewMemoryRegistry()
	defaultRegistryMu sync.RWMutex
)

// Default returns the process-wide registry.
func Default() Registry {
	defaultRegistryMu.RLock()
	defer defaultRegistryMu.RUnlock()
	return defaultRegistry
}

// SetDefault replaces the process-wide registry. Intended for wiring a
// real sink at startup and for tests.
func SetDefault(r Registry) {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistry = r
}

// seriesKey flattens name+labels into a stable map key.
func seriesKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Series is the recorded state of one metric series.
type Series struct {
	Count float64
	Value float64   // last gauge value
	Sum   float64   // histogram/timer sum
	Min   float64
	Max   float64
	Obs   []float64 // histogram observations, in order
}

// MemoryRegistry records metrics in process memory.
type MemoryRegistry struct {
	mu     sync.Mutex
	series map[string]*Series
	now    func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{series: make(map[string]*Series), now: time.Now}
}

func (m *MemoryRegistry) get(name string, labels Labels) *Series {
	key := seriesKey(name, labels)
	s, ok := m.series[key]
	if !ok {
		s = &Series{}
		m.series[key] = s
	}
	return s
}

func (m *MemoryRegistry) Increment(name string, delta float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(name, labels)
	s.Count += delta
}

func (m *MemoryRegistry) Gauge(name string, value float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(name, labels)
	s.Value = value
}

func (m *MemoryRegistry) Histogram(name string, value float64, labels Labels) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(name, labels)
	if len(s.Obs) == 0 || value < s.Min {
		s.Min = value
	}
	if value > s.Max {
		s.Max = value
	}
	s.Obs = append(s.Obs, value)
	s.Sum += value
	s.Count++
}

func (m *MemoryRegistry) Timer(name string, d time.Duration, labels Labels) {
	m.Histogram(name, float64(d.Milliseconds()), labels)
}

func (m *MemoryRegistry) StartTimer(name string, labels Labels) func() {
	start := m.now()
	return func() { m.Timer(name, m.now().Sub(start), labels) }
}

// Snapshot returns a copy of all recorded series keyed by name|k=v.
func (m *MemoryRegistry) Snapshot() map[string]Series {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Series, len(m.series))
	for k, s := range m.series {
		copied := *s
		copied.Obs = append([]float64(nil), s.Obs...)
		out[k] = copied
	}
	return out
}

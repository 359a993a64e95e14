package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Names emitted by the engine.
const (
	WritesTotal            = "segkv_writes_total"
	WALBytesTotal          = "segkv_wal_bytes_total"
	FlushesTotal           = "segkv_flushes_total"
	FlushSeconds           = "segkv_flush_seconds"
	CompactionsTotal       = "segkv_compactions_total"
	CompactionErrorsTotal  = "segkv_compaction_errors_total"
	CompactionSeconds      = "segkv_compaction_seconds"
	TombstonesDroppedTotal = "segkv_tombstones_dropped_total"
	SegmentsGauge          = "segkv_segments"
	WriteStallsTotal       = "segkv_write_stalls_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

// Memory keeps the latest values in memory. Histograms keep every
// observation. It is meant for tests and debugging.
type Memory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewMemory() *Memory {
	return &Memory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *Memory) IncCounter(name string, labels map[string]string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[seriesKey(name, labels)] += delta
}

func (m *Memory) SetGauge(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[seriesKey(name, labels)] = value
}

func (m *Memory) ObserveHistogram(name string, labels map[string]string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey(name, labels)
	m.histograms[key] = append(m.histograms[key], value)
}

func (m *Memory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

func (m *Memory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

func (m *Memory) Observations(name string, labels map[string]string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.histograms[seriesKey(name, labels)]...)
}

// seriesKey renders name{k1=v1,k2=v2} with labels sorted by key.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

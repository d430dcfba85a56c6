package cache

import (
	"sync"
	"time"
)

// Metrics collects counters for cache and protocol activity.
type Metrics struct {
	mu sync.RWMutex

	// Counters
	lookups            int64
	hits               int64
	misses             int64
	staged             int64
	generations        int64
	generationFailures int64
	flushes            int64
	flushFailures      int64
	reloads            int64

	// Latency tracking
	generationLatency time.Duration
	flushLatency      time.Duration
}

// MetricsSummary is a point-in-time copy of Metrics.
type MetricsSummary struct {
	Lookups            int64
	Hits               int64
	Misses             int64
	Staged             int64
	Generations        int64
	GenerationFailures int64
	Flushes            int64
	FlushFailures      int64
	Reloads            int64
	HitRate            float64
	AvgGeneration      time.Duration
	AvgFlush           time.Duration
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordLookup records the outcome of one lookup-and-match attempt.
func (m *Metrics) RecordLookup(hit bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lookups++
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

// RecordStage records an entry written to the temporary buffer.
func (m *Metrics) RecordStage() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged++
}

// RecordGeneration records one generator invocation.
func (m *Metrics) RecordGeneration(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generations++
	m.generationLatency += duration
	if err != nil {
		m.generationFailures++
	}
}

// RecordFlush records one flush that reached the write queue.
func (m *Metrics) RecordFlush(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushes++
	m.flushLatency += duration
	if err != nil {
		m.flushFailures++
	}
}

// RecordReload records a reload of the persistent layer.
func (m *Metrics) RecordReload() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
}

// Summary returns a snapshot of the collected metrics.
func (m *Metrics) Summary() MetricsSummary {
	if m == nil {
		return MetricsSummary{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MetricsSummary{
		Lookups:            m.lookups,
		Hits:               m.hits,
		Misses:             m.misses,
		Staged:             m.staged,
		Generations:        m.generations,
		GenerationFailures: m.generationFailures,
		Flushes:            m.flushes,
		FlushFailures:      m.flushFailures,
		Reloads:            m.reloads,
	}
	if m.lookups > 0 {
		s.HitRate = float64(m.hits) / float64(m.lookups)
	}
	if m.generations > 0 {
		s.AvgGeneration = m.generationLatency / time.Duration(m.generations)
	}
	if m.flushes > 0 {
		s.AvgFlush = m.flushLatency / time.Duration(m.flushes)
	}
	return s
}

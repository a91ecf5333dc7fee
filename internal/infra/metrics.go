package infra

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	fetchAttempts atomic.Uint64
	fetchFailures atomic.Uint64
	retries       atomic.Uint64
	staleDiscards atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordFetch records one ticker round trip with its latency.
func (m *Metrics) RecordFetch(latency time.Duration, err error) {
	m.fetchAttempts.Add(1)
	if err != nil {
		m.fetchFailures.Add(1)
	}
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordRetry records a backoff before another attempt.
func (m *Metrics) RecordRetry() {
	m.retries.Add(1)
}

// RecordStaleDiscard records a result dropped because the active symbol changed.
func (m *Metrics) RecordStaleDiscard() {
	m.staleDiscards.Add(1)
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheHits.Add(1)
	} else {
		m.cacheMisses.Add(1)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FetchAttempts uint64
	FetchFailures uint64
	Retries       uint64
	StaleDiscards uint64
	CacheHits     uint64
	CacheMisses   uint64
	AvgLatency    time.Duration
	Timestamp     time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		FetchAttempts: m.fetchAttempts.Load(),
		FetchFailures: m.fetchFailures.Load(),
		Retries:       m.retries.Load(),
		StaleDiscards: m.staleDiscards.Load(),
		CacheHits:     m.cacheHits.Load(),
		CacheMisses:   m.cacheMisses.Load(),
		AvgLatency:    time.Duration(avgLatency),
		Timestamp:     time.Now(),
	}
}

// LogValue lets a snapshot be passed directly as a slog attribute.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("fetch_attempts", s.FetchAttempts),
		slog.Uint64("fetch_failures", s.FetchFailures),
		slog.Uint64("retries", s.Retries),
		slog.Uint64("stale_discards", s.StaleDiscards),
		slog.Uint64("cache_hits", s.CacheHits),
		slog.Uint64("cache_misses", s.CacheMisses),
		slog.Duration("avg_latency", s.AvgLatency),
	)
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.fetchAttempts.Store(0)
	m.fetchFailures.Store(0)
	m.retries.Store(0)
	m.staleDiscards.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
}

package routing

import (
	"sync"
	"time"

	"upbitflow/internal/model"
)

// MetricsSnapshot is a point-in-time copy of the router's counters.
type MetricsSnapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	RESTRequests      int64   `json:"rest_requests"`
	WebSocketRequests int64   `json:"websocket_requests"`
	RESTSuccesses     int64   `json:"rest_successes"`
	WebSocketSuccess  int64   `json:"websocket_successes"`
	CacheHits         int64   `json:"cache_hits"`
	Failures          int64   `json:"failures"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	RESTSuccessRate   float64 `json:"rest_success_rate"`
	WSSuccessRate     float64 `json:"websocket_success_rate"`
}

// metrics accumulates running request statistics.
type metrics struct {
	mu sync.Mutex

	total     int64
	rest      int64
	ws        int64
	restOK    int64
	wsOK      int64
	cacheHits int64
	failures  int64

	latencySumMS float64
}

func newMetrics() *metrics {
	return &metrics{}
}

func (m *metrics) record(channel model.Channel, success bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.latencySumMS += float64(elapsed.Microseconds()) / 1000.0

	switch channel {
	case model.ChannelREST:
		m.rest++
		if success {
			m.restOK++
		}
	case model.ChannelWebSocket:
		m.ws++
		if success {
			m.wsOK++
		}
	}
	if !success {
		m.failures++
	}
}

func (m *metrics) recordCacheHit(elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.cacheHits++
	m.latencySumMS += float64(elapsed.Microseconds()) / 1000.0
}

func (m *metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests:     m.total,
		RESTRequests:      m.rest,
		WebSocketRequests: m.ws,
		RESTSuccesses:     m.restOK,
		WebSocketSuccess:  m.wsOK,
		CacheHits:         m.cacheHits,
		Failures:          m.failures,
	}
	if m.total > 0 {
		snap.AvgLatencyMS = m.latencySumMS / float64(m.total)
		snap.CacheHitRatio = float64(m.cacheHits) / float64(m.total)
	}
	if m.rest > 0 {
		snap.RESTSuccessRate = float64(m.restOK) / float64(m.rest)
	}
	if m.ws > 0 {
		snap.WSSuccessRate = float64(m.wsOK) / float64(m.ws)
	}
	return snap
}

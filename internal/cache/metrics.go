package cache

import (
	"sync"
	"time"
)

// ConnState is the coarse connection health of a client.
type ConnState int

const (
	StateHealthy ConnState = iota
	StateDegraded
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

const (
	degradedAfter = 3
	failedAfter   = 10
)

// Metrics tracks per-client operation counters. All methods are safe for
// concurrent use.
type Metrics struct {
	mu                  sync.Mutex
	totalOps            int64
	successOps          int64
	failedOps           int64
	hits                int64
	misses              int64
	latencySum          time.Duration
	lastOpTime          time.Time
	errorCounts         map[string]int64
	consecutiveFailures int
	state               ConnState
}

func NewMetrics() *Metrics {
	return &Metrics{errorCounts: make(map[string]int64)}
}

func (m *Metrics) recordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalOps++
	m.successOps++
	m.latencySum += latency
	m.lastOpTime = time.Now()
	m.consecutiveFailures = 0
	m.state = StateHealthy
}

func (m *Metrics) recordFailure(latency time.Duration, errClass string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalOps++
	m.failedOps++
	m.latencySum += latency
	m.lastOpTime = time.Now()
	m.errorCounts[errClass]++
	m.consecutiveFailures++
	switch {
	case m.consecutiveFailures >= failedAfter:
		m.state = StateFailed
	case m.consecutiveFailures >= degradedAfter:
		m.state = StateDegraded
	}
}

func (m *Metrics) recordHit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *Metrics) recordMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TotalOps    int64            `json:"total_ops"`
	SuccessOps  int64            `json:"success_ops"`
	FailedOps   int64            `json:"failed_ops"`
	Hits        int64            `json:"hits"`
	Misses      int64            `json:"misses"`
	LatencySum  time.Duration    `json:"latency_sum"`
	LastOpTime  time.Time        `json:"last_op_time"`
	ErrorCounts map[string]int64 `json:"error_counts"`
	State       string           `json:"state"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64, len(m.errorCounts))
	for k, v := range m.errorCounts {
		counts[k] = v
	}
	return Snapshot{
		TotalOps:    m.totalOps,
		SuccessOps:  m.successOps,
		FailedOps:   m.failedOps,
		Hits:        m.hits,
		Misses:      m.misses,
		LatencySum:  m.latencySum,
		LastOpTime:  m.lastOpTime,
		ErrorCounts: counts,
		State:       m.state.String(),
	}
}

func (m *Metrics) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

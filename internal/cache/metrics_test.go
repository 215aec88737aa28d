package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateDegradesAfterConsecutiveFailures(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, StateHealthy, m.State())

	m.recordFailure(time.Millisecond, "connection_error")
	m.recordFailure(time.Millisecond, "connection_error")
	assert.Equal(t, StateHealthy, m.State())

	m.recordFailure(time.Millisecond, "connection_error")
	assert.Equal(t, StateDegraded, m.State())

	for i := 0; i < 7; i++ {
		m.recordFailure(time.Millisecond, "timeout")
	}
	assert.Equal(t, StateFailed, m.State())
}

func TestSuccessResetsState(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 12; i++ {
		m.recordFailure(time.Millisecond, "connection_error")
	}
	assert.Equal(t, StateFailed, m.State())

	m.recordSuccess(time.Millisecond)
	assert.Equal(t, StateHealthy, m.State())

	// One failure after recovery must not re-degrade.
	m.recordFailure(time.Millisecond, "timeout")
	assert.Equal(t, StateHealthy, m.State())
}

func TestSnapshotCopiesErrorCounts(t *testing.T) {
	m := NewMetrics()
	m.recordSuccess(2 * time.Millisecond)
	m.recordFailure(time.Millisecond, "throttled")
	m.recordHit()
	m.recordHit()
	m.recordMiss()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalOps)
	assert.Equal(t, int64(1), snap.SuccessOps)
	assert.Equal(t, int64(1), snap.FailedOps)
	assert.Equal(t, int64(2), snap.Hits)
	assert.Equal(t, int64(1), snap.Misses)
	assert.Equal(t, int64(1), snap.ErrorCounts["throttled"])

	// Mutating the snapshot map must not leak back.
	snap.ErrorCounts["throttled"] = 99
	assert.Equal(t, int64(1), m.Snapshot().ErrorCounts["throttled"])
}

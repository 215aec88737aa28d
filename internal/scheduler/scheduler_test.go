package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(config.SchedulerConfig{TickMs: 10}, nil, log.NewLogger())
}

func TestNextDailyLaterToday(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	next, err := nextDaily(now, "10:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC), next)
}

func TestNextDailyRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	next, err := nextDaily(now, "10:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC), next)
}

func TestNextDailyExactlyNowRollsOver(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	next, err := nextDaily(now, "10:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 10, 30, 0, 0, time.UTC), next)
}

func TestNextDailyRejectsBadFormat(t *testing.T) {
	_, err := nextDaily(time.Now(), "25:99")
	assert.Error(t, err)
	_, err = nextDaily(time.Now(), "soon")
	assert.Error(t, err)
}

func TestRegisterValidatesJobs(t *testing.T) {
	s := newTestService()
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Register(Job{Type: TypeInterval, Interval: time.Second, Fn: noop}))
	assert.Error(t, s.Register(Job{ID: "a", Type: TypeInterval, Fn: noop}))
	assert.Error(t, s.Register(Job{ID: "b", Type: TypeDaily, DailyAt: "nope", Fn: noop}))
	assert.Error(t, s.Register(Job{ID: "c", Type: TypeCron, CronExpr: "not cron", Fn: noop}))
	assert.Error(t, s.Register(Job{ID: "d", Type: ScheduleType("WEEKLY"), Fn: noop}))

	assert.NoError(t, s.Register(Job{ID: "e", Type: TypeInterval, Interval: time.Second, Fn: noop}))
	assert.NoError(t, s.Register(Job{ID: "f", Type: TypeDaily, DailyAt: "02:00", Fn: noop}))
	assert.NoError(t, s.Register(Job{ID: "g", Type: TypeCron, CronExpr: "*/5 * * * *", Fn: noop}))
	assert.NoError(t, s.Register(Job{ID: "h", Type: TypeOnce, Fn: noop}))
}

func TestRegisterReplacesByID(t *testing.T) {
	s := newTestService()
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register(Job{ID: "job", Type: TypeInterval, Interval: time.Second, Fn: noop}))
	require.NoError(t, s.Register(Job{ID: "job", Type: TypeInterval, Interval: 2 * time.Second, Fn: noop}))
	assert.Len(t, s.Status(), 1)
}

func TestOnceJobRunsAndUnregisters(t *testing.T) {
	s := newTestService()
	done := make(chan struct{})
	require.NoError(t, s.Register(Job{ID: "once", Type: TypeOnce, Fn: func(ctx context.Context) error {
		close(done)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("once job did not fire")
	}
	assert.Eventually(t, func() bool { return len(s.Status()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestIntervalJobCountsRuns(t *testing.T) {
	s := newTestService()
	fired := make(chan struct{}, 8)
	require.NoError(t, s.Register(Job{
		ID:       "tick",
		Type:     TypeInterval,
		Interval: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			select {
			case fired <- struct{}{}:
			default:
			}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("interval job did not fire")
	}
	assert.Eventually(t, func() bool {
		status := s.Status()
		return len(status) == 1 && status[0].RunCount >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestFailingJobCountsRunsAndErrors(t *testing.T) {
	s := newTestService()
	require.NoError(t, s.Register(Job{
		ID:       "flaky",
		Type:     TypeInterval,
		Interval: 20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			return context.DeadlineExceeded
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool {
		status := s.Status()
		return len(status) == 1 && status[0].RunCount >= 2 && status[0].ErrorCount >= 2
	}, 2*time.Second, 10*time.Millisecond)

	status := s.Status()
	require.Len(t, status, 1)
	assert.GreaterOrEqual(t, status[0].RunCount, status[0].ErrorCount)
	assert.LessOrEqual(t, status[0].RunCount-status[0].ErrorCount, int64(1))
	assert.NotEmpty(t, status[0].LastError)
}

func TestPanickingJobChargesError(t *testing.T) {
	s := newTestService()
	require.NoError(t, s.Register(Job{ID: "boom", Type: TypeOnce, Fn: func(ctx context.Context) error {
		panic("nope")
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(s.Status()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

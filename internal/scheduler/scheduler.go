// Package scheduler runs registered jobs on interval, daily, cron or
// one-shot timetables. Jobs marked with a lock key are gated through the
// distributed lock so only one node in the cluster fires them per tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/config"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/errs"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/lock"
	"github.com/SKNETWORKS-FAMILY-AICAMP/SKN12-FINAL-2TEAM-sub001/internal/log"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type ScheduleType string

const (
	TypeInterval ScheduleType = "INTERVAL"
	TypeDaily    ScheduleType = "DAILY"
	TypeCron     ScheduleType = "CRON"
	TypeOnce     ScheduleType = "ONCE"
)

const (
	lockReleaseTimeout = 5 * time.Second
	stopGrace          = 30 * time.Second
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobFunc is a job body. The context carries the scheduler's lifetime.
type JobFunc func(ctx context.Context) error

// Job describes one schedule entry. Exactly one of Interval, DailyAt or
// CronExpr is consulted, per Type; ONCE fires at the first tick at or after
// registration.
type Job struct {
	ID       string
	Name     string
	Type     ScheduleType
	Interval time.Duration // INTERVAL
	DailyAt  string        // DAILY, "HH:MM" local clock
	CronExpr string        // CRON, five-field expression
	LockKey  string        // non-empty gates the job cluster-wide
	LockTTL  time.Duration
	Fn       JobFunc
}

type jobState struct {
	job        Job
	schedule   cron.Schedule // CRON only
	nextRun    time.Time
	running    bool
	runCount   int64
	errorCount int64
	lastError  string
	lastRun    time.Time
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitempty"`
	Running    bool      `json:"running"`
	RunCount   int64     `json:"run_count"`
	ErrorCount int64     `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Service ticks once per configured interval and fires every job whose
// next-run time has arrived.
type Service struct {
	cfg    config.SchedulerConfig
	locks  *lock.Service
	logger *log.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
	wg   sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg config.SchedulerConfig, locks *lock.Service, logger *log.Logger) *Service {
	return &Service{
		cfg:    cfg,
		locks:  locks,
		logger: logger.Named("scheduler"),
		jobs:   make(map[string]*jobState),
	}
}

// Register adds or replaces a job. Replacing keeps counters at zero; a job
// id is the identity.
func (s *Service) Register(job Job) error {
	if job.ID == "" || job.Fn == nil {
		return errs.New(errs.KindConfigInvalid, "job requires id and fn")
	}
	state := &jobState{job: job}
	now := time.Now()
	switch job.Type {
	case TypeInterval:
		if job.Interval <= 0 {
			return errs.Newf(errs.KindConfigInvalid, "job %s: interval must be positive", job.ID)
		}
		state.nextRun = now.Add(job.Interval)
	case TypeDaily:
		next, err := nextDaily(now, job.DailyAt)
		if err != nil {
			return errs.Newf(errs.KindConfigInvalid, "job %s: %v", job.ID, err)
		}
		state.nextRun = next
	case TypeCron:
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return errs.Newf(errs.KindConfigInvalid, "job %s: bad cron expression %q: %v", job.ID, job.CronExpr, err)
		}
		state.schedule = sched
		state.nextRun = sched.Next(now)
	case TypeOnce:
		state.nextRun = now
	default:
		return errs.Newf(errs.KindConfigInvalid, "job %s: unknown schedule type %q", job.ID, job.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		s.logger.Info("Replacing scheduled job", zap.String("job_id", job.ID))
	}
	s.jobs[job.ID] = state
	s.logger.Info("Registered job",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Time("next_run", state.nextRun))
	return nil
}

// Unregister removes a job; an in-flight run completes.
func (s *Service) Unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// nextDaily parses "HH:MM" and returns the next occurrence on the local
// clock, today if still ahead of now.
func nextDaily(now time.Time, at string) (time.Time, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad daily time %q: %w", at, err)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// Start launches the tick loop.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()
	s.logger.Info("Scheduler started", zap.Duration("tick", s.cfg.Tick()))
}

// Stop cancels the loop and waits up to a grace window for running jobs.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(stopGrace):
		s.logger.Warn("Scheduler stopped with jobs still running")
	}
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Service) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*jobState, 0)
	for _, state := range s.jobs {
		if state.running || state.nextRun.After(now) {
			continue
		}
		state.running = true
		due = append(due, state)
	}
	s.mu.Unlock()

	for _, state := range due {
		state := state
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, state, now)
		}()
	}
}

func (s *Service) runJob(ctx context.Context, state *jobState, now time.Time) {
	job := state.job
	defer s.settle(state, now)

	if job.LockKey != "" {
		ttl := job.LockTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		token, ok, err := s.locks.TryAcquire(ctx, job.LockKey, ttl)
		if err != nil {
			s.recordError(state, fmt.Errorf("acquire job lock: %w", err))
			return
		}
		if !ok {
			// Another node holds this round; skip without charging an error.
			s.logger.Debug("Job lock held elsewhere, skipping", zap.String("job_id", job.ID))
			return
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			if _, err := s.locks.Release(releaseCtx, job.LockKey, token); err != nil {
				s.logger.Error("Failed to release job lock", zap.String("job_id", job.ID), zap.Error(err))
			}
		}()
	}

	err := s.invoke(ctx, job)
	s.mu.Lock()
	state.runCount++
	s.mu.Unlock()
	if err != nil {
		s.recordError(state, err)
		s.logger.Error("Job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.mu.Lock()
	state.lastError = ""
	s.mu.Unlock()
}

func (s *Service) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job.Fn(ctx)
}

func (s *Service) recordError(state *jobState, err error) {
	s.mu.Lock()
	state.errorCount++
	state.lastError = err.Error()
	s.mu.Unlock()
}

// settle computes the job's next run and clears the running flag. ONCE jobs
// are removed after their single run.
func (s *Service) settle(state *jobState, firedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.running = false
	state.lastRun = firedAt
	job := state.job
	switch job.Type {
	case TypeInterval:
		state.nextRun = time.Now().Add(job.Interval)
	case TypeDaily:
		next, err := nextDaily(time.Now(), job.DailyAt)
		if err == nil {
			state.nextRun = next
		}
	case TypeCron:
		state.nextRun = state.schedule.Next(time.Now())
	case TypeOnce:
		delete(s.jobs, job.ID)
	}
}

// Status snapshots all registered jobs.
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, state := range s.jobs {
		out = append(out, JobStatus{
			ID:         state.job.ID,
			Name:       state.job.Name,
			Type:       string(state.job.Type),
			NextRun:    state.nextRun,
			LastRun:    state.lastRun,
			Running:    state.running,
			RunCount:   state.runCount,
			ErrorCount: state.errorCount,
			LastError:  state.lastError,
		})
	}
	return out
}

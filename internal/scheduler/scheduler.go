package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutorhive/server/internal/clock"
	"github.com/tutorhive/server/internal/distlock"
	"github.com/tutorhive/server/internal/metrics"
	"github.com/tutorhive/server/internal/storage"
)

// Job is one periodic maintenance task. Run receives the database clock
// reading taken after the lock was acquired, so time comparisons are immune
// to worker clock drift.
type Job struct {
	Name     string
	Interval time.Duration
	LockTTL  time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// RetryPolicy shapes the per-job failure backoff: after a failed run the job
// waits InitialBackoff doubling per consecutive failure; MaxFailures
// consecutive failures dead-letter the run (logged and counted) and reset
// the counter.
type RetryPolicy struct {
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	MaxFailures    int
}

// DefaultRetryPolicy returns the standard schedule: 60s doubling, five
// failures before dead-lettering.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 60 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Minute,
		MaxFailures:    5,
	}
}

func (p RetryPolicy) backoff(failures int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < failures; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

type jobState struct {
	inFlight            bool
	consecutiveFailures int
	notBefore           time.Time
}

// Scheduler runs registered jobs on their intervals, one instance at a time
// across the whole deployment. Cross-process exclusion comes from the
// distributed lock; the in-flight guard stops a slow run from overlapping
// its own next tick.
type Scheduler struct {
	locker  distlock.Locker
	store   storage.Store
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
	retry   RetryPolicy

	mu     sync.Mutex
	jobs   []Job
	states map[string]*jobState

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Options configures the scheduler.
type Options struct {
	Locker  distlock.Locker
	Store   storage.Store
	Clock   clock.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Retry   RetryPolicy
}

// New creates an empty scheduler.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Retry.MaxFailures == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	return &Scheduler{
		locker:   opts.Locker,
		store:    opts.Store,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		retry:    opts.Retry,
		states:   make(map[string]*jobState),
		stopChan: make(chan struct{}),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.LockTTL == 0 {
		job.LockTTL = 2 * job.Interval
	}
	s.jobs = append(s.jobs, job)
	s.states[job.Name] = &jobState{}
}

// Job returns a registered job by name, for manual triggering.
func (s *Scheduler) Job(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Name == name {
			return job, true
		}
	}
	return Job{}, false
}

// Start launches one ticker goroutine per registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info().Int("jobs", len(jobs)).Msg("scheduler started")
}

// Stop waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes one tick of the job: in-flight guard, distributed lock,
// database clock read, run, failure bookkeeping. Exported so tests and
// admin endpoints can trigger a job outside the ticker.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	state := s.claim(job.Name)
	if state == nil {
		return
	}
	defer s.release(job.Name)

	lease, err := s.locker.Acquire(ctx, "scheduler:"+job.Name, job.LockTTL)
	if err != nil {
		if errors.Is(err, distlock.ErrNotAcquired) {
			if s.metrics != nil {
				s.metrics.ObserveJobLockMiss(job.Name)
			}
			return
		}
		s.logger.Error().Err(err).Str("job", job.Name).Msg("lock acquisition failed")
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil && !errors.Is(err, distlock.ErrNotHeld) {
			s.logger.Warn().Err(err).Str("job", job.Name).Msg("lock release failed")
		}
	}()

	now, err := s.store.DBNow(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Msg("database clock read failed")
		s.recordFailure(job.Name, err)
		return
	}

	runID := clock.NewJobRunID(job.Name)
	started := time.Now()
	err = job.Run(ctx, now)
	duration := time.Since(started)

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("job", job.Name).
			Str("runID", runID).
			Dur("duration", duration).
			Msg("job run failed")
		if s.metrics != nil {
			s.metrics.ObserveJobRun(job.Name, "failure", duration)
		}
		s.recordFailure(job.Name, err)
		return
	}

	s.mu.Lock()
	s.states[job.Name].consecutiveFailures = 0
	s.states[job.Name].notBefore = time.Time{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveJobRun(job.Name, "success", duration)
	}
	s.logger.Debug().
		Str("job", job.Name).
		Str("runID", runID).
		Dur("duration", duration).
		Msg("job run completed")
}

// claim marks the job in flight. Returns nil when the job is already running
// or still inside its failure backoff window.
func (s *Scheduler) claim(name string) *jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[name]
	if state == nil || state.inFlight {
		return nil
	}
	if !state.notBefore.IsZero() && s.clock.Now().Before(state.notBefore) {
		return nil
	}
	state.inFlight = true
	return state
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name].inFlight = false
}

func (s *Scheduler) recordFailure(name string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[name]
	state.consecutiveFailures++

	if state.consecutiveFailures >= s.retry.MaxFailures {
		s.logger.Error().
			Err(runErr).
			Str("job", name).
			Int("failures", state.consecutiveFailures).
			Msg("job failed repeatedly, dead-lettering run")
		if s.metrics != nil {
			s.metrics.ObserveJobRun(name, "dead", 0)
		}
		state.consecutiveFailures = 0
		state.notBefore = time.Time{}
		return
	}

	state.notBefore = s.clock.Now().Add(s.retry.backoff(state.consecutiveFailures))
}

// ClockSkewJob measures worker clock drift against the database and warns
// once the divergence exceeds warnAt. Below the threshold drift is recorded
// but harmless: jobs compare times against the database clock, never the
// worker's.
func ClockSkewJob(store storage.Store, clk clock.Clock, warnAt time.Duration, logger zerolog.Logger, m *metrics.Metrics) Job {
	return Job{
		Name:     "clock_skew",
		Interval: time.Minute,
		Run: func(ctx context.Context, dbNow time.Time) error {
			skew := clk.Now().Sub(dbNow)
			if skew < 0 {
				skew = -skew
			}
			if m != nil {
				m.ObserveClockSkew(skew)
			}
			if skew > warnAt {
				logger.Warn().
					Dur("skew", skew).
					Dur("threshold", warnAt).
					Msg("worker clock drifting from database clock")
			}
			return nil
		},
	}
}

package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorhive/server/internal/booking"
	"github.com/tutorhive/server/internal/clock"
	"github.com/tutorhive/server/internal/distlock"
	"github.com/tutorhive/server/internal/outbox"
	"github.com/tutorhive/server/internal/storage"
)

func newTestScheduler(clk clock.Clock, store storage.Store, locker distlock.Locker, retry RetryPolicy) *Scheduler {
	return New(Options{
		Locker: locker,
		Store:  store,
		Clock:  clk,
		Logger: zerolog.Nop(),
		Retry:  retry,
	})
}

type fakeOps struct {
	mu      sync.Mutex
	expired []int64
	started []int64
	ended   []int64
	fail    map[int64]error
}

func (f *fakeOps) record(list *[]int64, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[id]; ok {
		return err
	}
	*list = append(*list, id)
	return nil
}

func (f *fakeOps) ExpireRequest(ctx context.Context, id int64) error {
	return f.record(&f.expired, id)
}

func (f *fakeOps) StartSession(ctx context.Context, id int64) error {
	return f.record(&f.started, id)
}

func (f *fakeOps) AutoEndSession(ctx context.Context, id int64) error {
	return f.record(&f.ended, id)
}

func seedBooking(t *testing.T, store *storage.MemoryStore, state booking.SessionState, start, end, created time.Time) booking.Booking {
	t.Helper()
	b, err := store.CreateBooking(context.Background(), booking.Booking{
		Version:        1,
		StudentID:      101,
		TutorID:        202,
		TutorProfileID: 302,
		Start:          start,
		End:            end,
		Timezone:       "UTC",
		SessionState:   state,
		PaymentState:   booking.PaymentPending,
		DisputeState:   booking.DisputeNone,
		AmountCents:    5000,
		Currency:       "USD",
		CreatedAt:      created,
		UpdatedAt:      created,
	})
	require.NoError(t, err)
	return b
}

// Two workers sharing the lock namespace must not run the same job
// concurrently: the second tick sees the lock held and walks away.
func TestDistributedLockExcludesSecondWorker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	locker := distlock.NewMemoryLocker()
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	entered := make(chan struct{}, 2)
	proceed := make(chan struct{})
	job := Job{
		Name:     "sweep",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			entered <- struct{}{}
			<-proceed
			return nil
		},
	}

	worker1 := newTestScheduler(clk, store, locker, RetryPolicy{})
	worker2 := newTestScheduler(clk, store, locker, RetryPolicy{})
	worker1.Register(job)
	worker2.Register(job)

	done := make(chan struct{})
	go func() {
		worker1.RunOnce(ctx, job)
		close(done)
	}()

	// Wait until worker1 holds the lock and is inside the job body.
	<-entered

	// worker2's tick arrives while the lock is held.
	worker2.RunOnce(ctx, job)
	assert.Empty(t, entered, "second worker ran the job body despite the lock")

	close(proceed)
	<-done

	// With the lock released the next tick runs normally.
	go func() { <-entered }()
	worker2.RunOnce(ctx, job)
}

// A tick that arrives while the previous run of the same job is still in
// flight is dropped, not queued.
func TestOverlappingTickIsDropped(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	entered := make(chan struct{}, 2)
	proceed := make(chan struct{})
	job := Job{
		Name:     "slow",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			entered <- struct{}{}
			<-proceed
			return nil
		},
	}

	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), RetryPolicy{})
	s.Register(job)

	done := make(chan struct{})
	go func() {
		s.RunOnce(ctx, job)
		close(done)
	}()
	<-entered

	s.RunOnce(ctx, job)
	assert.Empty(t, entered, "overlapping tick entered the job body")

	close(proceed)
	<-done
}

func TestFailureBackoffDefersNextRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	var runs int
	job := Job{
		Name:     "flaky",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			runs++
			return errors.New("boom")
		},
	}

	retry := RetryPolicy{InitialBackoff: time.Minute, Multiplier: 2, MaxBackoff: time.Hour, MaxFailures: 5}
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), retry)
	s.Register(job)

	s.RunOnce(ctx, job)
	require.Equal(t, 1, runs)

	// Inside the backoff window the tick is skipped.
	s.RunOnce(ctx, job)
	assert.Equal(t, 1, runs)

	clk.Advance(61 * time.Second)
	s.RunOnce(ctx, job)
	assert.Equal(t, 2, runs)

	// Second consecutive failure doubles the wait.
	clk.Advance(61 * time.Second)
	s.RunOnce(ctx, job)
	assert.Equal(t, 2, runs, "tick ran before the doubled backoff elapsed")

	clk.Advance(60 * time.Second)
	s.RunOnce(ctx, job)
	assert.Equal(t, 3, runs)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	var runs int
	var failNext bool
	job := Job{
		Name:     "recovering",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			runs++
			if failNext {
				return errors.New("boom")
			}
			return nil
		},
	}

	retry := RetryPolicy{InitialBackoff: time.Minute, Multiplier: 2, MaxBackoff: time.Hour, MaxFailures: 5}
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), retry)
	s.Register(job)

	failNext = true
	s.RunOnce(ctx, job)
	clk.Advance(61 * time.Second)
	failNext = false
	s.RunOnce(ctx, job)
	require.Equal(t, 2, runs)

	// After a success the next failure starts from the initial backoff
	// again, not the doubled one.
	failNext = true
	s.RunOnce(ctx, job)
	clk.Advance(61 * time.Second)
	s.RunOnce(ctx, job)
	assert.Equal(t, 4, runs)
}

func TestRepeatedFailureDeadLettersAndResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	var runs int
	job := Job{
		Name:     "broken",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			runs++
			return errors.New("boom")
		},
	}

	retry := RetryPolicy{InitialBackoff: time.Minute, Multiplier: 2, MaxBackoff: time.Hour, MaxFailures: 2}
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), retry)
	s.Register(job)

	s.RunOnce(ctx, job)
	clk.Advance(61 * time.Second)
	s.RunOnce(ctx, job)
	require.Equal(t, 2, runs)

	// The second failure hit MaxFailures: the run is dead-lettered and the
	// counter resets, so the next tick runs without waiting out a backoff.
	s.RunOnce(ctx, job)
	assert.Equal(t, 3, runs)
}

// Jobs compare times against the database clock, not the worker's. A worker
// whose clock is far ahead must still hand the job the database's reading.
func TestJobsReceiveDatabaseClock(t *testing.T) {
	ctx := context.Background()
	dbNow := time.Date(2030, 1, 15, 14, 0, 30, 0, time.UTC)
	store := storage.NewMemoryStore()
	store.NowFunc = func() time.Time { return dbNow }

	workerClock := clock.NewFake(dbNow.Add(6 * time.Hour))

	var observed time.Time
	job := Job{
		Name:     "clocked",
		Interval: time.Minute,
		Run: func(ctx context.Context, now time.Time) error {
			observed = now
			return nil
		},
	}

	s := newTestScheduler(workerClock, store, distlock.NewMemoryLocker(), RetryPolicy{})
	s.Register(job)
	s.RunOnce(ctx, job)

	assert.True(t, observed.Equal(dbNow), "job saw %v, want database clock %v", observed, dbNow)
}

func TestRegisterDefaultsLockTTL(t *testing.T) {
	s := newTestScheduler(clock.NewFake(time.Now()), storage.NewMemoryStore(), distlock.NewMemoryLocker(), RetryPolicy{})
	s.Register(Job{Name: "x", Interval: 5 * time.Minute, Run: func(context.Context, time.Time) error { return nil }})

	job, ok := s.Job("x")
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, job.LockTTL)
}

func TestRegisterStandardJobsWiresFullSet(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newTestScheduler(clock.NewFake(time.Now()), store, distlock.NewMemoryLocker(), RetryPolicy{})
	RegisterStandardJobs(s, JobsOptions{
		Store:  store,
		Ops:    &fakeOps{},
		Queue:  outbox.NewMemoryQueue(5),
		Config: DefaultJobsConfig(),
		Logger: zerolog.Nop(),
	})

	for _, name := range []string{
		"expire_requests", "start_sessions", "end_sessions",
		"send_reminders", "expire_packages", "cleanup_webhooks", "clock_skew",
	} {
		_, ok := s.Job(name)
		assert.True(t, ok, "job %s not registered", name)
	}
}

func TestExpireRequestsSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 11, 9, 1, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	stale := seedBooking(t, store, booking.SessionRequested,
		time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 15, 15, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 10, 9, 0, 0, 0, time.UTC))

	// A request still inside its 24h window stays untouched.
	fresh := seedBooking(t, store, booking.SessionRequested,
		time.Date(2030, 1, 16, 14, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 16, 15, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 11, 8, 0, 0, 0, time.UTC))

	ops := &fakeOps{}
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), RetryPolicy{})
	RegisterStandardJobs(s, JobsOptions{
		Store:  store,
		Ops:    ops,
		Queue:  outbox.NewMemoryQueue(5),
		Config: DefaultJobsConfig(),
		Logger: zerolog.Nop(),
	})

	job, ok := s.Job("expire_requests")
	require.True(t, ok)
	s.RunOnce(ctx, job)

	assert.Equal(t, []int64{stale.ID}, ops.expired)
	assert.NotContains(t, ops.expired, fresh.ID)
}

func TestStartAndEndSweeps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 30, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	due := seedBooking(t, store, booking.SessionScheduled,
		time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 15, 15, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 14, 9, 0, 0, 0, time.UTC))

	over := seedBooking(t, store, booking.SessionActive,
		time.Date(2030, 1, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 15, 13, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 14, 9, 0, 0, 0, time.UTC))

	ops := &fakeOps{}
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), RetryPolicy{})
	RegisterStandardJobs(s, JobsOptions{
		Store:  store,
		Ops:    ops,
		Queue:  outbox.NewMemoryQueue(5),
		Config: DefaultJobsConfig(),
		Logger: zerolog.Nop(),
	})

	start, ok := s.Job("start_sessions")
	require.True(t, ok)
	s.RunOnce(ctx, start)
	assert.Equal(t, []int64{due.ID}, ops.started)

	end, ok := s.Job("end_sessions")
	require.True(t, ok)
	s.RunOnce(ctx, end)
	assert.Equal(t, []int64{over.ID}, ops.ended)
}

// An ACTIVE session still inside its end grace window is not a sweep
// candidate. Selecting it would only collect a rejection from the state
// machine and count the tick as failed.
func TestEndSweepWaitsOutGracePeriod(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 15, 1, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	// Ended one minute ago; the 5 minute grace still applies.
	inGrace := seedBooking(t, store, booking.SessionActive,
		time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 15, 15, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 14, 9, 0, 0, 0, time.UTC))

	ops := &fakeOps{}
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), RetryPolicy{})
	RegisterStandardJobs(s, JobsOptions{
		Store:  store,
		Ops:    ops,
		Queue:  outbox.NewMemoryQueue(5),
		Config: DefaultJobsConfig(),
		Logger: zerolog.Nop(),
	})

	job, ok := s.Job("end_sessions")
	require.True(t, ok)
	require.NoError(t, job.Run(ctx, now))
	assert.Empty(t, ops.ended)

	// Once the grace has elapsed the session is swept.
	clk.Advance(4 * time.Minute)
	require.NoError(t, job.Run(ctx, clk.Now()))
	assert.Equal(t, []int64{inGrace.ID}, ops.ended)
}

// Reminder candidates seen on consecutive ticks enqueue at most once: the
// outbox dedupes on the intent's idempotency key.
func TestSendRemindersEnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 13, 30, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	seedBooking(t, store, booking.SessionScheduled,
		time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 15, 15, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 14, 9, 0, 0, 0, time.UTC))

	queue := outbox.NewMemoryQueue(5)
	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), RetryPolicy{})
	RegisterStandardJobs(s, JobsOptions{
		Store:  store,
		Ops:    &fakeOps{},
		Queue:  queue,
		Config: DefaultJobsConfig(),
		Logger: zerolog.Nop(),
	})

	job, ok := s.Job("send_reminders")
	require.True(t, ok)
	s.RunOnce(ctx, job)
	clk.Advance(time.Minute)
	s.RunOnce(ctx, job)

	n, err := queue.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// One refused booking must not block the rest of the sweep; only a batch
// where every item fails counts as a job failure.
func TestForEachBookingContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{fail: map[int64]error{2: errors.New("already cancelled")}}

	err := forEachBooking(ctx, zerolog.Nop(), "sweep", []int64{1, 2, 3}, ops.ExpireRequest)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ops.expired)

	ops2 := &fakeOps{fail: map[int64]error{4: errors.New("x"), 5: errors.New("x")}}
	err = forEachBooking(ctx, zerolog.Nop(), "sweep", []int64{4, 5}, ops2.ExpireRequest)
	assert.Error(t, err)
}

// The skew monitor warns at the configured threshold, not a built-in one.
func TestClockSkewJobWarnsAtConfiguredThreshold(t *testing.T) {
	ctx := context.Background()
	dbNow := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	store.NowFunc = func() time.Time { return dbNow }

	var buf bytes.Buffer
	log := zerolog.New(&buf)

	// Worker runs 3s ahead of the database.
	clk := clock.NewFake(dbNow.Add(3 * time.Second))

	job := ClockSkewJob(store, clk, 2*time.Second, log, nil)
	require.NoError(t, job.Run(ctx, dbNow))
	assert.Contains(t, buf.String(), "worker clock drifting")

	// A looser threshold keeps the same drift quiet.
	buf.Reset()
	job = ClockSkewJob(store, clk, 10*time.Second, log, nil)
	require.NoError(t, job.Run(ctx, dbNow))
	assert.Empty(t, buf.String())
}

func TestExpirePackagesSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2030, 1, 15, 14, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	clk := clock.NewFake(now)
	store.NowFunc = clk.Now

	store.PutPackage(booking.Package{
		ID: 1, StudentID: 101, TutorID: 202,
		RemainingSessions: 3,
		ExpiresAt:         now.Add(-time.Hour),
	})
	store.PutPackage(booking.Package{
		ID: 2, StudentID: 101, TutorID: 202,
		RemainingSessions: 3,
		ExpiresAt:         now.Add(time.Hour),
	})

	s := newTestScheduler(clk, store, distlock.NewMemoryLocker(), RetryPolicy{})
	RegisterStandardJobs(s, JobsOptions{
		Store:  store,
		Ops:    &fakeOps{},
		Queue:  outbox.NewMemoryQueue(5),
		Config: DefaultJobsConfig(),
		Logger: zerolog.Nop(),
	})

	job, ok := s.Job("expire_packages")
	require.True(t, ok)
	s.RunOnce(ctx, job)

	p1, err := store.GetPackage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p1.Expired)
	p2, err := store.GetPackage(ctx, 2)
	require.NoError(t, err)
	assert.False(t, p2.Expired)
}

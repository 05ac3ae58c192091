package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
)

type schedFixture struct {
	store     *memStore
	extractor *fakeExtractor
	settings  *fixedSettings
	bus       *ProgressBus
	scheduler *Scheduler
	cancel    context.CancelFunc
}

func newSchedFixture(t *testing.T, limit int) *schedFixture {
	t.Helper()
	logger := testLogger()
	store := newMemStore()
	extractor := newFakeExtractor()
	settings := newFixedSettings(limit)
	bus := NewProgressBus(logger, 64)
	runner := NewRunner(logger, extractor, bus, settings)
	scheduler := NewScheduler(logger, store, bus, runner, settings)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = scheduler.Run(ctx) }()
	t.Cleanup(cancel)

	waitFor(t, func() bool {
		scheduler.mu.Lock()
		started := scheduler.runCtx != nil
		scheduler.mu.Unlock()
		return started
	}, "scheduler loop never started")

	return &schedFixture{
		store:     store,
		extractor: extractor,
		settings:  settings,
		bus:       bus,
		scheduler: scheduler,
		cancel:    cancel,
	}
}

func (f *schedFixture) seed(t *testing.T, id string, status domain.JobStatus, age time.Duration) domain.Job {
	t.Helper()
	job := domain.Job{
		ID:        domain.JobID(id),
		URL:       "https://example.com/" + id,
		Kind:      domain.MediaKindVideo,
		Quality:   domain.QualityBest,
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	require.NoError(t, f.store.Insert(context.Background(), job))
	return job
}

func (f *schedFixture) status(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	job, err := f.store.Get(context.Background(), domain.JobID(id))
	require.NoError(t, err)
	return job.Status
}

func TestScheduler_ConcurrencyLimit(t *testing.T) {
	f := newSchedFixture(t, 2)
	ctx := context.Background()

	f.seed(t, "a", domain.JobStatusPending, 3*time.Second)
	f.seed(t, "b", domain.JobStatusPending, 2*time.Second)
	f.seed(t, "c", domain.JobStatusPending, 1*time.Second)
	f.scheduler.Admit(ctx)

	f.extractor.waitStarted(t, "a")
	f.extractor.waitStarted(t, "b")

	// Oldest two run, the third waits.
	assert.Equal(t, 2, f.scheduler.RunningCount())
	assert.Equal(t, domain.JobStatusDownloading, f.status(t, "a"))
	assert.Equal(t, domain.JobStatusDownloading, f.status(t, "b"))
	assert.Equal(t, domain.JobStatusPending, f.status(t, "c"))

	// Finishing one admits the waiter.
	f.extractor.finish("a", nil)
	f.extractor.waitStarted(t, "c")
	waitFor(t, func() bool {
		return f.status(t, "a") == domain.JobStatusCompleted
	}, "a never completed")
	assert.Equal(t, domain.JobStatusDownloading, f.status(t, "c"))
}

func TestScheduler_CompletionRecordsResult(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.seed(t, "a", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(context.Background())

	f.extractor.waitStarted(t, "a")
	f.extractor.finish("a", nil)

	waitFor(t, func() bool {
		return f.status(t, "a") == domain.JobStatusCompleted
	}, "a never completed")

	job, err := f.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 100.0, job.Progress)
	require.NotNil(t, job.LocalPath)
	assert.Equal(t, "downloads/a.mp4", *job.LocalPath)
	require.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.ErrorMessage)
	assert.Nil(t, job.Speed)
	assert.Nil(t, job.ETA)
}

func TestScheduler_FailureKeepsProgressAndReason(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.seed(t, "a", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(context.Background())

	f.extractor.waitStarted(t, "a")

	// Some progress lands before the failure.
	f.bus.Publish(Event{JobID: "a", Kind: EventDownloading, Tick: ports.ProgressTick{Percent: 40, Speed: "1MiB/s", ETA: "00:30"}})
	waitFor(t, func() bool {
		job, _ := f.store.Get(context.Background(), "a")
		return job.Progress == 40
	}, "progress never applied")

	f.extractor.finish("a", errors.New("connection reset by peer"))

	waitFor(t, func() bool {
		return f.status(t, "a") == domain.JobStatusFailed
	}, "a never failed")

	job, err := f.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 40.0, job.Progress)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, domain.ReasonNetwork, *job.FailureReason)
	require.NotNil(t, job.ErrorMessage)
	assert.Nil(t, job.LocalPath)
	assert.Nil(t, job.Speed, "transient fields cleared on failure")
}

func TestScheduler_ProgressIsMonotonic(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.seed(t, "a", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(context.Background())
	f.extractor.waitStarted(t, "a")

	f.bus.Publish(Event{JobID: "a", Kind: EventDownloading, Tick: ports.ProgressTick{Percent: 60}})
	waitFor(t, func() bool {
		job, _ := f.store.Get(context.Background(), "a")
		return job.Progress == 60
	}, "first tick never applied")

	// A multi-stream engine restarting its native percent must not
	// regress the displayed progress.
	f.bus.Publish(Event{JobID: "a", Kind: EventDownloading, Tick: ports.ProgressTick{Percent: 10, Speed: "2MiB/s"}})
	waitFor(t, func() bool {
		job, _ := f.store.Get(context.Background(), "a")
		return job.Speed != nil && *job.Speed == "2MiB/s"
	}, "second tick never applied")

	job, err := f.store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 60.0, job.Progress)
}

func TestScheduler_PauseInFlightFreesSlot(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "a", domain.JobStatusPending, 2*time.Second)
	f.seed(t, "b", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "a")

	require.NoError(t, f.scheduler.Pause(ctx, "a"))

	waitFor(t, func() bool {
		return f.status(t, "a") == domain.JobStatusPaused
	}, "a never paused")
	// The freed slot admits the next pending job.
	f.extractor.waitStarted(t, "b")
	assert.Equal(t, domain.JobStatusDownloading, f.status(t, "b"))
}

func TestScheduler_PausePendingAndTerminal(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "run", domain.JobStatusPending, 3*time.Second)
	f.seed(t, "wait", domain.JobStatusPending, 2*time.Second)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "run")

	// Pausing a queued job parks it without touching the runner.
	require.NoError(t, f.scheduler.Pause(ctx, "wait"))
	assert.Equal(t, domain.JobStatusPaused, f.status(t, "wait"))

	// Pausing an already paused job is a no-op.
	require.NoError(t, f.scheduler.Pause(ctx, "wait"))

	f.seed(t, "done", domain.JobStatusCompleted, time.Second)
	err := f.scheduler.Pause(ctx, "done")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = f.scheduler.Pause(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestScheduler_ResumeAfterPause(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "a", domain.JobStatusPaused, time.Second)
	require.NoError(t, f.scheduler.Resume(ctx, "a"))

	f.extractor.waitStarted(t, "a")
	assert.Equal(t, domain.JobStatusDownloading, f.status(t, "a"))
}

func TestScheduler_RetryResetsFailedJob(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	msg := "no such host"
	reason := domain.ReasonNetwork
	job := domain.Job{
		ID:            "a",
		URL:           "https://example.com/a",
		Kind:          domain.MediaKindVideo,
		Quality:       domain.QualityBest,
		Status:        domain.JobStatusFailed,
		Progress:      40,
		ErrorMessage:  &msg,
		FailureReason: &reason,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.store.Insert(ctx, job))

	require.NoError(t, f.scheduler.Retry(ctx, "a"))

	f.extractor.waitStarted(t, "a")
	got, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDownloading, got.Status)
	assert.Equal(t, 0.0, got.Progress)
	assert.Nil(t, got.ErrorMessage)
	assert.Nil(t, got.FailureReason)
}

func TestScheduler_RetryRequiresFailed(t *testing.T) {
	f := newSchedFixture(t, 1)
	f.seed(t, "a", domain.JobStatusCompleted, time.Second)

	err := f.scheduler.Retry(context.Background(), "a")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestScheduler_CancelDeletesRecord(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "a", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "a")

	require.NoError(t, f.scheduler.Cancel(ctx, "a"))

	waitFor(t, func() bool {
		_, err := f.store.Get(ctx, "a")
		return errors.Is(err, domain.ErrJobNotFound)
	}, "cancelled job record still present")

	// Cancelling an unknown id reports not found.
	err := f.scheduler.Cancel(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestScheduler_CancelPendingJob(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "run", domain.JobStatusPending, 2*time.Second)
	f.seed(t, "wait", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "run")

	require.NoError(t, f.scheduler.Cancel(ctx, "wait"))
	_, err := f.store.Get(ctx, "wait")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestScheduler_RequeuesOrphansOnStartup(t *testing.T) {
	logger := testLogger()
	store := newMemStore()
	extractor := newFakeExtractor()
	settings := newFixedSettings(1)
	bus := NewProgressBus(logger, 64)
	runner := NewRunner(logger, extractor, bus, settings)
	scheduler := NewScheduler(logger, store, bus, runner, settings)

	// A record left DOWNLOADING by a dead process.
	speed := "1MiB/s"
	require.NoError(t, store.Insert(context.Background(), domain.Job{
		ID:        "orphan",
		URL:       "https://example.com/orphan",
		Kind:      domain.MediaKindVideo,
		Quality:   domain.QualityBest,
		Status:    domain.JobStatusDownloading,
		Speed:     &speed,
		CreatedAt: time.Now().UTC(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scheduler.Run(ctx) }()

	// Requeued and immediately re-admitted.
	extractor.waitStarted(t, "orphan")
	job, err := store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDownloading, job.Status)
	assert.Nil(t, job.Speed, "stale transient fields cleared on requeue")
}

func TestScheduler_InvalidLimitIsFatal(t *testing.T) {
	logger := testLogger()
	store := newMemStore()
	extractor := newFakeExtractor()
	settings := newFixedSettings(9)
	bus := NewProgressBus(logger, 64)
	runner := NewRunner(logger, extractor, bus, settings)
	scheduler := NewScheduler(logger, store, bus, runner, settings)

	err := scheduler.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency limit")
}

func TestScheduler_LimitChangeAppliesToNextAdmission(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "a", domain.JobStatusPending, 2*time.Second)
	f.seed(t, "b", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "a")
	assert.Equal(t, 1, f.scheduler.RunningCount())

	f.settings.SetLimit(2)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "b")
	assert.Equal(t, 2, f.scheduler.RunningCount())
}

func TestScheduler_PersistRetriesThenFails(t *testing.T) {
	f := newSchedFixture(t, 1)
	ctx := context.Background()

	f.seed(t, "a", domain.JobStatusPending, time.Second)
	f.scheduler.Admit(ctx)
	f.extractor.waitStarted(t, "a")

	// Every write fails until the retry budget is spent; the final
	// marker write is allowed through.
	f.store.updateErr = errors.New("disk I/O error")
	f.store.failUpdates = maxPersistAttempts

	f.bus.Publish(Event{JobID: "a", Kind: EventDownloading, Tick: ports.ProgressTick{Percent: 10}})
	f.bus.Publish(Event{JobID: "a", Kind: EventDownloading, Tick: ports.ProgressTick{Percent: 20}})
	f.bus.Publish(Event{JobID: "a", Kind: EventDownloading, Tick: ports.ProgressTick{Percent: 30}})

	waitFor(t, func() bool {
		return f.status(t, "a") == domain.JobStatusFailed
	}, "job never marked failed after persistence retries")

	job, err := f.store.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, domain.ReasonInternal, *job.FailureReason)
}

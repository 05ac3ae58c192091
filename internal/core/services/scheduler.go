package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 5

	// How many consecutive store write failures a job tolerates before
	// it is marked FAILED with an internal reason.
	maxPersistAttempts = 3
)

type runningJob struct {
	handle   *RunnerHandle
	progress float64 // last persisted percent, enforces monotonicity
}

type dirtyWrite struct {
	patch    domain.JobPatch
	attempts int
}

// Scheduler owns the bounded pool of in-flight jobs. All mutations of
// the running set and every admission decision happen under one mutex;
// job record writes happen outside it but are sequenced per job because
// only the one transition handling a job ever writes its record.
type Scheduler struct {
	logger   *slog.Logger
	store    ports.JobStore
	bus      *ProgressBus
	runner   *Runner
	settings ports.Settings

	mu      sync.Mutex
	running map[domain.JobID]*runningJob
	runCtx  context.Context

	dirtyMu sync.Mutex
	dirty   map[domain.JobID]dirtyWrite
}

func NewScheduler(logger *slog.Logger, store ports.JobStore, bus *ProgressBus, runner *Runner, settings ports.Settings) *Scheduler {
	return &Scheduler{
		logger:   logger,
		store:    store,
		bus:      bus,
		runner:   runner,
		settings: settings,
		running:  make(map[domain.JobID]*runningJob),
		dirty:    make(map[domain.JobID]dirtyWrite),
	}
}

// Run drives the scheduler until ctx is cancelled: it re-queues jobs
// left DOWNLOADING by a previous process, admits pending work, then
// applies every bus event to the store. An out-of-range concurrency
// limit is the one fatal startup condition.
func (s *Scheduler) Run(ctx context.Context) error {
	if limit := s.settings.ConcurrencyLimit(); limit < MinConcurrency || limit > MaxConcurrency {
		return fmt.Errorf("concurrency limit %d outside [%d,%d]", limit, MinConcurrency, MaxConcurrency)
	}

	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	if err := s.requeueOrphans(ctx); err != nil {
		s.logger.Warn("failed to requeue orphaned jobs", "error", err)
	}
	s.Admit(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.bus.Events():
			if !ok {
				return nil
			}
			s.apply(ctx, ev)
		}
	}
}

// requeueOrphans returns jobs stuck in DOWNLOADING from a previous
// process to PENDING. No runner exists for them anymore; the byte-range
// resume itself is the extraction engine's problem.
func (s *Scheduler) requeueOrphans(ctx context.Context) error {
	orphans, err := s.store.ListByStatus(ctx, domain.JobStatusDownloading)
	if err != nil {
		return err
	}
	pending := domain.JobStatusPending
	for _, job := range orphans {
		err := s.store.UpdateFields(ctx, job.ID, domain.JobPatch{Status: &pending, ClearTransient: true})
		if err != nil {
			return err
		}
		s.logger.Info("requeued orphaned job", "job_id", job.ID)
	}
	return nil
}

// Admit promotes PENDING jobs, FIFO by creation time, until the running
// set reaches the concurrency limit. The limit is re-read on every call
// so settings changes apply to the next admission, not retroactively.
func (s *Scheduler) Admit(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runCtx == nil {
		// Not started yet; jobs stay PENDING until Run.
		return
	}

	limit := s.settings.ConcurrencyLimit()
	if limit < MinConcurrency {
		limit = MinConcurrency
	}
	if limit > MaxConcurrency {
		limit = MaxConcurrency
	}

	for len(s.running) < limit {
		pending, err := s.store.ListByStatus(ctx, domain.JobStatusPending)
		if err != nil {
			s.logger.Error("admission scan failed", "error", err)
			return
		}

		var next *domain.Job
		for i := range pending {
			if _, ok := s.running[pending[i].ID]; !ok {
				next = &pending[i]
				break
			}
		}
		if next == nil {
			return
		}

		downloading := domain.JobStatusDownloading
		if err := s.store.UpdateFields(ctx, next.ID, domain.JobPatch{Status: &downloading}); err != nil {
			s.logger.Error("failed to mark job downloading", "job_id", next.ID, "error", err)
			return
		}
		next.Status = downloading

		handle := s.runner.Start(s.runCtx, *next)
		s.running[next.ID] = &runningJob{handle: handle, progress: next.Progress}
		s.logger.Info("job admitted", "job_id", next.ID, "running", len(s.running), "limit", limit)
	}
}

// apply projects one bus event into job record mutations.
func (s *Scheduler) apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventDownloading:
		s.applyProgress(ctx, ev)

	case EventCompleted:
		s.release(ev.JobID)
		now := time.Now().UTC()
		full := 100.0
		completed := domain.JobStatusCompleted
		s.persist(ctx, ev.JobID, domain.JobPatch{
			Status:         &completed,
			Progress:       &full,
			LocalPath:      &ev.Result.LocalPath,
			CompletedAt:    &now,
			ClearError:     true,
			ClearTransient: true,
		})
		s.logger.Info("job completed", "job_id", ev.JobID, "path", ev.Result.LocalPath)
		s.Admit(ctx)

	case EventFailed:
		s.release(ev.JobID)
		failed := domain.JobStatusFailed
		reason := ev.Reason
		msg := ev.Message
		s.persist(ctx, ev.JobID, domain.JobPatch{
			Status:         &failed,
			ErrorMessage:   &msg,
			FailureReason:  &reason,
			ClearResult:    true,
			ClearTransient: true,
		})
		s.logger.Warn("job failed", "job_id", ev.JobID, "reason", reason)
		s.Admit(ctx)

	case EventCancelled:
		intent := s.releaseIntent(ev.JobID)
		if intent == StopIntentPause {
			paused := domain.JobStatusPaused
			s.persist(ctx, ev.JobID, domain.JobPatch{Status: &paused, ClearTransient: true})
			s.logger.Info("job paused", "job_id", ev.JobID)
		} else {
			// Cancel removes the record entirely.
			if err := s.store.Delete(ctx, ev.JobID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
				s.logger.Error("failed to delete cancelled job", "job_id", ev.JobID, "error", err)
			}
			s.logger.Info("job cancelled", "job_id", ev.JobID)
		}
		s.Admit(ctx)
	}
}

func (s *Scheduler) applyProgress(ctx context.Context, ev Event) {
	s.mu.Lock()
	rj, ok := s.running[ev.JobID]
	percent := ev.Tick.Percent
	if ok {
		// Progress never regresses while DOWNLOADING; multi-stream
		// engines restart their native percent per stream.
		if percent < rj.progress {
			percent = rj.progress
		}
		rj.progress = percent
	}
	s.mu.Unlock()
	if !ok {
		// Terminal transition already applied; tick arrived late.
		return
	}

	speed := ev.Tick.Speed
	eta := ev.Tick.ETA
	downloaded := ev.Tick.DownloadedBytes
	patch := domain.JobPatch{
		Progress:        &percent,
		Speed:           &speed,
		ETA:             &eta,
		DownloadedBytes: &downloaded,
	}
	if ev.Tick.TotalBytes > 0 {
		total := ev.Tick.TotalBytes
		patch.TotalBytes = &total
	}
	s.persist(ctx, ev.JobID, patch)
}

// release drops the job from the running set.
func (s *Scheduler) release(id domain.JobID) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// releaseIntent drops the job from the running set and returns the
// intent recorded on its stop handle.
func (s *Scheduler) releaseIntent(id domain.JobID) StopIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.running[id]
	delete(s.running, id)
	if !ok {
		return StopIntentCancel
	}
	return rj.handle.Intent()
}

// persist writes a patch, folding in any patch that failed on a prior
// transition for the same job. A failed write never silently drops a
// state change: it is retried on the next transition, and once retries
// are exhausted the job is marked FAILED with an internal reason.
func (s *Scheduler) persist(ctx context.Context, id domain.JobID, patch domain.JobPatch) {
	s.dirtyMu.Lock()
	attempts := 0
	if d, ok := s.dirty[id]; ok {
		patch = d.patch.Merge(patch)
		attempts = d.attempts
		delete(s.dirty, id)
	}
	s.dirtyMu.Unlock()

	err := s.store.UpdateFields(ctx, id, patch)
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		// Record was cancelled away underneath us; nothing to retry.
		return
	}

	attempts++
	s.logger.Error("job store write failed", "job_id", id, "attempt", attempts, "error", err)
	if attempts >= maxPersistAttempts {
		failed := domain.JobStatusFailed
		reason := domain.ReasonInternal
		msg := "persistence failure: " + err.Error()
		if ferr := s.store.UpdateFields(ctx, id, domain.JobPatch{
			Status:        &failed,
			ErrorMessage:  &msg,
			FailureReason: &reason,
		}); ferr != nil {
			s.logger.Error("failed to mark job failed after persistence retries", "job_id", id, "error", ferr)
		}
		return
	}

	s.dirtyMu.Lock()
	s.dirty[id] = dirtyWrite{patch: patch, attempts: attempts}
	s.dirtyMu.Unlock()
}

// Pause stops a DOWNLOADING job cooperatively (the Cancelled event it
// produces is interpreted as a pause) or parks a PENDING job directly.
func (s *Scheduler) Pause(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	rj, inFlight := s.running[id]
	s.mu.Unlock()
	if inFlight {
		rj.handle.Stop(StopIntentPause)
		return nil
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case domain.JobStatusPending:
		paused := domain.JobStatusPaused
		return s.store.UpdateFields(ctx, id, domain.JobPatch{Status: &paused})
	case domain.JobStatusPaused:
		return nil
	default:
		return fmt.Errorf("pause %s job: %w", job.Status, domain.ErrInvalidTransition)
	}
}

// Resume returns a PAUSED or FAILED job to PENDING. For FAILED jobs the
// error and progress are reset first.
func (s *Scheduler) Resume(ctx context.Context, id domain.JobID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	pending := domain.JobStatusPending
	switch job.Status {
	case domain.JobStatusPaused:
		if err := s.store.UpdateFields(ctx, id, domain.JobPatch{Status: &pending}); err != nil {
			return err
		}
	case domain.JobStatusFailed:
		zero := 0.0
		zeroBytes := int64(0)
		err := s.store.UpdateFields(ctx, id, domain.JobPatch{
			Status:          &pending,
			Progress:        &zero,
			DownloadedBytes: &zeroBytes,
			ClearError:      true,
			ClearTransient:  true,
		})
		if err != nil {
			return err
		}
	case domain.JobStatusPending, domain.JobStatusDownloading:
		return nil
	default:
		return fmt.Errorf("resume %s job: %w", job.Status, domain.ErrInvalidTransition)
	}
	s.Admit(ctx)
	return nil
}

// Retry is resume restricted to FAILED jobs.
func (s *Scheduler) Retry(ctx context.Context, id domain.JobID) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusFailed {
		return fmt.Errorf("retry %s job: %w", job.Status, domain.ErrInvalidTransition)
	}
	return s.Resume(ctx, id)
}

// Cancel stops a DOWNLOADING job (its record is deleted once the
// Cancelled event lands) or deletes the record directly.
func (s *Scheduler) Cancel(ctx context.Context, id domain.JobID) error {
	s.mu.Lock()
	rj, inFlight := s.running[id]
	s.mu.Unlock()
	if inFlight {
		rj.handle.Stop(StopIntentCancel)
		return nil
	}

	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// RunningCount reports the size of the running set.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

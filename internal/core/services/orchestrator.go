package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Orchestrator is the public surface of the download engine. It
// validates inputs, owns job creation, and delegates lifecycle
// transitions to the scheduler. No other component creates job records.
type Orchestrator struct {
	logger    *slog.Logger
	store     *WatchedStore
	extractor ports.Extractor
	scheduler *Scheduler
	settings  ports.Settings
	fs        afero.Fs
}

func NewOrchestrator(
	logger *slog.Logger,
	store *WatchedStore,
	extractor ports.Extractor,
	scheduler *Scheduler,
	settings ports.Settings,
	fs afero.Fs,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		store:     store,
		extractor: extractor,
		scheduler: scheduler,
		settings:  settings,
		fs:        fs,
	}
}

// EnqueueRequest is one enqueue call. Kind and Quality fall back to the
// configured defaults when empty.
type EnqueueRequest struct {
	URL     string `json:"url"`
	Kind    string `json:"kind,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// Enqueue validates the URL, expands playlists into one job per entry,
// persists every job as PENDING and kicks admission. Nothing is
// persisted when validation fails.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) ([]domain.JobID, error) {
	kind := o.settings.DefaultKind()
	if req.Kind != "" {
		k, err := domain.ParseMediaKind(req.Kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	quality := o.settings.DefaultQuality()
	if req.Quality != "" {
		q, err := domain.ParseQuality(req.Quality)
		if err != nil {
			return nil, err
		}
		quality = q
	}

	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	info, err := o.extractor.Inspect(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	jobs := o.buildJobs(req.URL, kind, quality, info)
	ids := make([]domain.JobID, 0, len(jobs))
	for _, job := range jobs {
		if err := o.store.Insert(ctx, job); err != nil {
			return ids, fmt.Errorf("persist job: %w", err)
		}
		ids = append(ids, job.ID)
		o.logger.Info("job enqueued", "job_id", job.ID, "url", job.URL, "kind", job.Kind, "quality", job.Quality)
	}

	o.scheduler.Admit(ctx)
	return ids, nil
}

func (o *Orchestrator) buildJobs(rawURL string, kind domain.MediaKind, quality domain.Quality, info domain.MediaInfo) []domain.Job {
	now := time.Now().UTC()
	newJob := func(u string) domain.Job {
		return domain.Job{
			ID:        domain.JobID(uuid.NewString()),
			URL:       u,
			Kind:      kind,
			Quality:   quality,
			Status:    domain.JobStatusPending,
			CreatedAt: now,
		}
	}

	if !info.IsPlaylist || len(info.Entries) == 0 {
		return []domain.Job{newJob(rawURL)}
	}

	total := len(info.Entries)
	jobs := make([]domain.Job, 0, total)
	for i, entry := range info.Entries {
		job := newJob(entry.URL)
		idx := i + 1
		count := total
		job.PlaylistIndex = &idx
		job.PlaylistCount = &count
		jobs = append(jobs, job)
	}
	return jobs
}

// Inspect returns metadata for a URL without downloading.
func (o *Orchestrator) Inspect(ctx context.Context, rawURL string) (domain.MediaInfo, error) {
	if err := validateURL(rawURL); err != nil {
		return domain.MediaInfo{}, err
	}
	return o.extractor.Inspect(ctx, rawURL)
}

func (o *Orchestrator) Pause(ctx context.Context, id domain.JobID) error {
	return o.scheduler.Pause(ctx, id)
}

func (o *Orchestrator) Resume(ctx context.Context, id domain.JobID) error {
	return o.scheduler.Resume(ctx, id)
}

func (o *Orchestrator) Cancel(ctx context.Context, id domain.JobID) error {
	return o.scheduler.Cancel(ctx, id)
}

func (o *Orchestrator) Retry(ctx context.Context, id domain.JobID) error {
	return o.scheduler.Retry(ctx, id)
}

// Remove deletes a terminal job's record. When deleteArtifact is set
// the downloaded file goes with it.
func (o *Orchestrator) Remove(ctx context.Context, id domain.JobID, deleteArtifact bool) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("remove %s job: %w", job.Status, domain.ErrNotTerminal)
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	if deleteArtifact && job.LocalPath != nil {
		if err := o.fs.Remove(*job.LocalPath); err != nil {
			o.logger.Warn("failed to remove artifact", "job_id", id, "path", *job.LocalPath, "error", err)
		}
	}
	return nil
}

// ClearCompleted removes every COMPLETED job record, optionally with
// the downloaded files. Returns the number of records removed.
func (o *Orchestrator) ClearCompleted(ctx context.Context, deleteArtifacts bool) (int, error) {
	if deleteArtifacts {
		completed, err := o.store.ListByStatus(ctx, domain.JobStatusCompleted)
		if err != nil {
			return 0, err
		}
		for _, job := range completed {
			if job.LocalPath == nil {
				continue
			}
			if err := o.fs.Remove(*job.LocalPath); err != nil {
				o.logger.Warn("failed to remove artifact", "job_id", job.ID, "path", *job.LocalPath, "error", err)
			}
		}
	}
	return o.store.DeleteByStatus(ctx, domain.JobStatusCompleted)
}

func (o *Orchestrator) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]domain.Job, error) {
	return o.store.List(ctx)
}

func (o *Orchestrator) ListActive(ctx context.Context) ([]domain.Job, error) {
	return o.store.ListByStatus(ctx,
		domain.JobStatusPending, domain.JobStatusDownloading, domain.JobStatusPaused)
}

// ObserveAll streams every job change until cancel is called.
func (o *Orchestrator) ObserveAll() (<-chan JobChange, func()) {
	return o.store.Subscribe()
}

// ObserveActive streams changes for jobs in PENDING, DOWNLOADING or
// PAUSED, plus deletions so consumers can drop vanished entries.
func (o *Orchestrator) ObserveActive() (<-chan JobChange, func()) {
	in, cancelIn := o.store.Subscribe()
	out := make(chan JobChange, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				if c.Op != ChangeDelete && !c.Job.Status.Active() {
					continue
				}
				select {
				case out <- c:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelIn()
			close(done)
		})
	}
	return out, cancel
}

// validateURL is the synchronous syntax gate; extractor support is
// checked by Inspect afterwards.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidURL, raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", domain.ErrInvalidURL, raw)
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
)

type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// JobChange is a store change notification carrying the post-write
// snapshot (for deletes, only the id survives).
type JobChange struct {
	Op  ChangeOp   `json:"op"`
	Job domain.Job `json:"job"`
}

// WatchedStore decorates a JobStore so observers (the HTTP event stream,
// notification layers) can react to every committed write. It is the
// store the rest of the engine is wired against.
type WatchedStore struct {
	ports.JobStore
	logger *slog.Logger

	mu   sync.RWMutex
	subs []chan JobChange
}

func NewWatchedStore(logger *slog.Logger, inner ports.JobStore) *WatchedStore {
	return &WatchedStore{JobStore: inner, logger: logger}
}

// Subscribe returns a channel of change notifications and the function
// that cancels the subscription. Slow subscribers lose intermediate
// notifications rather than blocking writers; the store itself remains
// the source of truth to re-read from.
func (w *WatchedStore) Subscribe() (<-chan JobChange, func()) {
	ch := make(chan JobChange, 64)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, sub := range w.subs {
			if sub == ch {
				close(ch)
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

func (w *WatchedStore) publish(c JobChange) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.subs {
		select {
		case ch <- c:
		default:
			w.logger.Debug("job change subscriber full, dropping", "job_id", c.Job.ID)
		}
	}
}

func (w *WatchedStore) Insert(ctx context.Context, job domain.Job) error {
	if err := w.JobStore.Insert(ctx, job); err != nil {
		return err
	}
	w.publish(JobChange{Op: ChangeInsert, Job: job})
	return nil
}

func (w *WatchedStore) UpdateFields(ctx context.Context, id domain.JobID, patch domain.JobPatch) error {
	if err := w.JobStore.UpdateFields(ctx, id, patch); err != nil {
		return err
	}
	job, err := w.JobStore.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("failed to read back updated job", "job_id", id, "error", err)
		}
		return nil
	}
	w.publish(JobChange{Op: ChangeUpdate, Job: job})
	return nil
}

func (w *WatchedStore) Delete(ctx context.Context, id domain.JobID) error {
	if err := w.JobStore.Delete(ctx, id); err != nil {
		return err
	}
	w.publish(JobChange{Op: ChangeDelete, Job: domain.Job{ID: id}})
	return nil
}

func (w *WatchedStore) DeleteByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	victims, err := w.JobStore.ListByStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	n, err := w.JobStore.DeleteByStatus(ctx, status)
	if err != nil {
		return n, err
	}
	for _, job := range victims {
		w.publish(JobChange{Op: ChangeDelete, Job: domain.Job{ID: job.ID}})
	}
	return n, nil
}

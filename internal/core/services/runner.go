package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
)

// StopIntent tags why a running job is being stopped. The tag travels
// with the handle so the scheduler can tell a pause apart from a cancel
// when the Cancelled event arrives, instead of relying on request
// bookkeeping alone.
type StopIntent int

const (
	StopIntentNone StopIntent = iota
	StopIntentPause
	StopIntentCancel
)

// RunnerHandle controls one in-flight job.
type RunnerHandle struct {
	mu     sync.Mutex
	intent StopIntent
	cancel context.CancelFunc
}

// Stop records the intent and cancels the runner's context. The first
// intent wins; a concurrent pause and cancel resolve to whichever got
// here first.
func (h *RunnerHandle) Stop(intent StopIntent) {
	h.mu.Lock()
	if h.intent == StopIntentNone {
		h.intent = intent
	}
	h.mu.Unlock()
	h.cancel()
}

// Intent returns the recorded stop intent, StopIntentNone if the job
// was never asked to stop.
func (h *RunnerHandle) Intent() StopIntent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.intent
}

// Runner executes exactly one job per Start call: it invokes the
// extraction capability, relays its native progress callbacks onto the
// progress bus as typed events, and guarantees exactly one terminal
// event per job with nothing emitted after it.
type Runner struct {
	logger    *slog.Logger
	extractor ports.Extractor
	bus       *ProgressBus
	settings  ports.Settings
}

func NewRunner(logger *slog.Logger, extractor ports.Extractor, bus *ProgressBus, settings ports.Settings) *Runner {
	return &Runner{
		logger:    logger,
		extractor: extractor,
		bus:       bus,
		settings:  settings,
	}
}

// Start launches the job off the caller's goroutine and returns its
// cancellation handle immediately.
func (r *Runner) Start(parent context.Context, job domain.Job) *RunnerHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &RunnerHandle{cancel: cancel}
	go r.run(ctx, job)
	return h
}

func (r *Runner) run(ctx context.Context, job domain.Job) {
	var done sync.Once
	terminal := func(e Event) {
		done.Do(func() { r.bus.Publish(e) })
	}

	req := ports.DownloadRequest{
		JobID:     job.ID,
		URL:       job.URL,
		Kind:      job.Kind,
		Quality:   job.Quality,
		TargetDir: r.settings.DownloadDir(),
	}

	res, err := r.extractor.Download(ctx, req, func(tick ports.ProgressTick) {
		// Cancellation checkpoint at every emission point.
		if ctx.Err() != nil {
			return
		}
		r.bus.Publish(Event{JobID: job.ID, Kind: EventDownloading, Tick: tick})
	})

	switch {
	case ctx.Err() != nil:
		terminal(Event{JobID: job.ID, Kind: EventCancelled})
	case err != nil:
		reason, msg := ClassifyFailure(err)
		r.logger.Warn("download failed", "job_id", job.ID, "reason", reason, "error", err)
		terminal(Event{JobID: job.ID, Kind: EventFailed, Reason: reason, Message: msg})
	default:
		terminal(Event{JobID: job.ID, Kind: EventCompleted, Result: res})
	}
}

// ClassifyFailure maps a capability error into the failure taxonomy.
// Adapters that know better return a domain.CapabilityError; everything
// else falls back to message inspection.
func ClassifyFailure(err error) (domain.FailureReason, string) {
	var ce *domain.CapabilityError
	if errors.As(err, &ce) {
		return ce.Reason, ce.Message
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no space left"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "read-only file system"):
		return domain.ReasonStorage, msg
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "tls"),
		strings.Contains(lower, "temporary failure"):
		return domain.ReasonNetwork, msg
	default:
		return domain.ReasonCapability, msg
	}
}

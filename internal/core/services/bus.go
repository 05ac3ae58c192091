package services

import (
	"log/slog"
	"sync"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
)

type EventKind string

const (
	EventDownloading EventKind = "downloading"
	EventCompleted   EventKind = "completed"
	EventFailed      EventKind = "failed"
	EventCancelled   EventKind = "cancelled"
)

// Event is one progress or terminal message emitted by a runner.
// Exactly one payload is meaningful for a given kind.
type Event struct {
	JobID   domain.JobID
	Kind    EventKind
	Tick    ports.ProgressTick   // EventDownloading
	Result  ports.DownloadResult // EventCompleted
	Reason  domain.FailureReason // EventFailed
	Message string               // EventFailed
}

// Terminal reports whether the event ends the job's run.
func (e Event) Terminal() bool {
	return e.Kind != EventDownloading
}

// ProgressBus is the fan-in channel between runners and the scheduler.
// Downloading ticks are droppable when the buffer is full (the next
// tick supersedes them); terminal events are never dropped, they block
// until the scheduler drains the buffer.
type ProgressBus struct {
	logger *slog.Logger
	events chan Event

	mu     sync.Mutex
	closed bool
}

func NewProgressBus(logger *slog.Logger, buffer int) *ProgressBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &ProgressBus{
		logger: logger,
		events: make(chan Event, buffer),
	}
}

// Publish places an event on the bus. Callers must not publish after
// Close; the runner's terminal-once guard ensures that.
func (b *ProgressBus) Publish(e Event) {
	if e.Terminal() {
		b.events <- e
		return
	}
	select {
	case b.events <- e:
	default:
		// Progress is superseded by the next tick anyway.
		b.logger.Debug("progress bus full, dropping tick", "job_id", e.JobID)
	}
}

// Events is the consumer side, drained by the scheduler's event loop.
func (b *ProgressBus) Events() <-chan Event {
	return b.events
}

// Close stops the bus. Only call once all runners have emitted their
// terminal event.
func (b *ProgressBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}

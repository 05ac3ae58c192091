package ports

import (
	"context"

	"github.com/fetchd/fetchd/internal/core/domain"
)

// Extractor abstracts the external extraction/download capability
// (yt-dlp or compatible). The core never parses site protocols itself;
// it only invokes this port and interprets its structured results.
type Extractor interface {
	// Inspect returns metadata for a URL without downloading.
	// It is also the URL validation step: an unsupported or malformed
	// URL yields an error wrapping domain.ErrInvalidURL.
	Inspect(ctx context.Context, url string) (domain.MediaInfo, error)

	// Download performs the transfer, invoking progress for each
	// native tick. It blocks until the transfer finishes, fails, or
	// ctx is cancelled. A non-cooperative backend degrades to
	// cancellation at the next progress tick, never worse.
	Download(ctx context.Context, req DownloadRequest, progress ProgressFunc) (DownloadResult, error)
}

// DownloadRequest carries everything the capability needs for one job.
type DownloadRequest struct {
	JobID     domain.JobID
	URL       string
	Kind      domain.MediaKind
	Quality   domain.Quality
	TargetDir string
}

// ProgressTick is one native progress callback, already normalized.
type ProgressTick struct {
	Percent         float64
	Speed           string
	ETA             string
	DownloadedBytes int64
	TotalBytes      int64 // 0 when unknown
}

type ProgressFunc func(ProgressTick)

// DownloadResult is the success record of a finished transfer.
type DownloadResult struct {
	LocalPath string
	Title     string
}

// JobStore is the durable source of truth for job records. All methods
// are safe for concurrent use; per-job write sequencing is the caller's
// responsibility (single-writer rule enforced by the scheduler).
type JobStore interface {
	Insert(ctx context.Context, job domain.Job) error
	UpdateFields(ctx context.Context, id domain.JobID, patch domain.JobPatch) error
	Get(ctx context.Context, id domain.JobID) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	// ListByStatus returns jobs in any of the given statuses, ordered
	// FIFO by creation time with id as tiebreak.
	ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error)
	Delete(ctx context.Context, id domain.JobID) error
	DeleteByStatus(ctx context.Context, status domain.JobStatus) (int, error)

	// Settings keyspace, used by the settings store.
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error

	Close() error
}

// Settings is the read-only configuration source the scheduler and the
// facade consult. ConcurrencyLimit is read once per admission decision;
// changes apply to subsequent admissions only.
type Settings interface {
	ConcurrencyLimit() int
	DefaultKind() domain.MediaKind
	DefaultQuality() domain.Quality
	DownloadDir() string
}

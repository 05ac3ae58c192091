package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending     JobStatus = "PENDING"
	JobStatusDownloading JobStatus = "DOWNLOADING"
	JobStatusPaused      JobStatus = "PAUSED"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusCancelled   JobStatus = "CANCELLED"
)

// Terminal reports whether no further automatic transitions occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the job still participates in scheduling.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusPending, JobStatusDownloading, JobStatusPaused:
		return true
	}
	return false
}

type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaKindVideo, MediaKindAudio:
		return MediaKind(s), nil
	}
	return "", errors.New("unknown media kind: " + s)
}

type Quality string

const (
	QualityBest   Quality = "best"
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityBest, QualityHigh, QualityMedium, QualityLow:
		return Quality(s), nil
	}
	return "", errors.New("unknown quality: " + s)
}

// FailureReason classifies why a job ended up FAILED.
type FailureReason string

const (
	ReasonNetwork    FailureReason = "network"
	ReasonCapability FailureReason = "capability"
	ReasonStorage    FailureReason = "storage"
	ReasonInternal   FailureReason = "internal"
)

// Job is one user-requested download tracked through its full lifecycle.
// ID and the request fields (URL, Kind, Quality) never change after
// creation; everything else is mutated only by the scheduler and the
// runner handling the job at that moment.
type Job struct {
	ID      JobID     `json:"id"`
	URL     string    `json:"url"`
	Kind    MediaKind `json:"kind"`
	Quality Quality   `json:"quality"`

	Status          JobStatus      `json:"status"`
	Progress        float64        `json:"progress"`
	Speed           *string        `json:"speed,omitempty"`
	ETA             *string        `json:"eta,omitempty"`
	DownloadedBytes int64          `json:"downloaded_bytes"`
	TotalBytes      *int64         `json:"total_bytes,omitempty"`
	LocalPath       *string        `json:"local_path,omitempty"`
	ErrorMessage    *string        `json:"error,omitempty"`
	FailureReason   *FailureReason `json:"failure_reason,omitempty"`

	PlaylistIndex *int `json:"playlist_index,omitempty"`
	PlaylistCount *int `json:"playlist_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobPatch is a partial mutation applied atomically by the store.
// Nil fields are left untouched. ClearError/ClearResult force the
// nullable columns back to NULL (a nil pointer alone cannot express that).
type JobPatch struct {
	Status          *JobStatus
	Progress        *float64
	Speed           *string
	ETA             *string
	DownloadedBytes *int64
	TotalBytes      *int64
	LocalPath       *string
	ErrorMessage    *string
	FailureReason   *FailureReason
	CompletedAt     *time.Time
	ClearError      bool
	ClearResult     bool
	ClearTransient  bool
}

// Merge overlays later onto p. Used when a failed store write is
// carried over to the next transition for the same job.
func (p JobPatch) Merge(later JobPatch) JobPatch {
	out := p
	if later.Status != nil {
		out.Status = later.Status
	}
	if later.Progress != nil {
		out.Progress = later.Progress
	}
	if later.Speed != nil {
		out.Speed = later.Speed
	}
	if later.ETA != nil {
		out.ETA = later.ETA
	}
	if later.DownloadedBytes != nil {
		out.DownloadedBytes = later.DownloadedBytes
	}
	if later.TotalBytes != nil {
		out.TotalBytes = later.TotalBytes
	}
	if later.LocalPath != nil {
		out.LocalPath = later.LocalPath
	}
	if later.ErrorMessage != nil {
		out.ErrorMessage = later.ErrorMessage
	}
	if later.FailureReason != nil {
		out.FailureReason = later.FailureReason
	}
	if later.CompletedAt != nil {
		out.CompletedAt = later.CompletedAt
	}
	out.ClearError = out.ClearError || later.ClearError
	out.ClearResult = out.ClearResult || later.ClearResult
	out.ClearTransient = out.ClearTransient || later.ClearTransient
	return out
}

// Apply mutates j in place according to the patch. Store adapters use
// it so both backends resolve a patch identically.
func (p JobPatch) Apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.Speed != nil {
		j.Speed = p.Speed
	}
	if p.ETA != nil {
		j.ETA = p.ETA
	}
	if p.DownloadedBytes != nil {
		j.DownloadedBytes = *p.DownloadedBytes
	}
	if p.TotalBytes != nil {
		j.TotalBytes = p.TotalBytes
	}
	if p.LocalPath != nil {
		j.LocalPath = p.LocalPath
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = p.ErrorMessage
	}
	if p.FailureReason != nil {
		j.FailureReason = p.FailureReason
	}
	if p.CompletedAt != nil {
		j.CompletedAt = p.CompletedAt
	}
	if p.ClearError {
		j.ErrorMessage = nil
		j.FailureReason = nil
	}
	if p.ClearResult {
		j.LocalPath = nil
		j.CompletedAt = nil
	}
	if p.ClearTransient {
		j.Speed = nil
		j.ETA = nil
	}
}

// CapabilityError is a pre-classified failure returned by an extraction
// adapter that knows which taxonomy bucket its error belongs to.
type CapabilityError struct {
	Reason  FailureReason
	Message string
}

func (e *CapabilityError) Error() string { return e.Message }

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidURL        = errors.New("invalid or unsupported url")
	ErrInvalidTransition = errors.New("operation not valid for job state")
	ErrNotTerminal       = errors.New("job is not in a terminal state")
)

package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/internal/core/domain"
)

func TestJobCodec(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Nanosecond)
	doneAt := now.Add(90 * time.Second)
	speed := "2.4MiB/s"
	eta := "00:12"
	total := int64(104857600)
	path := "downloads/clip.mp4"
	reason := domain.ReasonNetwork
	msg := "connection reset"
	idx, count := 3, 12

	job := domain.Job{
		ID:              "job-1",
		URL:             "https://example.com/watch?v=1",
		Kind:            domain.MediaKindVideo,
		Quality:         domain.QualityMedium,
		Status:          domain.JobStatusFailed,
		Progress:        61.5,
		Speed:           &speed,
		ETA:             &eta,
		DownloadedBytes: 64424509,
		TotalBytes:      &total,
		LocalPath:       &path,
		ErrorMessage:    &msg,
		FailureReason:   &reason,
		PlaylistIndex:   &idx,
		PlaylistCount:   &count,
		CreatedAt:       now,
		CompletedAt:     &doneAt,
	}

	decoded, err := decodeJob(job.ID, encodeJob(job))
	require.NoError(t, err)
	assert.Equal(t, job, decoded)
}

func TestJobCodec_OptionalFieldsAbsent(t *testing.T) {
	job := domain.Job{
		ID:        "job-2",
		URL:       "https://example.com/watch?v=2",
		Kind:      domain.MediaKindAudio,
		Quality:   domain.QualityBest,
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	fields := encodeJob(job)
	// Unset optional fields stay out of the hash entirely.
	_, hasSpeed := fields["speed"]
	assert.False(t, hasSpeed)
	_, hasPath := fields["local_path"]
	assert.False(t, hasPath)

	decoded, err := decodeJob(job.ID, fields)
	require.NoError(t, err)
	assert.Nil(t, decoded.Speed)
	assert.Nil(t, decoded.TotalBytes)
	assert.Nil(t, decoded.CompletedAt)
	assert.Equal(t, job.CreatedAt.Format(time.RFC3339Nano), decoded.CreatedAt.Format(time.RFC3339Nano))
}

package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

const (
	keyJobPrefix    = "job:"
	keyCreatedIndex = "jobs:created"    // ZSET id scored by creation time
	keyStatusPrefix = "jobs:status:"    // SET per status, the admission index
	keySettings     = "fetchd:settings" // HASH
)

// Repository is the Redis-backed job record store. Per-job writes are
// read-modify-write without WATCH: the scheduler's single-writer rule
// already guarantees no two concurrent writers for the same id.
type Repository struct {
	cl  *redis.Client
	log *slog.Logger
}

var _ ports.JobStore = (*Repository)(nil)

func NewRepository(cl *redis.Client, log *slog.Logger) *Repository {
	return &Repository{
		cl:  cl,
		log: log.With(slog.String("item", "JobRepository")),
	}
}

func (r *Repository) Close() error {
	return r.cl.Close()
}

func jobKey(id domain.JobID) string       { return keyJobPrefix + string(id) }
func statusKey(s domain.JobStatus) string { return keyStatusPrefix + string(s) }

func (r *Repository) Insert(ctx context.Context, job domain.Job) error {
	fields := encodeJob(job)
	_, err := r.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(job.ID))
		pipe.HSet(ctx, jobKey(job.ID), fields)
		pipe.ZAdd(ctx, keyCreatedIndex, redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: string(job.ID),
		})
		for _, s := range allStatuses {
			if s == job.Status {
				pipe.SAdd(ctx, statusKey(s), string(job.ID))
			} else {
				pipe.SRem(ctx, statusKey(s), string(job.ID))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot insert job: %w", err)
	}
	return nil
}

func (r *Repository) UpdateFields(ctx context.Context, id domain.JobID, patch domain.JobPatch) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	prev := job.Status
	patch.Apply(&job)

	_, err = r.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.HSet(ctx, jobKey(id), encodeJob(job))
		if job.Status != prev {
			pipe.SRem(ctx, statusKey(prev), string(id))
			pipe.SAdd(ctx, statusKey(job.Status), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot update job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	fields, err := r.cl.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("cannot get job: %w", err)
	}
	if len(fields) == 0 {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return decodeJob(id, fields)
}

func (r *Repository) List(ctx context.Context) ([]domain.Job, error) {
	ids, err := r.cl.ZRange(ctx, keyCreatedIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list jobs: %w", err)
	}
	return r.fetchAll(ctx, ids)
}

func (r *Repository) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	keys := make([]string, len(statuses))
	for i, s := range statuses {
		keys[i] = statusKey(s)
	}
	ids, err := r.cl.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot scan status index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// FIFO by creation time, id as tiebreak.
	scores, err := r.cl.ZMScore(ctx, keyCreatedIndex, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot read created index: %w", err)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if scores[i] != scores[j] {
			return scores[i] < scores[j]
		}
		return ids[i] < ids[j]
	})
	return r.fetchAll(ctx, ids)
}

func (r *Repository) fetchAll(ctx context.Context, ids []string) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, domain.JobID(id))
		if err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				// Index and hash can briefly disagree during deletes.
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Repository) Delete(ctx context.Context, id domain.JobID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	_, err := r.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, keyCreatedIndex, string(id))
		for _, s := range allStatuses {
			pipe.SRem(ctx, statusKey(s), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot delete job: %w", err)
	}
	return nil
}

func (r *Repository) DeleteByStatus(ctx context.Context, status domain.JobStatus) (int, error) {
	ids, err := r.cl.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot scan status index: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := r.Delete(ctx, domain.JobID(id)); err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	value, err := r.cl.HGet(ctx, keySettings, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return "", fmt.Errorf("cannot get setting: %w", err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key string, value string) error {
	if err := r.cl.HSet(ctx, keySettings, key, value).Err(); err != nil {
		return fmt.Errorf("cannot save setting: %w", err)
	}
	return nil
}

var allStatuses = []domain.JobStatus{
	domain.JobStatusPending,
	domain.JobStatusDownloading,
	domain.JobStatusPaused,
	domain.JobStatusCompleted,
	domain.JobStatusFailed,
	domain.JobStatusCancelled,
}

func encodeJob(j domain.Job) map[string]string {
	fields := map[string]string{
		"url":              j.URL,
		"kind":             string(j.Kind),
		"quality":          string(j.Quality),
		"status":           string(j.Status),
		"progress":         strconv.FormatFloat(j.Progress, 'f', -1, 64),
		"downloaded_bytes": strconv.FormatInt(j.DownloadedBytes, 10),
		"created_at":       j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.Speed != nil {
		fields["speed"] = *j.Speed
	}
	if j.ETA != nil {
		fields["eta"] = *j.ETA
	}
	if j.TotalBytes != nil {
		fields["total_bytes"] = strconv.FormatInt(*j.TotalBytes, 10)
	}
	if j.LocalPath != nil {
		fields["local_path"] = *j.LocalPath
	}
	if j.ErrorMessage != nil {
		fields["error_message"] = *j.ErrorMessage
	}
	if j.FailureReason != nil {
		fields["failure_reason"] = string(*j.FailureReason)
	}
	if j.PlaylistIndex != nil {
		fields["playlist_index"] = strconv.Itoa(*j.PlaylistIndex)
	}
	if j.PlaylistCount != nil {
		fields["playlist_count"] = strconv.Itoa(*j.PlaylistCount)
	}
	if j.CompletedAt != nil {
		fields["completed_at"] = j.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeJob(id domain.JobID, fields map[string]string) (domain.Job, error) {
	j := domain.Job{
		ID:      id,
		URL:     fields["url"],
		Kind:    domain.MediaKind(fields["kind"]),
		Quality: domain.Quality(fields["quality"]),
		Status:  domain.JobStatus(fields["status"]),
	}

	var err error
	if j.Progress, err = strconv.ParseFloat(fields["progress"], 64); err != nil {
		return domain.Job{}, fmt.Errorf("corrupt progress field: %w", err)
	}
	if j.DownloadedBytes, err = strconv.ParseInt(fields["downloaded_bytes"], 10, 64); err != nil {
		return domain.Job{}, fmt.Errorf("corrupt downloaded_bytes field: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return domain.Job{}, fmt.Errorf("corrupt created_at field: %w", err)
	}

	if v, ok := fields["speed"]; ok {
		j.Speed = &v
	}
	if v, ok := fields["eta"]; ok {
		j.ETA = &v
	}
	if v, ok := fields["total_bytes"]; ok {
		total, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return domain.Job{}, fmt.Errorf("corrupt total_bytes field: %w", err)
		}
		j.TotalBytes = &total
	}
	if v, ok := fields["local_path"]; ok {
		j.LocalPath = &v
	}
	if v, ok := fields["error_message"]; ok {
		j.ErrorMessage = &v
	}
	if v, ok := fields["failure_reason"]; ok {
		fr := domain.FailureReason(v)
		j.FailureReason = &fr
	}
	if v, ok := fields["playlist_index"]; ok {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("corrupt playlist_index field: %w", err)
		}
		j.PlaylistIndex = &idx
	}
	if v, ok := fields["playlist_count"]; ok {
		count, err := strconv.Atoi(v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("corrupt playlist_count field: %w", err)
		}
		j.PlaylistCount = &count
	}
	if v, ok := fields["completed_at"]; ok {
		done, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("corrupt completed_at field: %w", err)
		}
		j.CompletedAt = &done
	}
	return j, nil
}

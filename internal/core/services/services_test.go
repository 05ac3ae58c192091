package services

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchd/fetchd/internal/core/domain"
	"github.com/fetchd/fetchd/internal/core/ports"
)

// Shared fakes for the service tests: an in-memory job store, a fixed
// settings source and a scriptable extractor.

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memStore struct {
	mu       sync.Mutex
	jobs     map[domain.JobID]domain.Job
	settings map[string]string

	// failUpdates > 0 makes the next N UpdateFields calls fail.
	failUpdates int32
	updateErr   error
}

var _ ports.JobStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[domain.JobID]domain.Job),
		settings: make(map[string]string),
	}
}

func (m *memStore) Insert(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) UpdateFields(_ context.Context, id domain.JobID, patch domain.JobPatch) error {
	if atomic.LoadInt32(&m.failUpdates) > 0 {
		atomic.AddInt32(&m.failUpdates, -1)
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	patch.Apply(&job)
	m.jobs[id] = job
	return nil
}

func (m *memStore) Get(_ context.Context, id domain.JobID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (m *memStore) List(_ context.Context) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(domain.Job) bool { return true }), nil
}

func (m *memStore) ListByStatus(_ context.Context, statuses ...domain.JobStatus) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked(func(j domain.Job) bool {
		for _, s := range statuses {
			if j.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (m *memStore) sortedLocked(keep func(domain.Job) bool) []domain.Job {
	out := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func (m *memStore) Delete(_ context.Context, id domain.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memStore) DeleteByStatus(_ context.Context, status domain.JobStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status == status {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", domain.ErrJobNotFound
	}
	return v, nil
}

func (m *memStore) SaveSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *memStore) Close() error { return nil }

type fixedSettings struct {
	limit   int32
	kind    domain.MediaKind
	quality domain.Quality
	dir     string
}

var _ ports.Settings = (*fixedSettings)(nil)

func newFixedSettings(limit int) *fixedSettings {
	return &fixedSettings{
		limit:   int32(limit),
		kind:    domain.MediaKindVideo,
		quality: domain.QualityBest,
		dir:     "downloads",
	}
}

func (s *fixedSettings) ConcurrencyLimit() int          { return int(atomic.LoadInt32(&s.limit)) }
func (s *fixedSettings) SetLimit(n int)                 { atomic.StoreInt32(&s.limit, int32(n)) }
func (s *fixedSettings) DefaultKind() domain.MediaKind  { return s.kind }
func (s *fixedSettings) DefaultQuality() domain.Quality { return s.quality }
func (s *fixedSettings) DownloadDir() string            { return s.dir }

// fakeExtractor blocks every download until released, so tests control
// exactly when jobs finish and how.
type fakeExtractor struct {
	mu       sync.Mutex
	started  map[domain.JobID]chan struct{} // closed when the download begins
	release  map[domain.JobID]chan error    // send to finish the download
	inspect  func(ctx context.Context, url string) (domain.MediaInfo, error)
	progress map[domain.JobID]func(ports.ProgressFunc)
}

var _ ports.Extractor = (*fakeExtractor)(nil)

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		started:  make(map[domain.JobID]chan struct{}),
		release:  make(map[domain.JobID]chan error),
		progress: make(map[domain.JobID]func(ports.ProgressFunc)),
	}
}

func (f *fakeExtractor) Inspect(ctx context.Context, url string) (domain.MediaInfo, error) {
	if f.inspect != nil {
		return f.inspect(ctx, url)
	}
	return domain.MediaInfo{Title: "single", WebpageURL: url}, nil
}

func (f *fakeExtractor) chans(id domain.JobID) (chan struct{}, chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.started[id]; !ok {
		f.started[id] = make(chan struct{})
		f.release[id] = make(chan error, 1)
	}
	return f.started[id], f.release[id]
}

// waitStarted blocks until the download for id has begun.
func (f *fakeExtractor) waitStarted(t *testing.T, id domain.JobID) {
	t.Helper()
	started, _ := f.chans(id)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("download %s never started", id)
	}
}

// finish completes the download for id with the given error (nil for
// success).
func (f *fakeExtractor) finish(id domain.JobID, err error) {
	_, release := f.chans(id)
	release <- err
}

func (f *fakeExtractor) setProgress(id domain.JobID, fn func(ports.ProgressFunc)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id] = fn
}

func (f *fakeExtractor) Download(ctx context.Context, req ports.DownloadRequest, onProgress ports.ProgressFunc) (ports.DownloadResult, error) {
	started, release := f.chans(req.JobID)
	close(started)

	f.mu.Lock()
	emit := f.progress[req.JobID]
	f.mu.Unlock()
	if emit != nil {
		emit(onProgress)
	}

	select {
	case <-ctx.Done():
		return ports.DownloadResult{}, ctx.Err()
	case err := <-release:
		if err != nil {
			return ports.DownloadResult{}, err
		}
		return ports.DownloadResult{
			LocalPath: "downloads/" + string(req.JobID) + ".mp4",
			Title:     "title-" + string(req.JobID),
		}, nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

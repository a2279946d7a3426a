package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
)

type stubResolver struct {
	res *extract.Result
	err error
}

func (s *stubResolver) Resolve(_ context.Context, key keys.Key) (*extract.Result, error) {
	if s.err != nil || s.res == nil {
		return nil, s.err
	}
	res := *s.res
	res.Key = key.String()
	return &res, nil
}

// fileFetcher writes a small file, or blocks until cancelled when block is set.
type fileFetcher struct {
	block   bool
	started chan struct{}
	err     error
}

func (f *fileFetcher) Fetch(ctx context.Context, req Request) (string, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	file := filepath.Join(req.Dir, req.Job.Key+".mp4")
	return file, os.WriteFile(file, []byte("media"), 0o644)
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (u *memUploader) UploadFile(_ context.Context, objectKey, path string) (int64, error) {
	if u.err != nil {
		return 0, u.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = map[string]string{}
	}
	u.objects[objectKey] = string(data)
	return int64(len(data)), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []models.DownloadEvent
}

func (l *eventLog) PublishEvent(_ context.Context, ev models.DownloadEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) statuses() []models.DownloadStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.DownloadStatus, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Status)
	}
	return out
}

func (l *eventLog) last() models.DownloadEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type fixedInspector struct{ info MediaInfo }

func (i fixedInspector) Inspect(context.Context, string) (MediaInfo, error) {
	return i.info, nil
}

func newJob(key string) models.DownloadJob {
	return models.DownloadJob{ID: uuid.New(), Key: key, Kind: models.DownloadKindVideo, CreatedAt: time.Now()}
}

var resolved = &extract.Result{
	ID:         "dQw4w9WgXcQ",
	WebpageURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	Duration:   212 * time.Second,
}

func TestHandleUploadsAndDeletes(t *testing.T) {
	dir := t.TempDir()
	up := &memUploader{}
	events := &eventLog{}
	m := NewManager(Config{LogGroupID: "-100123", DownloadDir: dir, DeleteMedia: true},
		&stubResolver{res: resolved}, &fileFetcher{}, up, events, nil)

	job := newJob("dQw4w9WgXcQ")
	require.NoError(t, m.Handle(context.Background(), job))

	assert.Equal(t, []models.DownloadStatus{models.DownloadStatusRunning, models.DownloadStatusCompleted}, events.statuses())
	last := events.last()
	assert.Equal(t, "-100123/dQw4w9WgXcQ/dQw4w9WgXcQ.mp4", last.ObjectKey)
	assert.EqualValues(t, 5, last.Bytes)
	assert.InDelta(t, 212, last.Duration, 0.001)
	assert.Equal(t, job.ID, last.JobID)
	assert.Equal(t, "media", up.objects[last.ObjectKey])

	_, err := os.Stat(filepath.Join(dir, job.ID.String()))
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, m.ActiveCount())
}

func TestHandleKeepsMediaWithoutDeleteFlag(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(Config{LogGroupID: "g", DownloadDir: dir},
		&stubResolver{res: resolved}, &fileFetcher{}, &memUploader{}, &eventLog{}, nil)

	job := newJob("dQw4w9WgXcQ")
	require.NoError(t, m.Handle(context.Background(), job))

	_, err := os.Stat(filepath.Join(dir, job.ID.String(), "dQw4w9WgXcQ.mp4"))
	require.NoError(t, err)
}

func TestHandleUsesInspectorWhenAvailable(t *testing.T) {
	events := &eventLog{}
	m := NewManager(Config{LogGroupID: "g", DownloadDir: t.TempDir()},
		&stubResolver{res: resolved}, &fileFetcher{}, &memUploader{}, events,
		fixedInspector{info: MediaInfo{Duration: 90 * time.Second, Size: 42}})

	require.NoError(t, m.Handle(context.Background(), newJob("dQw4w9WgXcQ")))
	assert.InDelta(t, 90, events.last().Duration, 0.001)
}

func TestHandleWithoutUploaderKeepsFile(t *testing.T) {
	dir := t.TempDir()
	events := &eventLog{}
	m := NewManager(Config{LogGroupID: "g", DownloadDir: dir, DeleteMedia: true},
		&stubResolver{res: resolved}, &fileFetcher{}, nil, events, nil)

	job := newJob("dQw4w9WgXcQ")
	require.NoError(t, m.Handle(context.Background(), job))

	last := events.last()
	assert.Equal(t, models.DownloadStatusCompleted, last.Status)
	assert.Empty(t, last.ObjectKey)
	assert.EqualValues(t, 5, last.Bytes)
	_, err := os.Stat(filepath.Join(dir, job.ID.String(), "dQw4w9WgXcQ.mp4"))
	require.NoError(t, err)
}

func TestHandleUnknownKeyFails(t *testing.T) {
	events := &eventLog{}
	m := NewManager(Config{DownloadDir: t.TempDir()}, &stubResolver{}, &fileFetcher{}, &memUploader{}, events, nil)

	require.NoError(t, m.Handle(context.Background(), newJob("neverissued1")))
	last := events.last()
	assert.Equal(t, models.DownloadStatusFailed, last.Status)
	assert.Contains(t, last.Error, "neverissued1")
}

func TestHandleFailures(t *testing.T) {
	tests := []struct {
		name     string
		resolver *stubResolver
		fetcher  *fileFetcher
		uploader *memUploader
		want     string
	}{
		{"resolve", &stubResolver{err: extract.ErrRateLimited}, &fileFetcher{}, &memUploader{}, "rate limited"},
		{"fetch", &stubResolver{res: resolved}, &fileFetcher{err: errors.New("http 403")}, &memUploader{}, "http 403"},
		{"upload", &stubResolver{res: resolved}, &fileFetcher{}, &memUploader{err: errors.New("bucket gone")}, "bucket gone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			events := &eventLog{}
			m := NewManager(Config{DownloadDir: dir}, tt.resolver, tt.fetcher, tt.uploader, events, nil)

			job := newJob("dQw4w9WgXcQ")
			require.NoError(t, m.Handle(context.Background(), job))

			last := events.last()
			assert.Equal(t, models.DownloadStatusFailed, last.Status)
			assert.Contains(t, last.Error, tt.want)
			_, err := os.Stat(filepath.Join(dir, job.ID.String()))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestCancelRunningJob(t *testing.T) {
	events := &eventLog{}
	fetcher := &fileFetcher{block: true, started: make(chan struct{})}
	m := NewManager(Config{DownloadDir: t.TempDir()}, &stubResolver{res: resolved}, fetcher, &memUploader{}, events, nil)

	job := newJob("dQw4w9WgXcQ")
	done := make(chan error, 1)
	go func() { done <- m.Handle(context.Background(), job) }()

	<-fetcher.started
	assert.Equal(t, 1, m.ActiveCount())
	m.HandleControl(models.DownloadControl{Action: models.ControlCancel, JobID: job.ID})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after cancel")
	}
	assert.Equal(t, models.DownloadStatusCancelled, events.last().Status)
	assert.False(t, m.Cancel(job.ID))
}

func TestHandleReturnsErrorOnShutdown(t *testing.T) {
	events := &eventLog{}
	fetcher := &fileFetcher{block: true, started: make(chan struct{})}
	m := NewManager(Config{DownloadDir: t.TempDir()}, &stubResolver{res: resolved}, fetcher, &memUploader{}, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Handle(ctx, newJob("dQw4w9WgXcQ")) }()

	<-fetcher.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []models.DownloadStatus{models.DownloadStatusRunning}, events.statuses())
}

func TestHandleTimeout(t *testing.T) {
	events := &eventLog{}
	m := NewManager(Config{DownloadDir: t.TempDir(), Timeout: 50 * time.Millisecond},
		&stubResolver{res: resolved}, &fileFetcher{block: true}, &memUploader{}, events, nil)

	require.NoError(t, m.Handle(context.Background(), newJob("dQw4w9WgXcQ")))
	assert.Equal(t, models.DownloadStatusFailed, events.last().Status)
}

func TestHandleRejectsDuplicateJob(t *testing.T) {
	fetcher := &fileFetcher{block: true, started: make(chan struct{})}
	m := NewManager(Config{DownloadDir: t.TempDir()}, &stubResolver{res: resolved}, fetcher, nil, nil, nil)

	job := newJob("dQw4w9WgXcQ")
	done := make(chan error, 1)
	go func() { done <- m.Handle(context.Background(), job) }()
	<-fetcher.started

	require.ErrorIs(t, m.Handle(context.Background(), job), ErrAlreadyRunning)
	m.CancelAll()
	require.NoError(t, <-done)
}

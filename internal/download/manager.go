// Package download runs download jobs: resolve the key, fetch the media,
// upload it to the log group's prefix in object storage and report progress.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/ytkey/internal/extract"
	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/observability"
)

var ErrAlreadyRunning = errors.New("download already running")

// KeyResolver recovers extraction results for a key.
type KeyResolver interface {
	Resolve(ctx context.Context, key keys.Key) (*extract.Result, error)
}

// Uploader stores a finished file under objectKey.
type Uploader interface {
	UploadFile(ctx context.Context, objectKey, path string) (int64, error)
}

// EventPublisher reports job progress.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.DownloadEvent) error
}

type Config struct {
	LogGroupID  string
	DownloadDir string
	// DeleteMedia removes the local file once it has been uploaded.
	DeleteMedia bool
	// Timeout bounds a single job; zero means no limit.
	Timeout time.Duration
}

// Manager runs download jobs and tracks the running ones for cancellation.
type Manager struct {
	cfg      Config
	resolver KeyResolver
	fetcher  Fetcher
	uploader Uploader
	events   EventPublisher
	// inspector is nil when the secondary tool is unavailable.
	inspector Inspector

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

// NewManager builds a manager. uploader may be nil to keep files locally and
// inspector may be nil to skip metadata probing.
func NewManager(cfg Config, resolver KeyResolver, fetcher Fetcher, uploader Uploader, events EventPublisher, inspector Inspector) *Manager {
	return &Manager{
		cfg:       cfg,
		resolver:  resolver,
		fetcher:   fetcher,
		uploader:  uploader,
		events:    events,
		inspector: inspector,
		active:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Handle runs job to completion and publishes its terminal event. It returns
// an error only when ctx ends first, so the job can be redelivered.
func (m *Manager) Handle(ctx context.Context, job models.DownloadJob) error {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(jobCtx, m.cfg.Timeout)
		defer cancelTimeout()
	}

	if err := m.register(job.ID, cancel); err != nil {
		return err
	}
	defer m.unregister(job.ID)

	observability.ActiveDownloads.Inc()
	defer observability.ActiveDownloads.Dec()

	slog.Info("download started", "job_id", job.ID, "key", job.Key, "kind", job.Kind)
	m.publish(ctx, job, models.DownloadEvent{Status: models.DownloadStatusRunning})

	jobDir := filepath.Join(m.cfg.DownloadDir, job.ID.String())
	ev, err := m.run(jobCtx, job, jobDir)

	switch {
	case err == nil:
		ev.Status = models.DownloadStatusCompleted
		if m.cfg.DeleteMedia && ev.ObjectKey != "" {
			m.cleanup(jobDir)
		}
	case ctx.Err() != nil:
		m.cleanup(jobDir)
		slog.Warn("download interrupted", "job_id", job.ID, "error", ctx.Err())
		return ctx.Err()
	case errors.Is(jobCtx.Err(), context.Canceled):
		m.cleanup(jobDir)
		ev = models.DownloadEvent{Status: models.DownloadStatusCancelled}
	default:
		m.cleanup(jobDir)
		ev = models.DownloadEvent{Status: models.DownloadStatusFailed, Error: err.Error()}
	}

	observability.Downloads.WithLabelValues(string(ev.Status)).Inc()
	slog.Info("download finished", "job_id", job.ID, "key", job.Key, "status", ev.Status, "error", ev.Error)
	m.publish(ctx, job, ev)
	return nil
}

func (m *Manager) run(ctx context.Context, job models.DownloadJob, jobDir string) (models.DownloadEvent, error) {
	var ev models.DownloadEvent

	res, err := m.resolver.Resolve(ctx, keys.Parse(job.Key))
	if err != nil {
		return ev, fmt.Errorf("resolve: %w", err)
	}
	if res == nil {
		return ev, fmt.Errorf("key %s expired or never existed", job.Key)
	}
	source := res.WebpageURL
	if source == "" {
		return ev, fmt.Errorf("key %s resolved without a source url", job.Key)
	}

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return ev, fmt.Errorf("create job dir: %w", err)
	}
	file, err := m.fetcher.Fetch(ctx, Request{Job: job, Source: source, Dir: jobDir})
	if err != nil {
		return ev, fmt.Errorf("fetch: %w", err)
	}

	ev.Duration = res.Duration.Seconds()
	if m.inspector != nil {
		if info, err := m.inspector.Inspect(ctx, file); err != nil {
			slog.Warn("inspect media failed", "job_id", job.ID, "file", file, "error", err)
		} else {
			ev.Duration = info.Duration.Seconds()
			ev.Bytes = info.Size
		}
	}

	if m.uploader == nil {
		if st, err := os.Stat(file); err == nil {
			ev.Bytes = st.Size()
		}
		return ev, nil
	}

	objectKey := path.Join(m.cfg.LogGroupID, job.Key, filepath.Base(file))
	size, err := m.uploader.UploadFile(ctx, objectKey, file)
	if err != nil {
		return ev, fmt.Errorf("upload: %w", err)
	}
	ev.ObjectKey = objectKey
	ev.Bytes = size
	return ev, nil
}

// Cancel stops a running job. It reports whether the job was running here.
func (m *Manager) Cancel(id uuid.UUID) bool {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()

	if ok {
		cancel()
		slog.Info("cancel requested", "job_id", id)
	}
	return ok
}

// HandleControl applies a control command.
func (m *Manager) HandleControl(ctl models.DownloadControl) {
	if ctl.Action == models.ControlCancel {
		m.Cancel(ctl.JobID)
	}
}

// ActiveCount returns the number of currently running jobs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CancelAll stops all running jobs.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ids := make([]uuid.UUID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
}

func (m *Manager) register(id uuid.UUID, cancel context.CancelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.active[id]; exists {
		return fmt.Errorf("job %s: %w", id, ErrAlreadyRunning)
	}
	m.active[id] = cancel
	return nil
}

func (m *Manager) unregister(id uuid.UUID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, job models.DownloadJob, ev models.DownloadEvent) {
	if m.events == nil {
		return
	}
	ev.JobID = job.ID
	ev.Key = job.Key
	ev.OccurredAt = time.Now().UTC()

	// Terminal events are published even if the worker is shutting down.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.events.PublishEvent(pubCtx, ev); err != nil {
		slog.Error("publish download event", "job_id", job.ID, "status", ev.Status, "error", err)
	}
}

func (m *Manager) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("remove download dir", "dir", dir, "error", err)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
)

const (
	JobsStreamName    = "DOWNLOADS"
	JobsSubjectBase   = "downloads"
	EventsStreamName  = "DOWNLOAD_EVENTS"
	EventsSubjectBase = "download_events"

	// ControlSubject carries cancel commands over core NATS so every worker sees them.
	ControlSubject = "downloads.control"
)

// ErrInvalidKey is returned for job keys that cannot form a single subject token.
var ErrInvalidKey = errors.New("invalid download key")

func connect(natsURL string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}
	return nc, js, nil
}

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Producer{nc: nc, js: js}, nil
}

// EnsureStreams creates JetStream streams if they don't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        JobsStreamName,
			Subjects:    []string{JobsSubjectBase + ".jobs.>"},
			Retention:   jetstream.WorkQueuePolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     100000,
			Storage:     jetstream.FileStorage,
			Discard:     jetstream.DiscardOld,
			Duplicates:  2 * time.Minute,
			Description: "Download jobs for workers",
		},
		{
			Name:        EventsStreamName,
			Subjects:    []string{EventsSubjectBase + ".>"},
			Retention:   jetstream.InterestPolicy,
			MaxAge:      24 * time.Hour,
			MaxMsgs:     1000000,
			Storage:     jetstream.FileStorage,
			Description: "Download progress events",
		},
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		allOK := true
		for _, cfg := range streams {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
			cancel()
			if err != nil {
				allOK = false
				if attempt == maxAttempts {
					return fmt.Errorf("create stream %s: %w (after %d attempts)", cfg.Name, err, maxAttempts)
				}
				slog.Warn("ensure NATS stream (retrying...)", "name", cfg.Name, "attempt", attempt, "error", err)
				break
			}
			slog.Info("ensured NATS stream", "name", cfg.Name)
		}
		if allOK {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return nil
}

// JobSubject is the subject a job for key is published on.
func JobSubject(key string) string {
	return fmt.Sprintf("%s.jobs.%s", JobsSubjectBase, key)
}

// EventSubject is the subject events for a job are published on.
func EventSubject(ev models.DownloadEvent) string {
	return fmt.Sprintf("%s.%s", EventsSubjectBase, ev.JobID)
}

// PublishJob enqueues a download job. The job ID doubles as the JetStream
// message ID, so a retried publish is deduplicated.
func (p *Producer) PublishJob(ctx context.Context, job models.DownloadJob) error {
	if !keys.ValidToken(job.Key) {
		return fmt.Errorf("publish download job: %w %q", ErrInvalidKey, job.Key)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal download job: %w", err)
	}

	_, err = p.js.Publish(ctx, JobSubject(job.Key), payload, jetstream.WithMsgID(job.ID.String()))
	if err != nil {
		return fmt.Errorf("publish download job: %w", err)
	}
	return nil
}

// PublishEvent publishes a download progress event.
func (p *Producer) PublishEvent(ctx context.Context, ev models.DownloadEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, EventSubject(ev), payload)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// QueueDepth returns the number of pending messages in the DOWNLOADS stream.
func (p *Producer) QueueDepth(ctx context.Context) (uint64, error) {
	stream, err := p.js.Stream(ctx, JobsStreamName)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// PublishControl publishes a control command via raw NATS (not JetStream).
// Workers subscribe to ControlSubject for cancel commands.
func (p *Producer) PublishControl(ctl models.DownloadControl) error {
	payload, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("marshal control: %w", err)
	}
	return p.nc.Publish(ControlSubject, payload)
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}

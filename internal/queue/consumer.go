package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/ytkey/internal/keys"
	"github.com/your-org/ytkey/internal/models"
)

type MessageHandler func(ctx context.Context, msg jetstream.Msg) error

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumeJobs starts consuming download jobs from the DOWNLOADS stream.
// workerCount determines how many goroutines process messages concurrently.
// AckWait must outlast a download, so in-progress heartbeats are sent by the
// handler through msg.InProgress.
func (c *Consumer) ConsumeJobs(ctx context.Context, consumerName string, handler MessageHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, JobsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", JobsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    3,
		FilterSubject: JobsSubjectBase + ".jobs.>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount)

	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch download jobs error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process download job error", "worker", workerID, "error", err, "subject", msg.Subject())
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}(i)
	}

	slog.Info("download job consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

// ConsumeEvents starts consuming download events (for the API to broadcast via WebSocket).
func (c *Consumer) ConsumeEvents(ctx context.Context, consumerName string, handler MessageHandler) error {
	stream, err := c.js.Stream(ctx, EventsStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", EventsStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: EventsSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				if err := handler(ctx, msg); err != nil {
					slog.Error("process event error", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

// SubscribeControl delivers cancel commands published with PublishControl.
// Malformed commands are logged and dropped.
func (c *Consumer) SubscribeControl(handler func(models.DownloadControl)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(ControlSubject, func(msg *nats.Msg) {
		ctl, err := DecodeControl(msg.Data)
		if err != nil {
			slog.Warn("invalid control command", "error", err)
			return
		}
		handler(ctl)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ControlSubject, err)
	}
	return sub, nil
}

func (c *Consumer) Ping() error {
	if !c.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}

// DecodeJob parses a download job payload.
func DecodeJob(data []byte) (models.DownloadJob, error) {
	var job models.DownloadJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("parse download job: %w", err)
	}
	if !keys.ValidToken(job.Key) {
		return job, fmt.Errorf("parse download job: %w %q", ErrInvalidKey, job.Key)
	}
	return job, nil
}

// DecodeEvent parses a download event payload.
func DecodeEvent(data []byte) (models.DownloadEvent, error) {
	var ev models.DownloadEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("parse download event: %w", err)
	}
	return ev, nil
}

// DecodeControl parses a control command.
func DecodeControl(data []byte) (models.DownloadControl, error) {
	var ctl models.DownloadControl
	if err := json.Unmarshal(data, &ctl); err != nil {
		return ctl, fmt.Errorf("parse control: %w", err)
	}
	if ctl.Action != models.ControlCancel {
		return ctl, fmt.Errorf("unknown control action %q", ctl.Action)
	}
	return ctl, nil
}

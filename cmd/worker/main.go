package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/ytkey/internal/config"
	"github.com/your-org/ytkey/internal/download"
	"github.com/your-org/ytkey/internal/lifecycle"
	"github.com/your-org/ytkey/internal/observability"
	"github.com/your-org/ytkey/internal/queue"
	"github.com/your-org/ytkey/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting ytkey download worker", "workers", cfg.Downloader.WorkerCount)

	if cfg.NATS.URL == "" {
		slog.Error("nats.url is required for the download worker")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst, err := lifecycle.Init(ctx, lifecycle.OptionsFromConfig(cfg))
	if err != nil {
		slog.Error("init instance", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := inst.Stop(); err != nil {
			slog.Error("stop instance", "error", err)
		}
	}()

	binding, err := inst.Binding()
	if err != nil {
		slog.Error("read toolchain binding", "error", err)
		os.Exit(1)
	}

	// Without object storage finished files stay in the download path.
	var uploader download.Uploader
	if cfg.MinIO.Enabled() {
		minioStore, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		uploader = minioStore
	} else {
		slog.Warn("minio not configured, media will be kept locally")
	}

	var inspector download.Inspector
	if binding.SecondaryAvailable {
		inspector = &download.FFprobe{Path: binding.Secondary}
	} else {
		slog.Warn("secondary tool unavailable, media metadata will not be probed")
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	opts := inst.Options()
	fetcher := &download.YtdlpFetcher{
		Path:           cfg.Extractor.YtdlpPath,
		FFmpegLocation: binding.Primary,
		External:       opts.ExternalDownloader,
		Format:         cfg.Downloader.Format,
		Silent:         opts.Silent,
	}

	manager := download.NewManager(download.Config{
		LogGroupID:  opts.LogGroupID,
		DownloadDir: opts.DownloadPath,
		DeleteMedia: opts.DeleteMedia,
		Timeout:     cfg.Downloader.Timeout,
	}, inst.Resolver(), fetcher, uploader, producer, inspector)

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	sub, err := consumer.SubscribeControl(manager.HandleControl)
	if err != nil {
		slog.Error("subscribe to control", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sub.Unsubscribe() }()

	err = consumer.ConsumeJobs(ctx, "download-workers", func(ctx context.Context, msg jetstream.Msg) error {
		job, err := queue.DecodeJob(msg.Data())
		if err != nil {
			slog.Error("decode download job", "error", err)
			return nil // Don't retry on malformed jobs
		}

		stop := heartbeat(ctx, msg, 30*time.Second)
		defer stop()

		if err := manager.Handle(ctx, job); err != nil {
			if errors.Is(err, download.ErrAlreadyRunning) {
				slog.Warn("duplicate download job", "job_id", job.ID)
				return nil
			}
			return fmt.Errorf("download %s: %w", job.ID, err)
		}
		return nil
	}, cfg.Downloader.WorkerCount)
	if err != nil {
		slog.Error("start download consumer", "error", err)
		os.Exit(1)
	}

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		slog.Info("worker metrics listening", "addr", ":8082")
		if err := http.ListenAndServe(":8082", mux); err != nil {
			slog.Error("metrics server error", "error", err)
		}
	}()

	// Periodically report queue depth
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				depth, err := producer.QueueDepth(ctx)
				if err == nil {
					observability.QueueDepth.Set(float64(depth))
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...", "active", manager.ActiveCount())
	cancel()
	manager.CancelAll()

	// Give running jobs time to clean up
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}

// heartbeat keeps msg from being redelivered while a long download runs.
func heartbeat(ctx context.Context, msg jetstream.Msg, every time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("extend job ack deadline", "subject", msg.Subject(), "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/ytkey/internal/api"
	"github.com/your-org/ytkey/internal/api/handlers"
	"github.com/your-org/ytkey/internal/api/ws"
	"github.com/your-org/ytkey/internal/config"
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

	slog.Info("starting ytkey API service", "port", cfg.Server.Port, "cache_backend", cfg.Cache.Backend)

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

	checks := map[string]handlers.Check{
		"cache": inst.Resources().Cache.Ping,
	}

	// Object storage is optional for the API; it only reports on it.
	if cfg.MinIO.Enabled() {
		minioStore, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		checks["minio"] = minioStore.Ping
	}

	hub := ws.NewHub()
	go hub.Run(ctx)

	routerCfg := api.RouterConfig{
		APIKey:  cfg.Server.APIKey,
		Keys:    inst.Resolver(),
		Thumbs:  inst.Thumbnails(),
		Binding: inst.Binding,
		Hub:     hub,
		Checks:  checks,
	}

	// Without NATS the service still resolves keys; download routes are off.
	if cfg.NATS.URL != "" {
		producer, err := queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			slog.Error("connect to nats", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		routerCfg.Jobs = producer
		checks["nats"] = func(context.Context) error { return producer.Ping() }

		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create event consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		err = consumer.ConsumeEvents(ctx, "api-events", func(ctx context.Context, msg jetstream.Msg) error {
			ev, err := queue.DecodeEvent(msg.Data())
			if err != nil {
				slog.Error("decode download event", "error", err)
				return nil
			}
			hub.BroadcastDownloadEvent(ev)
			return nil
		})
		if err != nil {
			slog.Warn("start event consumer", "error", err)
		}
	} else {
		slog.Info("nats not configured, download routes disabled")
	}

	router := api.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Extractor.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}

// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hainaria/tryon-pipeline/internal/bus"
	"github.com/hainaria/tryon-pipeline/internal/config"
	"github.com/hainaria/tryon-pipeline/internal/infra"
	"github.com/hainaria/tryon-pipeline/internal/processor"
	"github.com/hainaria/tryon-pipeline/internal/queue"
	"github.com/hainaria/tryon-pipeline/internal/worker"
	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"storage_backend", cfg.StorageBackend,
		"removebg_url", cfg.RemoveBGURL,
		"tryon_url", cfg.TryOnURL,
		"processor_timeout", cfg.ProcessorTimeout,
		"max_attempts", cfg.MaxAttempts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := infra.NewStore(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer closeStore()

	objects, err := infra.NewObjectStore(ctx, cfg)
	if err != nil {
		fatal(logger, "open object storage", err)
	}

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)

	policy := queue.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     5 * time.Minute,
		AckWait:        cfg.AckWait,
		MaxInFlight:    cfg.MaxInFlight,
	}
	bgQueue, err := queue.New(nc, "TRYON_BG", schema.SubjectBGRemoval, policy, logger)
	if err != nil {
		fatal(logger, "create background-removal queue", err)
	}
	tryOnQueue, err := queue.New(nc, "TRYON_COMPOSE", schema.SubjectTryOn, policy, logger)
	if err != nil {
		fatal(logger, "create try-on queue", err)
	}

	proc := processor.NewClient(cfg.RemoveBGURL, cfg.TryOnURL, cfg.ProcessorTimeout)
	w := worker.New(st, objects, proc, worker.Options{
		PreviewWidth:  cfg.PreviewWidth,
		PreviewHeight: cfg.PreviewHeight,
	}, logger)

	bgSub, err := bgQueue.Consume(cfg.WorkerGroup+"-bg", w.Handle)
	if err != nil {
		fatal(logger, "subscribe background-removal worker", err)
	}
	tryOnSub, err := tryOnQueue.Consume(cfg.WorkerGroup+"-compose", w.Handle)
	if err != nil {
		fatal(logger, "subscribe try-on worker", err)
	}
	logger.Info("listening for jobs", "group", cfg.WorkerGroup)

	<-ctx.Done()
	logger.Info("shutting down")
	_ = bgSub.Drain()
	_ = tryOnSub.Drain()
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

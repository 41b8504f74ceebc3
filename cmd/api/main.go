// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hainaria/tryon-pipeline/internal/bus"
	"github.com/hainaria/tryon-pipeline/internal/config"
	"github.com/hainaria/tryon-pipeline/internal/crypto"
	"github.com/hainaria/tryon-pipeline/internal/httpapi"
	"github.com/hainaria/tryon-pipeline/internal/infra"
	"github.com/hainaria/tryon-pipeline/internal/queue"
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

	var cipher *crypto.Cipher
	if cfg.EncryptionKey != "" {
		cipher, err = crypto.NewCipher(cfg.EncryptionKey)
		if err != nil {
			fatal(logger, "init cipher", err)
		}
	} else {
		logger.Warn("ENCRYPTION_KEY not set, share links disabled")
	}

	api := httpapi.New(st, objects, bgQueue, tryOnQueue, cipher, logger)
	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.APIAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "serve http", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

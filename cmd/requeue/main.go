// cmd/requeue/main.go

// requeue is an operator tool that finds sessions stuck in PROCESSING
// (for example after a worker crash past the queue's redelivery budget) and
// re-enqueues a background-removal job from their last uploaded image.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/hainaria/tryon-pipeline/internal/bus"
	"github.com/hainaria/tryon-pipeline/internal/config"
	"github.com/hainaria/tryon-pipeline/internal/infra"
	"github.com/hainaria/tryon-pipeline/internal/queue"
	"github.com/hainaria/tryon-pipeline/internal/store"
	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

func main() {
	age := flag.Duration("age", time.Hour, "minimum time a session must have sat in PROCESSING")
	dryRun := flag.Bool("dry-run", false, "list stuck sessions without enqueueing")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "load config", err)
	}

	ctx := context.Background()
	st, closeStore, err := infra.NewStore(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer closeStore()

	stuck, err := st.ListSessionsInStatus(ctx, schema.SessionProcessing, *age)
	if err != nil {
		fatal(logger, "list stuck sessions", err)
	}
	logger.Info("scanned sessions", "stuck", len(stuck), "age", *age)
	if len(stuck) == 0 {
		return
	}

	var bgQueue *queue.Queue
	if !*dryRun {
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			fatal(logger, "connect to NATS", err)
		}
		defer nc.Close()
		bgQueue, err = queue.New(nc, "TRYON_BG", schema.SubjectBGRemoval, queue.DefaultRetryPolicy(), logger)
		if err != nil {
			fatal(logger, "create queue", err)
		}
	}

	requeued := 0
	for _, sess := range stuck {
		rawURL, err := latestRawAsset(ctx, st, sess.ID)
		if err != nil {
			logger.Warn("skipping session without raw asset", "session_id", sess.ID, "err", err)
			continue
		}
		if *dryRun {
			logger.Info("would requeue", "session_id", sess.ID, "image_url", rawURL, "stuck_since", sess.UpdatedAt)
			continue
		}
		job := schema.Job{SessionID: sess.ID, ImageURL: rawURL, Kind: schema.JobKindBGRemoval}
		if err := bgQueue.Enqueue(ctx, job); err != nil {
			logger.Error("requeue failed", "session_id", sess.ID, "err", err)
			continue
		}
		requeued++
	}
	logger.Info("done", "requeued", requeued)
}

func latestRawAsset(ctx context.Context, st store.Store, sessionID string) (string, error) {
	assets, err := st.ListAssets(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for i := len(assets) - 1; i >= 0; i-- {
		if assets[i].Type == schema.AssetRaw {
			return assets[i].URL, nil
		}
	}
	return "", store.ErrNotFound
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

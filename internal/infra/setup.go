// internal/infra/setup.go

// Package infra builds the process-level dependencies the binaries share:
// the record store and the object store, selected from configuration.
package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hainaria/tryon-pipeline/internal/config"
	"github.com/hainaria/tryon-pipeline/internal/objstore"
	"github.com/hainaria/tryon-pipeline/internal/store"
)

// NewStore opens the session store. Without a DATABASE_URL it falls back to
// the in-memory store, which only suits single-process development runs.
func NewStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; sessions will not survive restarts")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

// NewObjectStore opens the configured object storage backend.
func NewObjectStore(ctx context.Context, cfg config.Config) (objstore.Store, error) {
	switch cfg.StorageBackend {
	case "minio":
		return objstore.NewMinioStore(ctx, objstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	case "fs":
		return objstore.NewFileStore(cfg.UploadDir, cfg.UploadURLBase)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

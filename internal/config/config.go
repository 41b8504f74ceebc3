// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	NATSURL     string
	DatabaseURL string

	RemoveBGURL      string
	TryOnURL         string
	ProcessorTimeout time.Duration

	StorageBackend string // "fs" or "minio"
	UploadDir      string
	UploadURLBase  string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	WorkerGroup    string
	MaxAttempts    int
	InitialBackoff time.Duration
	AckWait        time.Duration
	MaxInFlight    int
	PreviewWidth   int
	PreviewHeight  int

	APIAddr       string
	EncryptionKey string
}

func Load() (Config, error) {
	cfg := Config{
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		RemoveBGURL:    getenv("REMOVEBG_SERVICE_URL", "http://localhost:8000/removebg"),
		TryOnURL:       getenv("TRYON_SERVICE_URL", "http://localhost:8001/tryon"),
		StorageBackend: getenv("STORAGE_BACKEND", "fs"),
		UploadDir:      getenv("UPLOAD_DIR", "./data/uploads"),
		UploadURLBase:  getenv("UPLOAD_URL_BASE", "/uploads"),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "hainaria-assets"),
		MinioUseSSL:    getenv("MINIO_USE_SSL", "") == "true",
		WorkerGroup:    getenv("WORKER_GROUP", "tryon-workers"),
		APIAddr:        getenv("API_ADDR", ":4000"),
		EncryptionKey:  getenv("ENCRYPTION_KEY", ""),
	}

	switch cfg.StorageBackend {
	case "fs", "minio":
	default:
		return Config{}, fmt.Errorf("invalid STORAGE_BACKEND %q (want fs or minio)", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "minio" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "") {
		return Config{}, fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required for minio storage")
	}

	timeout, err := parsePositiveInt(getenv("PROCESSOR_TIMEOUT_SECONDS", "60"), "PROCESSOR_TIMEOUT_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.ProcessorTimeout = time.Duration(timeout) * time.Second

	attempts, err := parsePositiveInt(getenv("QUEUE_MAX_ATTEMPTS", "3"), "QUEUE_MAX_ATTEMPTS")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAttempts = attempts

	backoff, err := parsePositiveInt(getenv("QUEUE_BACKOFF_SECONDS", "5"), "QUEUE_BACKOFF_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.InitialBackoff = time.Duration(backoff) * time.Second

	ackWait, err := parsePositiveInt(getenv("QUEUE_ACK_WAIT_SECONDS", "120"), "QUEUE_ACK_WAIT_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.AckWait = time.Duration(ackWait) * time.Second

	// Unacked-delivery cap shared by the whole queue group, not per instance.
	inFlight, err := parsePositiveInt(getenv("QUEUE_MAX_IN_FLIGHT", "64"), "QUEUE_MAX_IN_FLIGHT")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxInFlight = inFlight

	width, err := parseNonNegativeInt(getenv("PREVIEW_WIDTH", "256"), "PREVIEW_WIDTH")
	if err != nil {
		return Config{}, err
	}
	cfg.PreviewWidth = width

	height, err := parseNonNegativeInt(getenv("PREVIEW_HEIGHT", "256"), "PREVIEW_HEIGHT")
	if err != nil {
		return Config{}, err
	}
	cfg.PreviewHeight = height

	return cfg, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseNonNegativeInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative (got %d)", name, v)
	}
	return v, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// internal/objstore/fs.go
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileStore keeps objects on the local filesystem under a base directory and
// serves URLs rooted at a configurable prefix (typically /uploads, matching
// how the storefront serves static files).
type FileStore struct {
	baseDir   string
	urlPrefix string
}

func NewFileStore(baseDir, urlPrefix string) (*FileStore, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("objstore: base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objstore: ensure base directory: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "/uploads"
	}
	return &FileStore{baseDir: baseDir, urlPrefix: strings.TrimSuffix(urlPrefix, "/")}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte, folder, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(path.Join(folder, filename))
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("objstore: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("objstore: write object: %w", err)
	}
	return s.urlPrefix + "/" + key, nil
}

func (s *FileStore) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimPrefix(url, s.urlPrefix+"/")
	if trimmed == url {
		trimmed = strings.TrimLeft(url, "/")
	}
	key, err := cleanKey(trimmed)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("objstore: open %s: %w", url, err)
	}
	return f, nil
}

// cleanKey normalizes a key and prevents escaping the storage root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", errors.New("objstore: key is required")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("objstore: invalid key %q", key)
	}
	return cleaned, nil
}

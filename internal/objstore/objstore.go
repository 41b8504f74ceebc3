// internal/objstore/objstore.go

// Package objstore persists produced images and serves job inputs. The
// worker only depends on the Store interface; production runs use the MinIO
// backend, development and tests use the filesystem backend.
package objstore

import (
	"context"
	"io"
)

type Store interface {
	// Put stores the bytes under folder/filename and returns the public URL
	// clients can fetch the object from.
	Put(ctx context.Context, data []byte, folder, filename string) (string, error)

	// Fetch opens the object a previously returned URL points at.
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Package source stores uploaded log files and streams them back to workers.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"log-processing-service/internal/config"
)

var (
	// ErrNotFound is returned when a ref names no stored file.
	ErrNotFound = errors.New("source file not found")
	// ErrInvalidRef is returned for refs that are empty or escape the store.
	ErrInvalidRef = errors.New("invalid file ref")
)

// Source is where uploaded files live between admission and processing.
type Source interface {
	// Save stores r under name and returns the ref to pass to Open and the bytes written.
	Save(ctx context.Context, name string, r io.Reader) (string, int64, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Remove deletes the file. Removing a missing file is not an error.
	Remove(ctx context.Context, ref string) error
}

// New builds the source selected by STORAGE_BACKEND.
func New(ctx context.Context, cfg config.Config) (Source, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "", "local":
		return NewLocal(cfg.UploadDir)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("STORAGE_BACKEND=s3 requires S3_BUCKET")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3(client, cfg.S3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

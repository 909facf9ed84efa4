// File: internal/artifacts/storage.go
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sightline/internal/config"
)

var (
	// ErrFileNotFound is returned when a requested blob does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidPath is returned for empty, absolute or escaping paths.
	ErrInvalidPath = errors.New("invalid path")
)

// BlobStorage stores screenshots and other run artifacts.
type BlobStorage interface {
	Upload(ctx context.Context, path string, reader io.Reader) error
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// GetURL returns a location the blob can be read from: a filesystem path
	// for local storage, a presigned URL for S3.
	GetURL(ctx context.Context, path string) (string, error)
}

// New builds the configured storage backend.
func New(ctx context.Context, cfg config.ArtifactsConfig, logger *zap.Logger) (BlobStorage, error) {
	switch cfg.Kind {
	case config.StorageLocal, "":
		return NewLocalStorage(cfg.LocalDir)
	case config.StorageS3:
		s, err := NewS3Storage(ctx, cfg.Bucket, cfg.Region, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		if cfg.PresignExpiry > 0 {
			s.presignExpiration = cfg.PresignExpiry
		}
		logger.Named("artifacts").Info("Archiving screenshots to S3.", zap.String("bucket", cfg.Bucket), zap.String("prefix", cfg.Prefix))
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Kind)
	}
}

// Save uploads data and returns the location reported by GetURL.
func Save(ctx context.Context, store BlobStorage, name string, data []byte) (string, error) {
	if err := store.Upload(ctx, name, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return store.GetURL(ctx, name)
}

// validatePath rejects empty, absolute and parent-escaping paths.
func validatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path cannot be empty", ErrInvalidPath)
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: absolute paths not allowed", ErrInvalidPath)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", fmt.Errorf("%w: path traversal detected", ErrInvalidPath)
	}
	return clean, nil
}

package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"doc-intake-go/internal/config"
)

// ErrObjectNotFound is returned when a key has no stored bytes
var ErrObjectNotFound = errors.New("blob object not found")

// Store keeps raw attachment bytes
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// NewFromConfig builds the configured backend
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "filesystem"
	}

	switch backend {
	case "filesystem", "fs", "local":
		return NewFilesystemStore(cfg.Path)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			Prefix:         cfg.S3Prefix,
			ForcePathStyle: cfg.S3Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", backend)
	}
}

// Key builds the content-addressed key of an attachment. Identical bytes
// under the same name in the same month map to the same key, so repeated
// puts overwrite rather than orphan.
func Key(accountID string, receivedAt time.Time, fingerprint, filename string) string {
	receivedAt = receivedAt.UTC()
	return path.Join(
		sanitize(accountID),
		fmt.Sprintf("%04d", receivedAt.Year()),
		fmt.Sprintf("%02d", int(receivedAt.Month())),
		fingerprint,
		sanitize(filename),
	)
}

func sanitize(segment string) string {
	segment = strings.TrimSpace(segment)
	segment = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(segment)
	if segment == "" {
		return "_"
	}
	return segment
}

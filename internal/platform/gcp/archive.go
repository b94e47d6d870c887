package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

// Archive keeps fetched page documents so retries skip the upstream download.
type Archive interface {
	Put(ctx context.Context, category, sourceID string, data []byte, mimeType string) (string, error)
	// Get returns apierr.ErrNotFound when nothing was archived yet.
	Get(ctx context.Context, category, sourceID string) ([]byte, string, error)
	Close() error
}

type ArchiveConfig struct {
	Bucket string
	// EmulatorHost points the client at fake-gcs-server (STORAGE_EMULATOR_HOST).
	EmulatorHost string
	Timeout      time.Duration
}

func ArchiveConfigFromEnv() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       envutil.String("GCS_ARCHIVE_BUCKET", ""),
		EmulatorHost: strings.TrimRight(envutil.String("STORAGE_EMULATOR_HOST", ""), "/"),
		Timeout:      envutil.Duration("GCS_ARCHIVE_TIMEOUT", 2*time.Minute),
	}
}

func (c ArchiveConfig) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

// ObjectKey is {category}/{source_id}.
func ObjectKey(category, sourceID string) string {
	return strings.Trim(strings.TrimSpace(category), "/") + "/" + strings.Trim(strings.TrimSpace(sourceID), "/")
}

func ObjectURI(bucket, category, sourceID string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, ObjectKey(category, sourceID))
}

type archiveService struct {
	log     *logger.Logger
	client  *storage.Client
	bucket  string
	timeout time.Duration
}

func NewArchive(ctx context.Context, log *logger.Logger, cfg ArchiveConfig) (Archive, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("missing env var GCS_ARCHIVE_BUCKET")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	slog := log.With("service", "gcp.Archive")

	var opts []option.ClientOption
	if cfg.EmulatorHost != "" {
		// storage.NewClient reads STORAGE_EMULATOR_HOST itself.
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(ClientOptionsFromEnv(), option.WithScopes(storage.ScopeReadWrite))
	}
	c, err := storage.NewClient(ctxutil.Default(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	slog.Info("Document archive initialized", "bucket", cfg.Bucket, "emulator_host", cfg.EmulatorHost)
	return &archiveService{log: slog, client: c, bucket: cfg.Bucket, timeout: cfg.Timeout}, nil
}

func (a *archiveService) Close() error {
	if a == nil || a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *archiveService) Put(ctx context.Context, category, sourceID string, data []byte, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), a.timeout)
	defer cancel()

	key := ObjectKey(category, sourceID)
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer %s: %w", key, err)
	}
	return ObjectURI(a.bucket, category, sourceID), nil
}

func (a *archiveService) Get(ctx context.Context, category, sourceID string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), a.timeout)
	defer cancel()

	key := ObjectKey(category, sourceID)
	r, err := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", fmt.Errorf("%s: %w", key, apierr.ErrNotFound)
		}
		return nil, "", fmt.Errorf("open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", key, err)
	}
	return data, r.Attrs.ContentType, nil
}

// Package storage holds finished export artifacts. Local disk stores are
// served through signed download tokens; object stores hand out their own
// presigned URLs.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"report-export/internal/domain"
)

// Config selects and configures an artifact store.
type Config struct {
	Backend string // local, s3, gcs or azure

	LocalDir string

	S3Endpoint string
	S3Region   string
	S3KeyID    string
	S3Secret   string
	S3Bucket   string

	GCSBucket  string
	GCSKeyFile string

	AzureAccountName string
	AzureAccountKey  string
	AzureContainer   string
}

// New creates the store named by cfg.Backend.
func New(ctx context.Context, cfg Config) (domain.ArtifactStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "s3":
		return NewS3Store(cfg.S3Endpoint, cfg.S3Region, cfg.S3KeyID, cfg.S3Secret, cfg.S3Bucket)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSKeyFile)
	case "azure":
		return NewAzureStore(cfg.AzureAccountName, cfg.AzureAccountKey, cfg.AzureContainer)
	}
	return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Backend)
}

// parseObjectURI splits "<scheme>://bucket/key" into bucket and key.
func parseObjectURI(scheme, uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse location %q: %w", uri, err)
	}
	if u.Scheme != scheme {
		return "", "", fmt.Errorf("expected %s:// scheme, got %q in %q", scheme, u.Scheme, uri)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("incomplete location %q", uri)
	}
	return bucket, key, nil
}

func contentDisposition(fileName string) string {
	return fmt.Sprintf("attachment; filename=%q", fileName)
}

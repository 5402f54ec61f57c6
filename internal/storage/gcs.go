package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"report-export/internal/domain"
)

var _ domain.ArtifactStore = (*GCSStore)(nil)

// GCSStore keeps artifacts in a Google Cloud Storage bucket. Locations are
// gs://bucket/key URIs.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a store authenticated with a service account key file.
func NewGCSStore(ctx context.Context, bucket, keyFile string) (*GCSStore, error) {
	if bucket == "" || keyFile == "" {
		return nil, errors.New("GCS config is incomplete")
	}
	client, err := storage.NewClient(ctx, option.WithAuthCredentialsFile(option.ServiceAccount, keyFile))
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads localPath to key.
func (s *GCSStore) Put(ctx context.Context, key, localPath, contentType string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return "", 0, fmt.Errorf("upload gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("finish upload gs://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), n, nil
}

// DownloadURL signs a GET valid until expiresAt.
func (s *GCSStore) DownloadURL(_ context.Context, location, fileName string, expiresAt time.Time) (string, error) {
	bucket, key, err := parseObjectURI("gs", location)
	if err != nil {
		return "", err
	}
	signed, err := s.client.Bucket(bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:          "GET",
		Expires:         expiresAt,
		QueryParameters: url.Values{"response-content-disposition": {contentDisposition(fileName)}},
	})
	if err != nil {
		return "", fmt.Errorf("sign GetObject for %q: %w", location, err)
	}
	return signed, nil
}

// Open streams the object.
func (s *GCSStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := parseObjectURI("gs", location)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, domain.ErrNotFound("artifact %q not found", location)
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", location, err)
	}
	return r, nil
}

// Delete removes the object.
func (s *GCSStore) Delete(ctx context.Context, location string) error {
	bucket, key, err := parseObjectURI("gs", location)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return domain.ErrNotFound("artifact %q not found", location)
	}
	return err
}

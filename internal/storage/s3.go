package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"report-export/internal/domain"
)

var _ domain.ArtifactStore = (*S3Store)(nil)

// S3Store keeps artifacts in an S3-compatible bucket. Locations are
// s3://bucket/key URIs.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	now     func() time.Time
}

// NewS3Store creates a store for an S3-compatible endpoint using path-style
// addressing.
func NewS3Store(endpoint, region, keyID, secret, bucket string) (*S3Store, error) {
	if endpoint == "" || keyID == "" || secret == "" || bucket == "" {
		return nil, errors.New("S3 config is incomplete")
	}
	if region == "" {
		region = "us-east-1"
	}
	client := s3.New(s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(keyID, secret, ""),
		BaseEndpoint: aws.String("https://" + endpoint),
		UsePathStyle: true,
	})
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		now:     time.Now,
	}, nil
}

// Put uploads localPath to key.
func (s *S3Store) Put(ctx context.Context, key, localPath, contentType string) (string, int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", 0, fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), info.Size(), nil
}

// DownloadURL presigns a GET valid until expiresAt.
func (s *S3Store) DownloadURL(ctx context.Context, location, fileName string, expiresAt time.Time) (string, error) {
	bucket, key, err := parseObjectURI("s3", location)
	if err != nil {
		return "", err
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return "", domain.ErrExpired("download link for %q has expired", location)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(contentDisposition(fileName)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign GetObject for %q: %w", location, err)
	}
	return req.URL, nil
}

// Open streams the object.
func (s *S3Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, err := parseObjectURI("s3", location)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrNotFound("artifact %q not found", location)
		}
		return nil, fmt.Errorf("get %q: %w", location, err)
	}
	return out.Body, nil
}

// Delete removes the object.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	bucket, key, err := parseObjectURI("s3", location)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
		return fmt.Errorf("delete %q: %w", location, err)
	}
	return nil
}

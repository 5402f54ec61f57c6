package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"report-export/internal/domain"
)

var _ domain.ArtifactStore = (*LocalStore)(nil)

// LocalStore keeps artifacts under a directory. Locations are keys relative
// to it.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", domain.ErrNotFound("artifact %q not found", location)
	}
	return filepath.Join(s.dir, clean), nil
}

// Put copies localPath into the store under key.
func (s *LocalStore) Put(_ context.Context, key, localPath, _ string) (string, int64, error) {
	dst, err := s.path(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", 0, fmt.Errorf("create artifact dir: %w", err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return "", 0, err
	}
	defer in.Close() //nolint:errcheck

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", 0, fmt.Errorf("publish artifact: %w", err)
	}
	return filepath.ToSlash(filepath.Clean(key)), n, nil
}

// DownloadURL always returns domain.ErrNoDirectURL.
func (s *LocalStore) DownloadURL(context.Context, string, string, time.Time) (string, error) {
	return "", domain.ErrNoDirectURL
}

// Open opens the artifact for reading.
func (s *LocalStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	p, err := s.path(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound("artifact %q not found", location)
	}
	return f, err
}

// Delete removes the artifact.
func (s *LocalStore) Delete(_ context.Context, location string) error {
	p, err := s.path(location)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ErrNotFound("artifact %q not found", location)
	}
	return err
}

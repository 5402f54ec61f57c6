// Package testutil provides shared fakes of domain interfaces and fixture
// helpers for tests across the codebase.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"report-export/internal/domain"
)

// === Artifact Store ===

// MemoryStore implements domain.ArtifactStore in memory. It has no direct
// download URLs unless URLPrefix is set.
type MemoryStore struct {
	URLPrefix string
	PutErr    error

	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put implements domain.ArtifactStore.
func (m *MemoryStore) Put(_ context.Context, key, localPath, _ string) (string, int64, error) {
	if m.PutErr != nil {
		return "", 0, m.PutErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return key, int64(len(data)), nil
}

// DownloadURL implements domain.ArtifactStore.
func (m *MemoryStore) DownloadURL(_ context.Context, location, _ string, _ time.Time) (string, error) {
	if m.URLPrefix == "" {
		return "", domain.ErrNoDirectURL
	}
	return m.URLPrefix + location, nil
}

// Open implements domain.ArtifactStore.
func (m *MemoryStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	data, ok := m.Object(location)
	if !ok {
		return nil, domain.ErrNotFound("artifact %q not found", location)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete implements domain.ArtifactStore.
func (m *MemoryStore) Delete(_ context.Context, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[location]; !ok {
		return domain.ErrNotFound("artifact %q not found", location)
	}
	delete(m.objects, location)
	m.deleted = append(m.deleted, location)
	return nil
}

// Object returns the stored bytes for location.
func (m *MemoryStore) Object(location string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[location]
	return data, ok
}

// Deleted returns the locations deleted so far.
func (m *MemoryStore) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// === Notifier ===

// RecordingNotifier implements domain.Notifier and records job ids.
type RecordingNotifier struct {
	Err error

	mu        sync.Mutex
	completed []string
	failed    []string
}

// NotifyCompleted implements domain.Notifier.
func (n *RecordingNotifier) NotifyCompleted(_ context.Context, job *domain.ReportJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
	return n.Err
}

// NotifyFailed implements domain.Notifier.
func (n *RecordingNotifier) NotifyFailed(_ context.Context, job *domain.ReportJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ID)
	return n.Err
}

// Completed returns the ids of completion notifications.
func (n *RecordingNotifier) Completed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.completed...)
}

// Failed returns the ids of failure notifications.
func (n *RecordingNotifier) Failed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.failed...)
}

// === Row Source ===

// ErrInjected is the error returned by FlakyRowSource.
var ErrInjected = errors.New("injected fetch failure")

// FlakyRowSource wraps a domain.RowSource, records every fetched window and
// fails FetchWindow when FailOn returns true for the call number (1-based).
type FlakyRowSource struct {
	Inner  domain.RowSource
	FailOn func(call int) bool

	mu      sync.Mutex
	calls   int
	offsets []int64
	counts  int
}

// Count implements domain.RowSource.
func (f *FlakyRowSource) Count(ctx context.Context, q domain.Query) (int64, error) {
	f.mu.Lock()
	f.counts++
	f.mu.Unlock()
	return f.Inner.Count(ctx, q)
}

// FetchWindow implements domain.RowSource.
func (f *FlakyRowSource) FetchWindow(ctx context.Context, q domain.Query, offset, limit int64) ([]domain.Row, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.FailOn != nil && f.FailOn(call)
	if !fail {
		f.offsets = append(f.offsets, offset)
	}
	f.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return f.Inner.FetchWindow(ctx, q, offset, limit)
}

// ListEntities implements domain.RowSource.
func (f *FlakyRowSource) ListEntities(ctx context.Context, q domain.Query) ([]domain.Entity, error) {
	return f.Inner.ListEntities(ctx, q)
}

// Offsets returns the offsets of successful fetches in call order.
func (f *FlakyRowSource) Offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets...)
}

// Counts returns how many count passes ran.
func (f *FlakyRowSource) Counts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// Reset clears the recorded calls.
func (f *FlakyRowSource) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls, f.counts, f.offsets = 0, 0, nil
}

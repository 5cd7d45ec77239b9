// Package blob implements a content-addressable binary object store on the
// local filesystem. Handles are hex SHA-256 digests, so storing identical
// content twice is naturally idempotent.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the handle does not resolve to stored content.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidHandle indicates a handle that is not a hex SHA-256 digest.
	ErrInvalidHandle = errors.New("blob: invalid handle")

	errMissingRoot = errors.New("blob: root directory is required")
)

// PendingDelete queues a blob whose removal failed inline; the janitor drains
// the queue out of band (metadata rows are already gone by the time an entry
// is written here, so readers never see a dangling handle).
type PendingDelete struct {
	Handle           string `gorm:"column:handle;primaryKey;size:64;not null"`
	QueuedAtSeconds  int64  `gorm:"column:queued_at_s;not null"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	LastErrorMessage string `gorm:"column:last_error;size:512"`
}

// TableName provides the explicit table binding for GORM.
func (PendingDelete) TableName() string {
	return "pending_blob_deletes"
}

// StoreConfig describes the dependencies of the blob store.
type StoreConfig struct {
	Root     string
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the content-addressable blob store adapter.
type Store struct {
	root   string
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store rooted at the given directory, creating it if
// necessary.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Root == "" {
		return nil, errMissingRoot
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: cfg.Root, db: cfg.Database, clock: clock, logger: logger}, nil
}

// Put writes content and returns its handle. A handle either resolves fully
// or not at all: content lands under a temporary name and is renamed into
// place, so partially written blobs are never visible.
func (s *Store) Put(_ context.Context, content []byte) (string, error) {
	digest := sha256.Sum256(content)
	handle := hex.EncodeToString(digest[:])

	path := s.pathFor(handle)
	if _, err := os.Stat(path); err == nil {
		return handle, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: create shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("blob: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blob: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("blob: publish blob: %w", err)
	}
	return handle, nil
}

// Get returns the content for a handle.
func (s *Store) Get(_ context.Context, handle string) ([]byte, error) {
	if !validHandle(handle) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	content, err := os.ReadFile(s.pathFor(handle))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	return content, nil
}

// Exists reports whether a handle resolves to stored content.
func (s *Store) Exists(_ context.Context, handle string) bool {
	if !validHandle(handle) {
		return false
	}
	_, err := os.Stat(s.pathFor(handle))
	return err == nil
}

// Delete removes the content for a handle. Missing content is not an error.
func (s *Store) Delete(_ context.Context, handle string) error {
	if !validHandle(handle) {
		return fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	err := os.Remove(s.pathFor(handle))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

// Remove releases a set of handles without ever blocking the caller on a
// failure: handles that cannot be removed inline are queued for the janitor.
func (s *Store) Remove(ctx context.Context, handles []string) {
	for _, handle := range handles {
		if err := s.Delete(ctx, handle); err != nil {
			s.logger.Warn("inline blob delete failed, queueing retry",
				zap.String("handle", handle), zap.Error(err))
			s.queueDelete(ctx, handle, err)
		}
	}
}

// DrainPendingDeletes retries queued deletions. Entries that succeed are
// dropped from the queue; entries that fail again stay with an incremented
// attempt count. Returns the number of handles released.
func (s *Store) DrainPendingDeletes(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var pending []PendingDelete
	if err := s.db.WithContext(ctx).Order("queued_at_s ASC").Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("blob: list pending deletes: %w", err)
	}

	released := 0
	for _, entry := range pending {
		if err := s.Delete(ctx, entry.Handle); err != nil {
			updates := map[string]any{
				"attempts":   entry.Attempts + 1,
				"last_error": err.Error(),
			}
			if updateErr := s.db.WithContext(ctx).Model(&PendingDelete{}).
				Where("handle = ?", entry.Handle).Updates(updates).Error; updateErr != nil {
				s.logger.Warn("pending delete bookkeeping failed", zap.Error(updateErr))
			}
			continue
		}
		if err := s.db.WithContext(ctx).Delete(&PendingDelete{}, "handle = ?", entry.Handle).Error; err != nil {
			s.logger.Warn("pending delete dequeue failed", zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

// Age reports how long ago the handle's content was written, if it exists.
func (s *Store) Age(handle string) (time.Duration, bool) {
	if !validHandle(handle) {
		return 0, false
	}
	info, err := os.Stat(s.pathFor(handle))
	if err != nil {
		return 0, false
	}
	return s.clock().Sub(info.ModTime()), true
}

// ListHandles walks the store and reports every stored handle. Used by the
// orphan sweep.
func (s *Store) ListHandles(_ context.Context) ([]string, error) {
	var handles []string
	err := filepath.WalkDir(s.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if validHandle(name) {
			handles = append(handles, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: walk store: %w", err)
	}
	return handles, nil
}

func (s *Store) queueDelete(ctx context.Context, handle string, cause error) {
	if s.db == nil {
		return
	}
	entry := PendingDelete{
		Handle:           handle,
		QueuedAtSeconds:  s.clock().UTC().Unix(),
		Attempts:         1,
		LastErrorMessage: cause.Error(),
	}
	if err := s.db.WithContext(ctx).Where("handle = ?", handle).FirstOrCreate(&entry).Error; err != nil {
		s.logger.Error("failed to queue blob delete", zap.String("handle", handle), zap.Error(err))
	}
}

func (s *Store) pathFor(handle string) string {
	// Two-level fan-out keeps directory sizes bounded.
	return filepath.Join(s.root, handle[:2], handle[2:4], handle)
}

func validHandle(handle string) bool {
	if len(handle) != 64 {
		return false
	}
	_, err := hex.DecodeString(handle)
	return err == nil
}

package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingLedgerDatabase = errors.New("resource: database handle is required")
	// ErrResourceDeleted indicates the owner deleted this resource; uploads for it are refused.
	ErrResourceDeleted = errors.New("resource: resource was deleted by owner")
)

// BlobRemover releases blob content referenced by discarded ledger rows.
// Implementations must not block on downstream failures; a failed removal is
// queued for retry out of band.
type BlobRemover interface {
	Remove(ctx context.Context, handles []string)
}

// LedgerConfig describes the dependencies of the revision ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Blobs    BlobRemover
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger is the authoritative, append-only record of per-resource revisions.
type Ledger struct {
	db     *gorm.DB
	blobs  BlobRemover
	clock  func() time.Time
	logger *zap.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingLedgerDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:     cfg.Database,
		blobs:  cfg.Blobs,
		clock:  clock,
		logger: logger,
	}, nil
}

// AppendResult reports the outcome of a TryAppend call.
type AppendResult struct {
	Accepted bool
	// FromRevision holds the lowest colliding revision when Accepted is false.
	FromRevision int64
}

// TryAppend appends one revision if it is strictly greater than the highest
// revision stored for (owner, resource). A colliding append leaves the ledger
// untouched and reports the collision point.
func (l *Ledger) TryAppend(ctx context.Context, rec Record) (AppendResult, error) {
	if rec.Revision <= 0 {
		return AppendResult{}, fmt.Errorf("%w: %d", ErrInvalidRevision, rec.Revision)
	}

	deleted, err := l.IsDeleted(ctx, rec.OwnerID, rec.ResourceID)
	if err != nil {
		return AppendResult{}, err
	}
	if deleted {
		return AppendResult{}, ErrResourceDeleted
	}

	maxRevision, exists, err := l.MaxRevision(ctx, rec.OwnerID, rec.ResourceID)
	if err != nil {
		return AppendResult{}, err
	}
	if exists && rec.Revision <= maxRevision {
		return AppendResult{Accepted: false, FromRevision: rec.Revision}, nil
	}

	if rec.UploadedAtSeconds == 0 {
		rec.UploadedAtSeconds = l.clock().UTC().Unix()
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return AppendResult{}, fmt.Errorf("resource: append revision: %w", err)
	}
	return AppendResult{Accepted: true}, nil
}

// MaxRevision returns the highest stored revision for (owner, resource) and
// whether any revision exists at all.
func (l *Ledger) MaxRevision(ctx context.Context, ownerID, resourceID string) (int64, bool, error) {
	var row struct {
		MaxRevision *int64
	}
	err := l.db.WithContext(ctx).
		Model(&Record{}).
		Select("MAX(revision) AS max_revision").
		Where("owner_id = ? AND resource_id = ?", ownerID, resourceID).
		Scan(&row).Error
	if err != nil {
		return 0, false, fmt.Errorf("resource: max revision: %w", err)
	}
	if row.MaxRevision == nil {
		return 0, false, nil
	}
	return *row.MaxRevision, true, nil
}

// ListRange returns all stored revisions >= fromRevision for (owner, resource),
// ordered by revision.
func (l *Ledger) ListRange(ctx context.Context, ownerID, resourceID string, fromRevision int64) ([]Record, error) {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("owner_id = ? AND resource_id = ? AND revision >= ?", ownerID, resourceID, fromRevision).
		Order("revision ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("resource: list range: %w", err)
	}
	return records, nil
}

// DeleteFrom discards stored revisions >= fromRevision for (owner, resource).
// Ledger rows are removed before blob content so no reader can observe a
// dangling handle; blob removal never blocks the caller.
func (l *Ledger) DeleteFrom(ctx context.Context, ownerID, resourceID string, fromRevision int64) error {
	doomed, err := l.ListRange(ctx, ownerID, resourceID, fromRevision)
	if err != nil {
		return err
	}
	if len(doomed) == 0 {
		return nil
	}

	err = l.db.WithContext(ctx).
		Where("owner_id = ? AND resource_id = ? AND revision >= ?", ownerID, resourceID, fromRevision).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("resource: delete range: %w", err)
	}

	l.removeBlobs(ctx, doomed)
	return nil
}

// MarkDeleted removes every revision of the resource and writes a tombstone so
// other devices stop re-uploading it. Idempotent.
func (l *Ledger) MarkDeleted(ctx context.Context, ownerID, resourceID string) error {
	if err := l.DeleteFrom(ctx, ownerID, resourceID, 0); err != nil {
		return err
	}

	tombstone := Tombstone{
		OwnerID:          ownerID,
		ResourceID:       resourceID,
		DeletedAtSeconds: l.clock().UTC().Unix(),
	}
	err := l.db.WithContext(ctx).
		Where("owner_id = ? AND resource_id = ?", ownerID, resourceID).
		FirstOrCreate(&tombstone).Error
	if err != nil {
		return fmt.Errorf("resource: write tombstone: %w", err)
	}
	return nil
}

// IsDeleted reports whether a tombstone exists for (owner, resource).
func (l *Ledger) IsDeleted(ctx context.Context, ownerID, resourceID string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&Tombstone{}).
		Where("owner_id = ? AND resource_id = ?", ownerID, resourceID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("resource: tombstone lookup: %w", err)
	}
	return count > 0, nil
}

// TombstonesSince lists resources the owner deleted after the given watermark.
func (l *Ledger) TombstonesSince(ctx context.Context, ownerID string, since int64) ([]Tombstone, error) {
	var tombstones []Tombstone
	err := l.db.WithContext(ctx).
		Where("owner_id = ? AND deleted_at_s > ?", ownerID, since).
		Order("deleted_at_s ASC").
		Find(&tombstones).Error
	if err != nil {
		return nil, fmt.Errorf("resource: tombstones since: %w", err)
	}
	return tombstones, nil
}

// ClearResource drops the private revision history of a resource without
// writing a tombstone. Used after publication so subsequent sync cycles stop
// offering the resource as a private revision.
func (l *Ledger) ClearResource(ctx context.Context, ownerID, resourceID string) error {
	doomed, err := l.ListRange(ctx, ownerID, resourceID, 0)
	if err != nil {
		return err
	}
	if len(doomed) == 0 {
		return nil
	}
	err = l.db.WithContext(ctx).
		Where("owner_id = ? AND resource_id = ?", ownerID, resourceID).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("resource: clear resource: %w", err)
	}
	l.removeBlobs(ctx, doomed)
	return nil
}

func (l *Ledger) removeBlobs(ctx context.Context, records []Record) {
	if l.blobs == nil {
		return
	}
	handles := make([]string, 0, len(records))
	for _, record := range records {
		if record.BlobHandle != "" {
			handles = append(handles, record.BlobHandle)
		}
	}
	if len(handles) == 0 {
		return
	}
	l.blobs.Remove(ctx, handles)
	l.logger.Debug("released blobs for discarded revisions", zap.Int("count", len(handles)))
}

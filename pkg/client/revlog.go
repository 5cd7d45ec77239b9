package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/barrageforge/barrage/pkg/api"
)

var errMissingLogDatabase = errors.New("client: database handle is required")

// LocalRevision mirrors one server-side revision row on the device. Pending
// rows were created locally and not yet accepted by the server; fetched rows
// carry the blob content, and a record whose blob has not arrived yet is not
// usable by the game even though its metadata is known.
type LocalRevision struct {
	ResourceID       string `gorm:"column:resource_id;primaryKey;size:36;not null"`
	Revision         int64  `gorm:"column:revision;primaryKey;not null"`
	Kind             string `gorm:"column:kind;size:32;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	BlobHandle       string `gorm:"column:blob_handle;size:64"`
	Blob             []byte `gorm:"column:blob"`
	Pending          bool   `gorm:"column:pending;not null;default:false;index"`
	Fetched          bool   `gorm:"column:fetched;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (LocalRevision) TableName() string {
	return "local_revisions"
}

// PendingConflict remembers a server-reported collision until the user picks
// a policy. FromRevision bounds what a keep-server resolution may discard.
type PendingConflict struct {
	ResourceID   string `gorm:"column:resource_id;primaryKey;size:36;not null"`
	FromRevision int64  `gorm:"column:from_revision;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingConflict) TableName() string {
	return "pending_conflicts"
}

// SyncWatermark stores the per-domain last-successful-sync timestamp.
type SyncWatermark struct {
	Domain          string `gorm:"column:domain;primaryKey;size:32;not null"`
	LastSyncSeconds int64  `gorm:"column:last_sync_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncWatermark) TableName() string {
	return "sync_watermarks"
}

// RevisionLogConfig describes the dependencies of the local revision log.
type RevisionLogConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// RevisionLog is the device-local ledger mirror. It decides what must be
// uploaded and prevents re-downloading revisions the device already owns.
type RevisionLog struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewRevisionLog constructs the log and migrates its tables.
func NewRevisionLog(cfg RevisionLogConfig) (*RevisionLog, error) {
	if cfg.Database == nil {
		return nil, errMissingLogDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if err := cfg.Database.AutoMigrate(&LocalRevision{}, &PendingConflict{}, &SyncWatermark{}); err != nil {
		return nil, fmt.Errorf("client: migrate revision log: %w", err)
	}
	return &RevisionLog{db: cfg.Database, clock: clock}, nil
}

// RecordLocalEdit appends the next revision for a resource with the given
// content and marks it pending upload.
func (l *RevisionLog) RecordLocalEdit(ctx context.Context, resourceID, kind string, content []byte) (LocalRevision, error) {
	var maxRevision int64
	err := l.db.WithContext(ctx).
		Model(&LocalRevision{}).
		Where("resource_id = ?", resourceID).
		Select("COALESCE(MAX(revision), 0)").
		Scan(&maxRevision).Error
	if err != nil {
		return LocalRevision{}, fmt.Errorf("client: max revision: %w", err)
	}

	row := LocalRevision{
		ResourceID:       resourceID,
		Revision:         maxRevision + 1,
		Kind:             kind,
		CreatedAtSeconds: l.clock().Unix(),
		Blob:             content,
		Pending:          true,
		Fetched:          true,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return LocalRevision{}, fmt.Errorf("client: record edit: %w", err)
	}
	return row, nil
}

// PendingUploads builds the upload batches for the next resource sync.
func (l *RevisionLog) PendingUploads(ctx context.Context) ([]api.RevisionBatch, error) {
	var rows []LocalRevision
	err := l.db.WithContext(ctx).
		Where("pending = ?", true).
		Order("resource_id ASC, revision ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("client: pending uploads: %w", err)
	}

	var batches []api.RevisionBatch
	index := make(map[string]int)
	for _, row := range rows {
		position, ok := index[row.ResourceID]
		if !ok {
			position = len(batches)
			index[row.ResourceID] = position
			batches = append(batches, api.RevisionBatch{ResourceID: row.ResourceID, Kind: row.Kind})
		}
		batches[position].Revisions = append(batches[position].Revisions, api.RevisionPayload{
			Revision:         row.Revision,
			CreatedAtSeconds: row.CreatedAtSeconds,
			Blob:             row.Blob,
		})
	}
	return batches, nil
}

// MarkAccepted flips the accepted revisions from pending to synced and
// records the server-assigned blob handles.
func (l *RevisionLog) MarkAccepted(ctx context.Context, refs []api.RevisionRef) error {
	for _, ref := range refs {
		err := l.db.WithContext(ctx).
			Model(&LocalRevision{}).
			Where("resource_id = ? AND revision = ?", ref.ResourceID, ref.Revision).
			Updates(map[string]any{"pending": false, "blob_handle": ref.BlobHandle}).Error
		if err != nil {
			return fmt.Errorf("client: mark accepted: %w", err)
		}
	}
	return nil
}

// ApplyServerRecords stores downloaded revision metadata. The blob arrives
// separately; Fetched stays false until SetBlob runs.
func (l *RevisionLog) ApplyServerRecords(ctx context.Context, refs []api.RevisionRef) error {
	for _, ref := range refs {
		var existing LocalRevision
		err := l.db.WithContext(ctx).
			Where("resource_id = ? AND revision = ?", ref.ResourceID, ref.Revision).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("client: apply server record: %w", err)
		}
		row := LocalRevision{
			ResourceID:       ref.ResourceID,
			Revision:         ref.Revision,
			Kind:             ref.Kind,
			CreatedAtSeconds: ref.CreatedAtSeconds,
			BlobHandle:       ref.BlobHandle,
		}
		if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("client: apply server record: %w", err)
		}
	}
	return nil
}

// SetBlob attaches fetched blob content to a stored record, completing it.
func (l *RevisionLog) SetBlob(ctx context.Context, resourceID string, revision int64, content []byte) error {
	err := l.db.WithContext(ctx).
		Model(&LocalRevision{}).
		Where("resource_id = ? AND revision = ?", resourceID, revision).
		Updates(map[string]any{"blob": content, "fetched": true}).Error
	if err != nil {
		return fmt.Errorf("client: set blob: %w", err)
	}
	return nil
}

// Unfetched lists records whose metadata arrived but whose blob has not.
func (l *RevisionLog) Unfetched(ctx context.Context) ([]LocalRevision, error) {
	var rows []LocalRevision
	err := l.db.WithContext(ctx).
		Where("fetched = ? AND blob_handle <> ''", false).
		Order("resource_id ASC, revision ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("client: unfetched list: %w", err)
	}
	return rows, nil
}

// RecordConflicts stores the collision points the server reported so a later
// keep-server resolution knows where the shared history ends.
func (l *RevisionLog) RecordConflicts(ctx context.Context, conflicts []api.ConflictRecord) error {
	for _, conflict := range conflicts {
		row := PendingConflict{ResourceID: conflict.ResourceID, FromRevision: conflict.FromRevision}
		if err := l.db.WithContext(ctx).Save(&row).Error; err != nil {
			return fmt.Errorf("client: record conflict: %w", err)
		}
	}
	return nil
}

// ConflictFrom returns the stored collision point for a resource; zero when
// no collision is on record.
func (l *RevisionLog) ConflictFrom(ctx context.Context, resourceID string) (int64, error) {
	var row PendingConflict
	err := l.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("client: conflict read: %w", err)
	}
	return row.FromRevision, nil
}

// ClearConflict drops the stored collision point once a policy was applied.
func (l *RevisionLog) ClearConflict(ctx context.Context, resourceID string) error {
	err := l.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Delete(&PendingConflict{}).Error
	if err != nil {
		return fmt.Errorf("client: clear conflict: %w", err)
	}
	return nil
}

// DiscardFrom drops pending local revisions at or above fromRevision for a
// resource, used when the user resolves a conflict with keep-server. Revisions
// the server already accepted are never discarded.
func (l *RevisionLog) DiscardFrom(ctx context.Context, resourceID string, fromRevision int64) error {
	err := l.db.WithContext(ctx).
		Where("resource_id = ? AND revision >= ? AND pending = ?", resourceID, fromRevision, true).
		Delete(&LocalRevision{}).Error
	if err != nil {
		return fmt.Errorf("client: discard from: %w", err)
	}
	return nil
}

// RemoveResources drops all local state for resources deleted elsewhere.
func (l *RevisionLog) RemoveResources(ctx context.Context, resourceIDs []string) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	err := l.db.WithContext(ctx).
		Where("resource_id IN ?", resourceIDs).
		Delete(&LocalRevision{}).Error
	if err != nil {
		return fmt.Errorf("client: remove resources: %w", err)
	}
	return nil
}

// Revisions lists the stored revisions of one resource, ascending.
func (l *RevisionLog) Revisions(ctx context.Context, resourceID string) ([]LocalRevision, error) {
	var rows []LocalRevision
	err := l.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("revision ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("client: revision list: %w", err)
	}
	return rows, nil
}

// Watermark reads the last successful sync time for a domain; zero when the
// domain never synced.
func (l *RevisionLog) Watermark(ctx context.Context, domain string) (int64, error) {
	var row SyncWatermark
	err := l.db.WithContext(ctx).Where("domain = ?", domain).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("client: watermark read: %w", err)
	}
	return row.LastSyncSeconds, nil
}

// AdvanceWatermark moves a domain's watermark forward. Regressions are
// ignored so a stale response can never roll the domain back.
func (l *RevisionLog) AdvanceWatermark(ctx context.Context, domain string, syncTime int64) error {
	current, err := l.Watermark(ctx, domain)
	if err != nil {
		return err
	}
	if syncTime <= current {
		return nil
	}
	row := SyncWatermark{Domain: domain, LastSyncSeconds: syncTime}
	err = l.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return fmt.Errorf("client: watermark write: %w", err)
	}
	return nil
}

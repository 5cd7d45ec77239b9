package publish

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/deltasync"
	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/store"
)

var errMissingDownloadDelta = errors.New("publish: delta engine is required")

// BlobRef points a client at one published blob to fetch.
type BlobRef struct {
	ResourceID         string        `json:"resource_id"`
	Kind               resource.Kind `json:"kind"`
	Name               string        `json:"name"`
	BlobHandle         string        `json:"blob_handle"`
	PublishedAtSeconds int64         `json:"published_at_s"`
}

// DownloadSet is one page of published content changed since the client's
// watermark, expanded to the full dependency closure so a level never arrives
// without the bullets and enemies it references.
type DownloadSet struct {
	Refs            []BlobRef
	FetchedAll      bool
	SyncTimeSeconds int64
}

// DownloadServiceConfig describes the dependencies of the download service.
type DownloadServiceConfig struct {
	Database *gorm.DB
	Delta    *deltasync.Engine[PublishedDefinition]
	Logger   *zap.Logger
}

// DownloadService computes incremental published-content downloads.
type DownloadService struct {
	db     *gorm.DB
	delta  *deltasync.Engine[PublishedDefinition]
	logger *zap.Logger
}

// NewDownloadService constructs a DownloadService.
func NewDownloadService(cfg DownloadServiceConfig) (*DownloadService, error) {
	if cfg.Database == nil {
		return nil, errMissingCoordinatorDatabase
	}
	if cfg.Delta == nil {
		return nil, errMissingDownloadDelta
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadService{db: cfg.Database, delta: cfg.Delta, logger: logger}, nil
}

// ComputeDownloads returns the next page of published content changed after
// since, plus the dependency closure of every record in the page.
func (s *DownloadService) ComputeDownloads(ctx context.Context, since int64) (DownloadSet, error) {
	delta, err := s.delta.ComputeDelta(ctx, "", since)
	if err != nil {
		return DownloadSet{}, err
	}

	set := DownloadSet{FetchedAll: delta.FetchedAll, SyncTimeSeconds: delta.NewWatermark}
	seen := make(map[string]struct{}, len(delta.Records))
	queue := make([]string, 0, len(delta.Records))

	for _, record := range delta.Records {
		set.Refs = append(set.Refs, blobRef(record))
		seen[record.ResourceID] = struct{}{}
		queue = append(queue, record.ResourceID)
	}

	// Walk dependency edges breadth-first; edges are immutable so the closure
	// is stable for a given page.
	for len(queue) > 0 {
		resourceID := queue[0]
		queue = queue[1:]

		var edges []DependencyEdge
		err := s.db.WithContext(ctx).
			Where("resource_id = ?", resourceID).
			Find(&edges).Error
		if err != nil {
			return DownloadSet{}, fmt.Errorf("publish: edge walk: %w", err)
		}
		for _, edge := range edges {
			if _, done := seen[edge.DependsOnID]; done {
				continue
			}
			seen[edge.DependsOnID] = struct{}{}
			dependency, err := store.GetByKey[PublishedDefinition](ctx, s.db, edge.DependsOnKey)
			if err != nil {
				// A dangling edge means a compensation raced us; skip rather
				// than fail the whole page.
				s.logger.Warn("dependency closure hit dangling edge",
					zap.String("resource", resourceID), zap.String("depends_on", edge.DependsOnID), zap.Error(err))
				continue
			}
			set.Refs = append(set.Refs, blobRef(*dependency))
			queue = append(queue, dependency.ResourceID)
		}
	}

	return set, nil
}

// ListByOwner returns the owner's published definitions, newest first.
func (s *DownloadService) ListByOwner(ctx context.Context, ownerID string, limit int) ([]PublishedDefinition, error) {
	page, err := store.FilterAndSort[PublishedDefinition](ctx, s.db, store.Query{
		Filters:  []store.Filter{{Field: "owner_id", Op: store.OpEq, Value: ownerID}},
		SortKey:  "published_at_s",
		SortDesc: true,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

// Lookup resolves published definitions by resource id, preserving the input
// order and silently dropping ids that are not published.
func (s *DownloadService) Lookup(ctx context.Context, resourceIDs []string) ([]BlobRef, error) {
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	var records []PublishedDefinition
	err := s.db.WithContext(ctx).
		Where("resource_id IN ?", resourceIDs).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("publish: lookup: %w", err)
	}
	byID := make(map[string]PublishedDefinition, len(records))
	for _, record := range records {
		byID[record.ResourceID] = record
	}
	refs := make([]BlobRef, 0, len(records))
	for _, resourceID := range resourceIDs {
		if record, ok := byID[resourceID]; ok {
			refs = append(refs, blobRef(record))
		}
	}
	return refs, nil
}

func blobRef(record PublishedDefinition) BlobRef {
	return BlobRef{
		ResourceID:         record.ResourceID,
		Kind:               record.Kind,
		Name:               record.Name,
		BlobHandle:         record.BlobHandle,
		PublishedAtSeconds: record.PublishedAtSeconds,
	}
}

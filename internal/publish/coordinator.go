package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/search"
	"github.com/barrageforge/barrage/internal/store"
)

// Status summarizes the outcome of one publish attempt.
type Status string

const (
	StatusSuccess                Status = "SUCCESS"
	StatusSuccessPartial         Status = "SUCCESS_PARTIAL"
	StatusFailedAlreadyPublished Status = "FAILED_ALREADY_PUBLISHED"
	StatusFailedServerError      Status = "FAILED_SERVER_ERROR"
)

// IndexKind names the search document collection for published content.
const IndexKind = "published"

var (
	errMissingCoordinatorDatabase = errors.New("publish: database handle is required")
	errMissingCoordinatorIndex    = errors.New("publish: search index is required")
)

// Notifier fans publish events out to the owner's other connected devices.
type Notifier interface {
	NotifyInvalidation(ownerID, domain string, resourceIDs []string)
}

// Result reports the outcome of a publish attempt.
type Result struct {
	Status Status
	// AlreadyPublished enumerates definitions rejected by the pre-check, so
	// the caller can drop exactly those and retry the rest.
	AlreadyPublished []string
}

// CoordinatorConfig describes the dependencies of the publish coordinator.
type CoordinatorConfig struct {
	Database *gorm.DB
	Index    *search.Index
	Ledger   *resource.Ledger
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Coordinator publishes batches of logically-dependent definitions as a saga:
// ordered writes across the record store, edge store, and search index, with
// reverse-order compensation when a later step fails. The stores share no
// transaction coordinator, so atomicity is simulated, not guaranteed.
type Coordinator struct {
	db       *gorm.DB
	index    *search.Index
	ledger   *resource.Ledger
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, errMissingCoordinatorDatabase
	}
	if cfg.Index == nil {
		return nil, errMissingCoordinatorIndex
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:       cfg.Database,
		index:    cfg.Index,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Publish runs the saga. The whole batch is rejected if any definition is
// already published; otherwise every step is gated on the previous one, and a
// failure at any step compensates everything written by this attempt.
func (c *Coordinator) Publish(ctx context.Context, ownerID string, defs []Definition) (Result, error) {
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			c.logger.Warn("publish rejected invalid definition", zap.Error(err))
			return Result{Status: StatusFailedServerError}, err
		}
	}

	// Step 1: pre-check. No partial acceptance of an already-published item.
	already, err := c.alreadyPublished(ctx, defs)
	if err != nil {
		return Result{Status: StatusFailedServerError}, err
	}
	if len(already) > 0 {
		return Result{Status: StatusFailedAlreadyPublished, AlreadyPublished: already}, nil
	}

	now := c.clock().UTC().Unix()
	attempt := &sagaAttempt{}

	// Step 2: write metadata, collecting resource -> store key.
	keys := make(map[string]int64, len(defs))
	for _, def := range defs {
		record, err := metadataRecord(def, ownerID, now)
		if err != nil {
			c.compensate(ctx, attempt)
			return Result{Status: StatusFailedServerError}, err
		}
		if err := store.Put(ctx, c.db, &record); err != nil {
			c.logger.Error("publish metadata write failed", zap.String("resource", def.ResourceID), zap.Error(err))
			c.compensate(ctx, attempt)
			return Result{Status: StatusFailedServerError}, err
		}
		keys[def.ResourceID] = record.Key
		attempt.metadataKeys = append(attempt.metadataKeys, record.Key)
	}

	// Step 3: write dependency edges. Unresolvable dependencies fail the batch.
	for _, def := range defs {
		for _, dependsOn := range def.Dependencies {
			dependsOnKey, ok := keys[dependsOn]
			if !ok {
				key, err := c.lookupPublishedKey(ctx, dependsOn)
				if err != nil {
					c.logger.Warn("publish dependency unresolvable",
						zap.String("resource", def.ResourceID), zap.String("depends_on", dependsOn), zap.Error(err))
					c.compensate(ctx, attempt)
					return Result{Status: StatusFailedServerError}, fmt.Errorf("publish: unresolvable dependency %s: %w", dependsOn, err)
				}
				dependsOnKey = key
			}
			edge := DependencyEdge{
				ResourceKey:      keys[def.ResourceID],
				ResourceID:       def.ResourceID,
				DependsOnKey:     dependsOnKey,
				DependsOnID:      dependsOn,
				CreatedAtSeconds: now,
			}
			if err := store.Put(ctx, c.db, &edge); err != nil {
				c.logger.Error("publish edge write failed", zap.String("resource", def.ResourceID), zap.Error(err))
				c.compensate(ctx, attempt)
				return Result{Status: StatusFailedServerError}, err
			}
			attempt.edgeIDs = append(attempt.edgeIDs, edge.EdgeID)
		}
	}

	// Step 4: submit search index documents.
	docs := make(map[string]search.Fields, len(defs))
	for _, def := range defs {
		fields, err := indexDocument(def, ownerID)
		if err != nil {
			c.compensate(ctx, attempt)
			return Result{Status: StatusFailedServerError}, err
		}
		docs[def.ResourceID] = fields
	}
	if err := c.index.IndexDocuments(ctx, IndexKind, docs); err != nil {
		c.logger.Error("publish index submission failed", zap.Error(err))
		for docID := range docs {
			attempt.indexedIDs = append(attempt.indexedIDs, docID)
		}
		c.compensate(ctx, attempt)
		return Result{Status: StatusFailedServerError}, err
	}
	for docID := range docs {
		attempt.indexedIDs = append(attempt.indexedIDs, docID)
	}

	// Step 5: retire private revision history and notify other devices.
	// Failures here do not unwind the publish; the content is live.
	partial := false
	if c.ledger != nil {
		for _, def := range defs {
			if err := c.ledger.ClearResource(ctx, ownerID, def.ResourceID); err != nil {
				c.logger.Warn("post-publish revision cleanup failed",
					zap.String("resource", def.ResourceID), zap.Error(err))
				partial = true
			}
		}
	}
	if c.notifier != nil {
		published := make([]string, 0, len(defs))
		for _, def := range defs {
			published = append(published, def.ResourceID)
		}
		c.notifier.NotifyInvalidation(ownerID, "published", published)
	}

	if partial {
		return Result{Status: StatusSuccessPartial}, nil
	}
	return Result{Status: StatusSuccess}, nil
}

// sagaAttempt tracks everything written by the current attempt, in write
// order, so compensation can unwind it in reverse.
type sagaAttempt struct {
	metadataKeys []int64
	edgeIDs      []int64
	indexedIDs   []string
}

// compensate best-effort deletes this attempt's writes in reverse order:
// index documents, then edges, then metadata. Failures are logged, not
// retried inline; cleanup is eventually consistent.
func (c *Coordinator) compensate(ctx context.Context, attempt *sagaAttempt) {
	if len(attempt.indexedIDs) > 0 {
		if err := c.index.DeleteDocuments(ctx, IndexKind, attempt.indexedIDs); err != nil {
			c.logger.Error("publish compensation: index cleanup failed", zap.Error(err))
		}
	}
	if len(attempt.edgeIDs) > 0 {
		filters := []store.Filter{{Field: "edge_id", Op: store.OpIn, Value: attempt.edgeIDs}}
		if err := store.Delete[DependencyEdge](ctx, c.db, filters); err != nil {
			c.logger.Error("publish compensation: edge cleanup failed", zap.Error(err))
		}
	}
	if len(attempt.metadataKeys) > 0 {
		filters := []store.Filter{{Field: "key", Op: store.OpIn, Value: attempt.metadataKeys}}
		if err := store.Delete[PublishedDefinition](ctx, c.db, filters); err != nil {
			c.logger.Error("publish compensation: metadata cleanup failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) alreadyPublished(ctx context.Context, defs []Definition) ([]string, error) {
	var already []string
	for _, def := range defs {
		filters := []store.Filter{{Field: "resource_id", Op: store.OpEq, Value: def.ResourceID}}
		exists, err := store.Exists[PublishedDefinition](ctx, c.db, filters)
		if err != nil {
			return nil, err
		}
		if exists {
			already = append(already, def.ResourceID)
		}
	}
	return already, nil
}

func (c *Coordinator) lookupPublishedKey(ctx context.Context, resourceID string) (int64, error) {
	filters := []store.Filter{{Field: "resource_id", Op: store.OpEq, Value: resourceID}}
	record, err := store.GetSingle[PublishedDefinition](ctx, c.db, filters)
	if err != nil {
		return 0, err
	}
	return record.Key, nil
}

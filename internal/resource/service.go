package resource

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/barrageforge/barrage/internal/deltasync"
)

// UploadStatus summarizes the outcome of one resource sync exchange.
type UploadStatus string

const (
	UploadStatusSuccessAll       UploadStatus = "SUCCESS_ALL"
	UploadStatusSuccessPartial   UploadStatus = "SUCCESS_PARTIAL"
	UploadStatusSuccessConflicts UploadStatus = "SUCCESS_CONFLICTS"
	UploadStatusFailedServer     UploadStatus = "FAILED_SERVER_ERROR"
)

// Failure reasons enumerated for failed uploads.
const (
	FailReasonDeleted    = "resource_deleted"
	FailReasonStoreError = "store_error"
)

var errMissingServiceLedger = errors.New("resource: ledger is required")

// FailedUpload identifies one resource whose upload did not apply, so the
// client can retry only the failed subset.
type FailedUpload struct {
	ResourceID string
	Reason     string
}

// ExchangeRequest is the client side of one resource revision sync exchange.
type ExchangeRequest struct {
	LastSyncSeconds int64
	Uploads         []RevisionUpload
	Remove          []string
	ConflictsToFix  map[string]Policy
}

// ExchangeResult is the server side of one resource revision sync exchange.
type ExchangeResult struct {
	Status UploadStatus
	// RemoveLocally lists resources deleted on other devices since the
	// client's watermark; the client must drop them.
	RemoveLocally []string
	// Downloads lists revisions the client is missing, including keep-server
	// resolution ranges.
	Downloads []Record
	// Conflicts reports collisions awaiting an explicit policy choice. No
	// write happened on either side for these resources.
	Conflicts []ConflictRecord
	// Accepted echoes revisions the server appended from this client.
	Accepted []Record
	Failed   []FailedUpload
	// MoreExists signals a bounded download page; the client must re-invoke
	// with the same watermark before advancing it.
	MoreExists      bool
	SyncTimeSeconds int64
}

// ServiceConfig describes the dependencies of the resource sync service.
type ServiceConfig struct {
	Ledger *Ledger
	Delta  *deltasync.Engine[Record]
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service orchestrates one user-resource revision sync exchange: conflict
// resolution, uploads, deletions, and the server-to-client download delta.
type Service struct {
	ledger   *Ledger
	resolver *Resolver
	delta    *deltasync.Engine[Record]
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the resource sync service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errMissingServiceLedger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:   cfg.Ledger,
		resolver: NewResolver(cfg.Ledger),
		delta:    cfg.Delta,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ProcessExchange runs one full sync exchange for the owner. Failures of
// individual uploads never abort the exchange; they are enumerated in the
// result so the client retries only what failed.
func (s *Service) ProcessExchange(ctx context.Context, ownerID string, req ExchangeRequest) (ExchangeResult, error) {
	result := ExchangeResult{SyncTimeSeconds: s.clock().UTC().Unix()}

	uploadsByResource := make(map[string]RevisionUpload, len(req.Uploads))
	for _, upload := range req.Uploads {
		uploadsByResource[upload.ResourceID] = upload
	}

	resolution, err := s.resolver.Resolve(ctx, ownerID, req.ConflictsToFix, uploadsByResource)
	if err != nil {
		s.logger.Error("conflict resolution failed", zap.String("owner", ownerID), zap.Error(err))
		result.Status = UploadStatusFailedServer
		return result, nil
	}
	result.Downloads = append(result.Downloads, resolution.Downloads...)
	excluded := resolution.Excluded

	for _, resourceID := range req.Remove {
		if err := s.ledger.MarkDeleted(ctx, ownerID, resourceID); err != nil {
			s.logger.Warn("resource deletion failed",
				zap.String("owner", ownerID), zap.String("resource", resourceID), zap.Error(err))
			result.Failed = append(result.Failed, FailedUpload{ResourceID: resourceID, Reason: FailReasonStoreError})
		}
		excluded[resourceID] = struct{}{}
	}

	acceptedPairs := make(map[string]map[int64]struct{})
	for _, upload := range req.Uploads {
		if _, skip := excluded[upload.ResourceID]; skip {
			continue
		}
		s.applyUpload(ctx, ownerID, upload, &result, excluded, acceptedPairs)
	}

	tombstones, err := s.ledger.TombstonesSince(ctx, ownerID, req.LastSyncSeconds)
	if err != nil {
		s.logger.Error("tombstone listing failed", zap.String("owner", ownerID), zap.Error(err))
		result.Status = UploadStatusFailedServer
		return result, nil
	}
	for _, tombstone := range tombstones {
		result.RemoveLocally = append(result.RemoveLocally, tombstone.ResourceID)
	}

	if s.delta != nil {
		delta, err := s.delta.ComputeDelta(ctx, ownerID, req.LastSyncSeconds)
		if err != nil {
			s.logger.Error("download delta failed", zap.String("owner", ownerID), zap.Error(err))
			result.Status = UploadStatusFailedServer
			return result, nil
		}
		for _, record := range delta.Records {
			if _, skip := excluded[record.ResourceID]; skip {
				continue
			}
			if revisions, ok := acceptedPairs[record.ResourceID]; ok {
				if _, own := revisions[record.Revision]; own {
					continue
				}
			}
			result.Downloads = append(result.Downloads, record)
		}
		result.MoreExists = !delta.FetchedAll
		if delta.FetchedAll {
			result.SyncTimeSeconds = delta.NewWatermark
		} else {
			result.SyncTimeSeconds = req.LastSyncSeconds
		}
	}

	result.Status = s.summarize(result)
	return result, nil
}

func (s *Service) applyUpload(ctx context.Context, ownerID string, upload RevisionUpload, result *ExchangeResult, excluded map[string]struct{}, acceptedPairs map[string]map[int64]struct{}) {
	revisions := append([]RevisionPayload(nil), upload.Revisions...)
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Revision < revisions[j].Revision })

	for _, payload := range revisions {
		record := Record{
			OwnerID:          ownerID,
			ResourceID:       upload.ResourceID,
			Revision:         payload.Revision,
			Kind:             upload.Kind,
			CreatedAtSeconds: payload.CreatedAtSeconds,
			BlobHandle:       payload.BlobHandle,
		}
		appendResult, err := s.ledger.TryAppend(ctx, record)
		switch {
		case errors.Is(err, ErrResourceDeleted):
			result.Failed = append(result.Failed, FailedUpload{ResourceID: upload.ResourceID, Reason: FailReasonDeleted})
			excluded[upload.ResourceID] = struct{}{}
			return
		case err != nil:
			// Retryable I/O failure: this resource is reported failed, the
			// rest of the batch proceeds independently.
			s.logger.Warn("revision append failed",
				zap.String("owner", ownerID), zap.String("resource", upload.ResourceID),
				zap.Int64("revision", payload.Revision), zap.Error(err))
			result.Failed = append(result.Failed, FailedUpload{ResourceID: upload.ResourceID, Reason: FailReasonStoreError})
			excluded[upload.ResourceID] = struct{}{}
			return
		case !appendResult.Accepted:
			// Collision: report it and withdraw the whole resource from this
			// exchange. Revisions are applied ascending, so a collision is
			// always hit before anything for this resource was written.
			result.Conflicts = append(result.Conflicts, ConflictRecord{
				ResourceID:   upload.ResourceID,
				FromRevision: appendResult.FromRevision,
			})
			excluded[upload.ResourceID] = struct{}{}
			return
		}

		stored := record
		if stored.UploadedAtSeconds == 0 {
			stored.UploadedAtSeconds = s.clock().UTC().Unix()
		}
		result.Accepted = append(result.Accepted, stored)
		if acceptedPairs[upload.ResourceID] == nil {
			acceptedPairs[upload.ResourceID] = make(map[int64]struct{})
		}
		acceptedPairs[upload.ResourceID][payload.Revision] = struct{}{}
	}
}

func (s *Service) summarize(result ExchangeResult) UploadStatus {
	switch {
	case len(result.Conflicts) > 0:
		return UploadStatusSuccessConflicts
	case len(result.Failed) > 0:
		return UploadStatusSuccessPartial
	default:
		return UploadStatusSuccessAll
	}
}

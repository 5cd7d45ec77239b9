package resource

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/deltasync"
)

func newTestService(t *testing.T) (*Service, *Ledger) {
	t.Helper()

	dsn := fmt.Sprintf("file:barrage_resource_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}, &Tombstone{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	ledger, err := NewLedger(LedgerConfig{Database: db, Blobs: &fakeBlobRemover{}, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	delta, err := deltasync.NewEngine[Record](db, deltasync.Config{
		OwnerColumn:    "owner_id",
		ChangedColumn:  "uploaded_at_s",
		TiebreakColumn: "resource_id",
		PageSize:       50,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("failed to construct delta engine: %v", err)
	}
	service, err := NewService(ServiceConfig{Ledger: ledger, Delta: delta, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service, ledger
}

func uploadOf(resourceID string, revisions ...int64) RevisionUpload {
	upload := RevisionUpload{ResourceID: resourceID, Kind: KindLevelDefinition}
	for _, revision := range revisions {
		upload.Revisions = append(upload.Revisions, RevisionPayload{
			Revision:         revision,
			CreatedAtSeconds: 1700000000 + revision,
			BlobHandle:       fmt.Sprintf("%064d", revision),
		})
	}
	return upload
}

func TestProcessExchangeAcceptsFreshUploads(t *testing.T) {
	service, _ := newTestService(t)

	result, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-1", 1, 2)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != UploadStatusSuccessAll {
		t.Fatalf("expected SUCCESS_ALL, got %s", result.Status)
	}
	if len(result.Accepted) != 2 {
		t.Fatalf("expected 2 accepted revisions, got %d", len(result.Accepted))
	}
	if len(result.Downloads) != 0 {
		t.Fatalf("own uploads must not echo as downloads, got %d", len(result.Downloads))
	}
}

func TestProcessExchangeReportsConflictWithoutWriting(t *testing.T) {
	service, ledger := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-x", 3, 4, 5)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}

	result, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 1700000600,
		Uploads:         []RevisionUpload{uploadOf("res-x", 3)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != UploadStatusSuccessConflicts {
		t.Fatalf("expected SUCCESS_CONFLICTS, got %s", result.Status)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(result.Conflicts))
	}
	conflict := result.Conflicts[0]
	if conflict.ResourceID != "res-x" || conflict.FromRevision != 3 {
		t.Fatalf("unexpected conflict record: %+v", conflict)
	}

	maxRevision, _, err := ledger.MaxRevision(context.Background(), "owner-1", "res-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if maxRevision != 5 {
		t.Fatalf("conflict must not write, max revision is %d", maxRevision)
	}
}

func TestProcessExchangeKeepServerDownloadsCollidingRange(t *testing.T) {
	service, _ := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-x", 3, 4, 5)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}

	result, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 1700000600,
		Uploads:         []RevisionUpload{uploadOf("res-x", 3)},
		ConflictsToFix:  map[string]Policy{"res-x": PolicyKeepServer},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != UploadStatusSuccessAll {
		t.Fatalf("expected SUCCESS_ALL after resolution, got %s", result.Status)
	}
	if len(result.Downloads) != 3 {
		t.Fatalf("expected revisions 3,4,5 to download, got %d records", len(result.Downloads))
	}
	for i, record := range result.Downloads {
		if record.Revision != int64(3+i) {
			t.Fatalf("expected revision %d at index %d, got %d", 3+i, i, record.Revision)
		}
	}
	if len(result.Accepted) != 0 {
		t.Fatalf("keep-server must discard the pending upload, got %d accepted", len(result.Accepted))
	}
}

func TestProcessExchangeKeepLocalReplacesServerRange(t *testing.T) {
	service, ledger := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-x", 3, 4, 5)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}

	result, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 1700000600,
		Uploads:         []RevisionUpload{uploadOf("res-x", 3)},
		ConflictsToFix:  map[string]Policy{"res-x": PolicyKeepLocal},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != UploadStatusSuccessAll {
		t.Fatalf("expected SUCCESS_ALL, got %s", result.Status)
	}
	if len(result.Accepted) != 1 || result.Accepted[0].Revision != 3 {
		t.Fatalf("expected client revision 3 to be accepted, got %+v", result.Accepted)
	}

	maxRevision, _, err := ledger.MaxRevision(context.Background(), "owner-1", "res-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if maxRevision != 3 {
		t.Fatalf("expected server range discarded down to revision 3, got %d", maxRevision)
	}
}

func TestProcessExchangeKeepLocalWithoutUploadLeavesHistory(t *testing.T) {
	service, ledger := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-x", 1, 2, 3)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}

	// A keep-local instruction with no colliding revisions in the request has
	// nothing to arbitrate and must not touch the stored history.
	result, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 1700000600,
		ConflictsToFix:  map[string]Policy{"res-x": PolicyKeepLocal},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != UploadStatusSuccessAll {
		t.Fatalf("expected SUCCESS_ALL, got %s", result.Status)
	}

	records, err := ledger.ListRange(context.Background(), "owner-1", "res-x", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 stored revisions to survive, got %d", len(records))
	}
}

func TestProcessExchangeRemovesTombstonedResources(t *testing.T) {
	service, _ := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-1", 1), uploadOf("res-2", 1)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}

	removed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 1700000600,
		Remove:          []string{"res-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed.Status != UploadStatusSuccessAll {
		t.Fatalf("expected SUCCESS_ALL, got %s", removed.Status)
	}

	other, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(other.RemoveLocally) != 1 || other.RemoveLocally[0] != "res-1" {
		t.Fatalf("expected res-1 flagged for local removal, got %+v", other.RemoveLocally)
	}
}

func TestProcessExchangeFailsUploadToDeletedResource(t *testing.T) {
	service, ledger := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-1", 1)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}
	if err := ledger.MarkDeleted(context.Background(), "owner-1", "res-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 1700000600,
		Uploads:         []RevisionUpload{uploadOf("res-1", 2)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != UploadStatusSuccessPartial {
		t.Fatalf("expected SUCCESS_PARTIAL, got %s", result.Status)
	}
	if len(result.Failed) != 1 || result.Failed[0].Reason != FailReasonDeleted {
		t.Fatalf("expected resource_deleted failure, got %+v", result.Failed)
	}
}

func TestProcessExchangeDownloadsOtherDeviceRevisions(t *testing.T) {
	service, _ := newTestService(t)

	seed, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		Uploads: []RevisionUpload{uploadOf("res-a", 1), uploadOf("res-b", 1)},
	})
	if err != nil || seed.Status != UploadStatusSuccessAll {
		t.Fatalf("seed failed: %v %s", err, seed.Status)
	}

	fresh, err := service.ProcessExchange(context.Background(), "owner-1", ExchangeRequest{
		LastSyncSeconds: 0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fresh.Downloads) != 2 {
		t.Fatalf("expected both resources to download for a fresh device, got %d", len(fresh.Downloads))
	}
	if fresh.MoreExists {
		t.Fatalf("small result must fit a single page")
	}
}

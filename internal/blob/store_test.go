package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:barrage_blob_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PendingDelete{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Root:     t.TempDir(),
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	content := []byte("bullet pattern payload")

	handle, err := store.Put(context.Background(), content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	digest := sha256.Sum256(content)
	if handle != hex.EncodeToString(digest[:]) {
		t.Fatalf("handle must be the content digest, got %s", handle)
	}

	fetched, err := store.Get(context.Background(), handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(fetched) != string(content) {
		t.Fatalf("content mismatch: %q", fetched)
	}
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	store := newTestStore(t)

	first, err := store.Put(context.Background(), []byte("same bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := store.Put(context.Background(), []byte("same bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("identical content must share a handle: %s vs %s", first, second)
	}
}

func TestGetRejectsInvalidHandle(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "../../etc/passwd")
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestGetReportsMissingContent(t *testing.T) {
	store := newTestStore(t)

	missing := sha256.Sum256([]byte("never stored"))
	_, err := store.Get(context.Background(), hex.EncodeToString(missing[:]))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMissingHandleIsNotAnError(t *testing.T) {
	store := newTestStore(t)

	missing := sha256.Sum256([]byte("never stored"))
	if err := store.Delete(context.Background(), hex.EncodeToString(missing[:])); err != nil {
		t.Fatalf("deleting absent content must succeed: %v", err)
	}
}

func TestRemoveDeletesStoredContent(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.Put(context.Background(), []byte("to be removed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.Remove(context.Background(), []string{handle})

	if store.Exists(context.Background(), handle) {
		t.Fatalf("expected content to be gone")
	}
}

func TestDrainPendingDeletesReleasesQueuedBlobs(t *testing.T) {
	store := newTestStore(t)

	handle, err := store.Put(context.Background(), []byte("queued for delete"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = store.db.Create(&PendingDelete{Handle: handle, QueuedAtSeconds: 1700000000}).Error
	if err != nil {
		t.Fatalf("failed to queue delete: %v", err)
	}

	released, err := store.DrainPendingDeletes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 released blob, got %d", released)
	}
	if store.Exists(context.Background(), handle) {
		t.Fatalf("expected queued blob to be deleted")
	}

	var remaining int64
	if err := store.db.Model(&PendingDelete{}).Count(&remaining).Error; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected queue to be empty, got %d rows", remaining)
	}
}

func TestListHandlesEnumeratesStoredContent(t *testing.T) {
	store := newTestStore(t)

	first, _ := store.Put(context.Background(), []byte("one"))
	second, _ := store.Put(context.Background(), []byte("two"))

	handles, err := store.ListHandles(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := map[string]bool{}
	for _, handle := range handles {
		found[handle] = true
	}
	if !found[first] || !found[second] {
		t.Fatalf("expected both handles listed, got %v", handles)
	}
}

package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()

	dsn := fmt.Sprintf("file:barrage_search_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	index, err := NewIndex(IndexConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct index: %v", err)
	}
	return index
}

func TestIndexAndMatchDocuments(t *testing.T) {
	index := newTestIndex(t)

	err := index.IndexDocuments(context.Background(), "published", map[string]Fields{
		"doc-1": {"name": {"Spiral Hell"}, "kind": {"level-definition"}},
		"doc-2": {"name": {"Calm Skies"}, "kind": {"level-definition"}},
		"doc-3": {"name": {"Spiral Hell"}, "kind": {"campaign-definition"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := index.Match(context.Background(), "published", "name", "Spiral Hell", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 matches, got %v", ids)
	}

	ids, err = index.Match(context.Background(), "published", "kind", "campaign-definition", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "doc-3" {
		t.Fatalf("expected only doc-3, got %v", ids)
	}
}

func TestIndexDocumentsReplacesExisting(t *testing.T) {
	index := newTestIndex(t)

	seed := map[string]Fields{"doc-1": {"name": {"Before"}}}
	if err := index.IndexDocuments(context.Background(), "published", seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	update := map[string]Fields{"doc-1": {"name": {"After"}}}
	if err := index.IndexDocuments(context.Background(), "published", update); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale, err := index.Match(context.Background(), "published", "name", "Before", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("stale term must be gone, got %v", stale)
	}

	fields, err := index.GetDocument(context.Background(), "published", "doc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields["name"]) != 1 || fields["name"][0] != "After" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestDeleteDocumentsIsBlindSafe(t *testing.T) {
	index := newTestIndex(t)

	seed := map[string]Fields{"doc-1": {"name": {"Target"}}}
	if err := index.IndexDocuments(context.Background(), "published", seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := index.DeleteDocuments(context.Background(), "published", []string{"doc-1", "never-indexed"})
	if err != nil {
		t.Fatalf("deleting a missing document must not fail: %v", err)
	}

	_, err = index.GetDocument(context.Background(), "published", "doc-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ids, err := index.Match(context.Background(), "published", "name", "Target", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("terms must be deleted with the document, got %v", ids)
	}
}

func TestReindexFieldReplacesOneField(t *testing.T) {
	index := newTestIndex(t)

	seed := map[string]Fields{"doc-1": {"name": {"Stable"}, "tags": {"old"}}}
	if err := index.IndexDocuments(context.Background(), "published", seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := index.ReindexField(context.Background(), "published", "doc-1", "tags", []string{"new", "fresh"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, err := index.Match(context.Background(), "published", "tags", "new", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected reindexed tag to match, got %v", ids)
	}
	ids, err = index.Match(context.Background(), "published", "name", "Stable", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("untouched field must keep matching, got %v", ids)
	}
}

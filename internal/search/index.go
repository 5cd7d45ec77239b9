// Package search provides the structured document index consumed by the
// publish coordinator and the published-content listing. Documents hold
// field-to-values mappings; lookups are exact matches on one field.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates no document exists for (kind, id).
	ErrNotFound = errors.New("search: document not found")

	errMissingDatabase = errors.New("search: database handle is required")
)

// Document is one indexed record.
type Document struct {
	Kind             string `gorm:"column:kind;primaryKey;size:32;not null"`
	DocID            string `gorm:"column:doc_id;primaryKey;size:36;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	IndexedAtSeconds int64  `gorm:"column:indexed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "search_documents"
}

// term flattens one (field, value) pair of a document for exact-match lookup.
type term struct {
	Kind  string `gorm:"column:kind;primaryKey;size:32;not null;index:idx_terms_lookup,priority:1"`
	DocID string `gorm:"column:doc_id;primaryKey;size:36;not null"`
	Field string `gorm:"column:field;primaryKey;size:64;not null;index:idx_terms_lookup,priority:2"`
	Value string `gorm:"column:value;primaryKey;size:190;not null;index:idx_terms_lookup,priority:3"`
}

func (term) TableName() string {
	return "search_terms"
}

// Fields maps document field names to their indexed values.
type Fields map[string][]string

// IndexConfig describes the dependencies of the index.
type IndexConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Index is the document index adapter.
type Index struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewIndex constructs an Index.
func NewIndex(cfg IndexConfig) (*Index, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Index{db: cfg.Database, clock: clock}, nil
}

// Models returns the GORM models the index persists, for migration wiring.
func Models() []any {
	return []any{&Document{}, &term{}}
}

// IndexDocuments writes or replaces documents of one kind.
func (i *Index) IndexDocuments(ctx context.Context, kind string, docs map[string]Fields) error {
	now := i.clock().UTC().Unix()
	for docID, fields := range docs {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("search: encode fields for %s: %w", docID, err)
		}
		document := Document{Kind: kind, DocID: docID, FieldsJSON: string(encoded), IndexedAtSeconds: now}
		err = i.db.WithContext(ctx).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&document).Error
		if err != nil {
			return fmt.Errorf("search: index document %s: %w", docID, err)
		}
		if err := i.replaceTerms(ctx, kind, docID, fields); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocuments removes documents of one kind by id. Missing documents are
// not an error, so compensation paths can call this blindly.
func (i *Index) DeleteDocuments(ctx context.Context, kind string, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}
	err := i.db.WithContext(ctx).
		Where("kind = ? AND doc_id IN ?", kind, docIDs).
		Delete(&Document{}).Error
	if err != nil {
		return fmt.Errorf("search: delete documents: %w", err)
	}
	err = i.db.WithContext(ctx).
		Where("kind = ? AND doc_id IN ?", kind, docIDs).
		Delete(&term{}).Error
	if err != nil {
		return fmt.Errorf("search: delete terms: %w", err)
	}
	return nil
}

// GetDocument returns the document for (kind, id).
func (i *Index) GetDocument(ctx context.Context, kind, docID string) (Fields, error) {
	var document Document
	err := i.db.WithContext(ctx).
		Where("kind = ? AND doc_id = ?", kind, docID).
		First(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("search: get document: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal([]byte(document.FieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("search: decode fields: %w", err)
	}
	return fields, nil
}

// ReindexField replaces the values of one field on an existing document.
func (i *Index) ReindexField(ctx context.Context, kind, docID, field string, values []string) error {
	fields, err := i.GetDocument(ctx, kind, docID)
	if err != nil {
		return err
	}
	fields[field] = values
	return i.IndexDocuments(ctx, kind, map[string]Fields{docID: fields})
}

// Match returns ids of documents of a kind whose field contains the value.
func (i *Index) Match(ctx context.Context, kind, field, value string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	var terms []term
	err := i.db.WithContext(ctx).
		Where("kind = ? AND field = ? AND value = ?", kind, field, value).
		Order("doc_id ASC").
		Limit(limit).
		Find(&terms).Error
	if err != nil {
		return nil, fmt.Errorf("search: match: %w", err)
	}
	docIDs := make([]string, 0, len(terms))
	for _, matched := range terms {
		docIDs = append(docIDs, matched.DocID)
	}
	return docIDs, nil
}

func (i *Index) replaceTerms(ctx context.Context, kind, docID string, fields Fields) error {
	err := i.db.WithContext(ctx).
		Where("kind = ? AND doc_id = ?", kind, docID).
		Delete(&term{}).Error
	if err != nil {
		return fmt.Errorf("search: clear terms: %w", err)
	}
	for field, values := range fields {
		for _, value := range values {
			entry := term{Kind: kind, DocID: docID, Field: field, Value: value}
			if err := i.db.WithContext(ctx).Create(&entry).Error; err != nil {
				return fmt.Errorf("search: write term: %w", err)
			}
		}
	}
	return nil
}

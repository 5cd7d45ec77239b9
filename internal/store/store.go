// Package store exposes the generic keyed record store consumed by the sync
// subsystem: equality/range filters, stable sort, and opaque cursor
// pagination over GORM-backed tables.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"gorm.io/gorm"
)

// Op enumerates the supported filter comparison operators.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "<>"
	OpGt Op = ">"
	OpGe Op = ">="
	OpLt Op = "<"
	OpLe Op = "<="
	OpIn Op = "IN"
)

var (
	// ErrInvalidField indicates a filter or sort field outside column naming rules.
	ErrInvalidField = errors.New("store: invalid field name")
	// ErrInvalidCursor indicates a cursor that cannot be decoded.
	ErrInvalidCursor = errors.New("store: invalid cursor")
	// ErrNotFound indicates no record matched a single-record lookup.
	ErrNotFound = errors.New("store: not found")
)

var columnNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Filter restricts a query to records where field op value holds.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes one filtered, sorted, paginated read.
type Query struct {
	Filters  []Filter
	SortKey  string
	SortDesc bool
	Limit    int
	Cursor   string
}

// Page is one bounded page of records. NextCursor resumes the query where this
// page ended; More reports whether records remain beyond it.
type Page[T any] struct {
	Records    []T
	NextCursor string
	More       bool
}

type cursorState struct {
	Offset int `json:"o"`
}

// FilterAndSort runs the query and returns one page. Ordering is the sort key
// plus the store's natural key order for ties, so pages are deterministic and
// resumable.
func FilterAndSort[T any](ctx context.Context, db *gorm.DB, query Query) (Page[T], error) {
	tx, err := applyFilters[T](ctx, db, query.Filters)
	if err != nil {
		return Page[T]{}, err
	}

	offset := 0
	if query.Cursor != "" {
		state, err := decodeCursor(query.Cursor)
		if err != nil {
			return Page[T]{}, err
		}
		offset = state.Offset
	}

	if query.SortKey != "" {
		if !columnNamePattern.MatchString(query.SortKey) {
			return Page[T]{}, fmt.Errorf("%w: %q", ErrInvalidField, query.SortKey)
		}
		direction := "ASC"
		if query.SortDesc {
			direction = "DESC"
		}
		tx = tx.Order(fmt.Sprintf("%s %s", query.SortKey, direction))
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	var records []T
	if err := tx.Offset(offset).Limit(limit + 1).Find(&records).Error; err != nil {
		return Page[T]{}, fmt.Errorf("store: filter and sort: %w", err)
	}

	page := Page[T]{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.More = true
		page.NextCursor = encodeCursor(cursorState{Offset: offset + limit})
	}
	return page, nil
}

// GetSingle returns the only record matching the filters.
func GetSingle[T any](ctx context.Context, db *gorm.DB, filters []Filter) (*T, error) {
	tx, err := applyFilters[T](ctx, db, filters)
	if err != nil {
		return nil, err
	}
	var record T
	if err := tx.First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get single: %w", err)
	}
	return &record, nil
}

// GetByKey returns the record with the given primary key.
func GetByKey[T any](ctx context.Context, db *gorm.DB, key any) (*T, error) {
	var record T
	if err := db.WithContext(ctx).First(&record, key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get by key: %w", err)
	}
	return &record, nil
}

// Put inserts the record.
func Put[T any](ctx context.Context, db *gorm.DB, record *T) error {
	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("store: put: %w", err)
	}
	return nil
}

// Delete removes every record matching the filters.
func Delete[T any](ctx context.Context, db *gorm.DB, filters []Filter) error {
	tx, err := applyFilters[T](ctx, db, filters)
	if err != nil {
		return err
	}
	if err := tx.Delete(new(T)).Error; err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// Exists reports whether any record matches the filters.
func Exists[T any](ctx context.Context, db *gorm.DB, filters []Filter) (bool, error) {
	total, err := Count[T](ctx, db, filters)
	if err != nil {
		return false, err
	}
	return total > 0, nil
}

// Count returns the number of records matching the filters.
func Count[T any](ctx context.Context, db *gorm.DB, filters []Filter) (int64, error) {
	tx, err := applyFilters[T](ctx, db, filters)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return total, nil
}

func applyFilters[T any](ctx context.Context, db *gorm.DB, filters []Filter) (*gorm.DB, error) {
	tx := db.WithContext(ctx).Model(new(T))
	for _, filter := range filters {
		if !columnNamePattern.MatchString(filter.Field) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, filter.Field)
		}
		switch filter.Op {
		case OpEq, OpNe, OpGt, OpGe, OpLt, OpLe:
			tx = tx.Where(fmt.Sprintf("%s %s ?", filter.Field, filter.Op), filter.Value)
		case OpIn:
			tx = tx.Where(fmt.Sprintf("%s IN ?", filter.Field), filter.Value)
		default:
			return nil, fmt.Errorf("store: unsupported operator %q", filter.Op)
		}
	}
	return tx, nil
}

func encodeCursor(state cursorState) string {
	raw, _ := json.Marshal(state)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (cursorState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorState{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var state cursorState
	if err := json.Unmarshal(raw, &state); err != nil {
		return cursorState{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return state, nil
}

package repository

import (
	"context"
	"fmt"

	"visionsurvey/internal/model"
)

// Page size bounds shared by the store and its callers.
const (
	DefaultPageLimit  = 20
	DefaultNewerLimit = 50
	MaxPageLimit      = 200
)

// RecordRepository defines the interface for record data operations.
// A single writer (the folder watcher) and any number of concurrent readers.
type RecordRepository interface {
	// Create operations
	Insert(ctx context.Context, rec *model.Record) (int64, error)

	// Read operations
	QueryPage(ctx context.Context, filter model.Filter, limit int, beforeID *int64) ([]model.Record, error)
	QueryNewer(ctx context.Context, filter model.Filter, afterID int64, limit int) ([]model.Record, error)
	Count(ctx context.Context, filter model.Filter) (int, error)
	CountAll(ctx context.Context) (int, error)
	AggregateByLabel(ctx context.Context, filter model.Filter, topK int) ([]model.LabelCount, error)
	AggregateByDay(ctx context.Context, filter model.Filter) ([]model.DayCount, error)
	ExistsByImagePath(ctx context.Context, imagePath string) (bool, error)
}

// StoreError wraps a failure of a store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ClampLimit bounds a requested page size to [1, MaxPageLimit], using def for non-positive input.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

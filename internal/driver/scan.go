package driver

import (
	"context"

	"github.com/devrev/pairdb/entitystore/internal/model"
)

// TableScanQuery configures a segmented scan of the write table.
type TableScanQuery struct {
	// Parallelism is the number of independently paginated segments.
	Parallelism int
	// PageSize bounds each page read from the store; zero uses the store default.
	PageSize int
}

// ScanItem is handed to the visitor for every record found by a scan.
type ScanItem struct {
	OrganisationID string
	Entity         *model.Entity

	replace func(ctx context.Context, entity *model.Entity) error
	remove  func(ctx context.Context) error
}

func NewScanItem(org string, entity *model.Entity, replace func(context.Context, *model.Entity) error, remove func(context.Context) error) *ScanItem {
	return &ScanItem{OrganisationID: org, Entity: entity, replace: replace, remove: remove}
}

// Replace rewrites the record in place without touching its timestamps.
func (s *ScanItem) Replace(ctx context.Context, entity *model.Entity) error {
	return s.replace(ctx, entity)
}

// Delete removes the record.
func (s *ScanItem) Delete(ctx context.Context) error {
	return s.remove(ctx)
}

// ScanVisitor is called concurrently from every segment.
type ScanVisitor func(ctx context.Context, item *ScanItem) error

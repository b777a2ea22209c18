// Package datastore is the key/row store the dispatcher persists through.
// Tables are addressed by name and rows travel as plain maps; filter
// semantics are the shared filter DSL.
package datastore

import (
	"context"

	"github.com/stratonas/middled/internal/common/filterx"
)

// Store is the collaborator data store consumed by the dispatcher.
type Store interface {
	// Query returns the rows of table matching filters, shaped by opts.
	// With opts.Get set, exactly one row must match or a NotFound error
	// is returned (and the single row comes back as the only element).
	Query(ctx context.Context, table string, filters filterx.Filter, opts filterx.Options) ([]map[string]any, error)

	// Count returns the number of rows matching filters.
	Count(ctx context.Context, table string, filters filterx.Filter) (int64, error)

	// Insert adds a row and returns its id.
	Insert(ctx context.Context, table string, row map[string]any) (int64, error)

	// Update rewrites the given columns of the row with the given id.
	Update(ctx context.Context, table string, id int64, row map[string]any) error

	// Delete removes the row with the given id.
	Delete(ctx context.Context, table string, id int64) error

	// SQL is the transactional escape hatch for callers that outgrow the
	// filter DSL.
	SQL(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	// Close releases the underlying connection.
	Close() error
}

// Package store persists the reference backend's todo collection.
package store

import (
	"context"

	"github.com/hyperengineering/todomirror/internal/types"
)

// Store is the persistence contract of the reference backend.
//
// Every accepted write returns the change event describing it, which the
// caller broadcasts on the change stream.
type Store interface {
	// Search returns at most limit records, newest first.
	Search(ctx context.Context, limit int) ([]types.Todo, error)
	Get(ctx context.Context, id string) (types.Todo, error)
	// Create inserts todo. Creating an id that already exists returns the
	// stored record, created=false and no event.
	Create(ctx context.Context, todo types.Todo) (stored types.Todo, created bool, ev *types.ChangeEvent, err error)
	// Update overwrites the title and completed fields present in patch.
	Update(ctx context.Context, id string, patch types.Patch) (types.Todo, *types.ChangeEvent, error)
	Delete(ctx context.Context, id string) (*types.ChangeEvent, error)
	// ChangesAfter returns change log entries with sequence > after.
	ChangesAfter(ctx context.Context, after int64, limit int) ([]ChangeLogEntry, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

package store

import (
	"context"

	"github.com/artpar/flotilla/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the operation journal. It records what the engine did, never
// which containers exist: container identity lives in runtime labels.
type Store interface {
	RecordOperation(ctx context.Context, op *domain.Operation) error
	GetOperation(ctx context.Context, id string) (*domain.Operation, error)
	ListOperations(ctx context.Context, opts ListOptions) ([]domain.Operation, error)
	PruneOperations(ctx context.Context, project string, keep int) (int, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Project string // empty lists every project
	Limit   int
	Offset  int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

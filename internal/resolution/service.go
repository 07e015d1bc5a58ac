package resolution

import (
	"context"
	"fmt"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
)

// Service exposes the operator operations on the review queue. The external
// API layer calls it; the core only feeds the queue.
type Service struct {
	store      Store
	pagination config.PaginationConfig
}

// NewService wires the review queue operations.
func NewService(store Store, pagination config.PaginationConfig) *Service {
	return &Service{store: store, pagination: pagination}
}

// ListPending returns a page of unresolved entries, oldest first.
func (s *Service) ListPending(ctx context.Context, limit, offset int) ([]*domain.FailedOccurrence, error) {
	if offset < 0 {
		offset = 0
	}
	return s.store.ListPending(ctx, s.pagination.Clamp(limit), offset)
}

// Resolve marks an entry handled. resolvedBy is required so the audit trail
// names who closed it.
func (s *Service) Resolve(ctx context.Context, id int64, resolvedBy, note string) error {
	if resolvedBy == "" {
		return fmt.Errorf("resolvedBy is required")
	}
	return s.store.Resolve(ctx, id, resolvedBy, note)
}

// Discard marks an entry as not worth acting on.
func (s *Service) Discard(ctx context.Context, id int64, resolvedBy, note string) error {
	if resolvedBy == "" {
		return fmt.Errorf("resolvedBy is required")
	}
	return s.store.Discard(ctx, id, resolvedBy, note)
}

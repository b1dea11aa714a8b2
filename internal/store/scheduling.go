package store

import (
	"context"

	"github.com/google/uuid"

	"turnos/backend/internal/domain"
)

// ScheduleRepository persists weekly rules, date exceptions and per-provider
// scheduling configs. Structural validation happens in the scheduling
// service; the repository enforces atomicity and uniqueness.
type ScheduleRepository interface {
	// ReplaceRules deletes the provider's entire rule set and inserts the
	// new one in a single transaction; a partial replacement is never
	// observable.
	ReplaceRules(ctx context.Context, providerID string, rules []domain.WeeklyRule) ([]domain.WeeklyRule, error)
	ListRules(ctx context.Context, providerID string) ([]domain.WeeklyRule, error)

	// CreateException returns ErrConflict when the (provider, date) pair
	// already has an exception.
	CreateException(ctx context.Context, ex domain.DateException) (domain.DateException, error)
	DeleteException(ctx context.Context, providerID string, exceptionID uuid.UUID) error
	// ListExceptions returns exceptions whose provider-local date falls in
	// [fromDate, toDate], both YYYY-MM-DD inclusive.
	ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.DateException, error)

	// GetConfig returns ErrNotFound when the provider never stored one;
	// callers apply domain.DefaultSchedulingConfig.
	GetConfig(ctx context.Context, providerID string) (domain.SchedulingConfig, error)
	UpsertConfig(ctx context.Context, cfg domain.SchedulingConfig) (domain.SchedulingConfig, error)
}

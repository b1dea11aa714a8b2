package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"turnos/backend/internal/domain"
	"turnos/backend/internal/store"
)

type ScheduleRepo struct {
	db *bun.DB
}

func NewScheduleRepo(db *bun.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

func (r *ScheduleRepo) ReplaceRules(ctx context.Context, providerID string, rules []domain.WeeklyRule) ([]domain.WeeklyRule, error) {
	out := make([]domain.WeeklyRule, len(rules))
	copy(out, rules)

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProviderCalendar(ctx, tx, providerID); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*domain.WeeklyRule)(nil)).
			Where("provider_id = ?", providerID).
			Exec(ctx); err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&out).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ScheduleRepo) ListRules(ctx context.Context, providerID string) ([]domain.WeeklyRule, error) {
	var rows []domain.WeeklyRule
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		OrderExpr("weekday ASC, start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepo) CreateException(ctx context.Context, ex domain.DateException) (domain.DateException, error) {
	_, err := r.db.NewInsert().Model(&ex).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "date_exceptions_provider_date_key" {
			return domain.DateException{}, store.ErrConflict
		}
		return domain.DateException{}, err
	}
	return ex, nil
}

func (r *ScheduleRepo) DeleteException(ctx context.Context, providerID string, exceptionID uuid.UUID) error {
	res, err := r.db.NewDelete().
		Model((*domain.DateException)(nil)).
		Where("provider_id = ?", providerID).
		Where("id = ?", exceptionID).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ScheduleRepo) ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.DateException, error) {
	var rows []domain.DateException
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("date >= ?", fromDate).
		Where("date <= ?", toDate).
		OrderExpr("date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ScheduleRepo) GetConfig(ctx context.Context, providerID string) (domain.SchedulingConfig, error) {
	var cfg domain.SchedulingConfig
	err := r.db.NewSelect().
		Model(&cfg).
		Where("provider_id = ?", providerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SchedulingConfig{}, store.ErrNotFound
		}
		return domain.SchedulingConfig{}, err
	}
	return cfg, nil
}

func (r *ScheduleRepo) UpsertConfig(ctx context.Context, cfg domain.SchedulingConfig) (domain.SchedulingConfig, error) {
	_, err := r.db.NewInsert().
		Model(&cfg).
		On("CONFLICT (provider_id) DO UPDATE").
		Set("slot_duration_minutes = EXCLUDED.slot_duration_minutes").
		Set("lead_time_hours = EXCLUDED.lead_time_hours").
		Set("horizon_days = EXCLUDED.horizon_days").
		Set("timezone = EXCLUDED.timezone").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.SchedulingConfig{}, err
	}
	return cfg, nil
}

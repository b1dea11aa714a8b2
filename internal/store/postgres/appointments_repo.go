package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"turnos/backend/internal/domain"
	"turnos/backend/internal/store"
)

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

// lockProviderCalendar serializes writers touching one provider's calendar
// for the remainder of the transaction.
func lockProviderCalendar(ctx context.Context, tx bun.Tx, providerID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", providerID).Exec(ctx)
	return err
}

// CreateBooking inserts the appointment and its linked payment attempt in one
// transaction, after re-checking that no non-cancelled appointment on the
// provider intersects the requested window. The advisory lock makes the
// check-then-insert race free; the appointments_no_overlap exclusion
// constraint is the backstop.
func (r *AppointmentRepo) CreateBooking(ctx context.Context, appt domain.Appointment, attempt domain.PaymentAttempt) (domain.Appointment, domain.PaymentAttempt, error) {
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProviderCalendar(ctx, tx, appt.ProviderID); err != nil {
			return err
		}

		overlapping, err := tx.NewSelect().
			Model((*domain.Appointment)(nil)).
			Where("provider_id = ?", appt.ProviderID).
			Where("status IN (?)", bun.In([]domain.AppointmentStatus{
				domain.AppointmentStatusPendingPayment,
				domain.AppointmentStatusConfirmed,
			})).
			Where("start_time < ?", appt.EndTime).
			Where("end_time > ?", appt.StartTime).
			Count(ctx)
		if err != nil {
			return err
		}
		if overlapping > 0 {
			return store.ErrConflict
		}

		if _, err := tx.NewInsert().Model(&appt).Exec(ctx); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == "appointments_no_overlap" {
				return store.ErrConflict
			}
			return err
		}

		attempt.AppointmentID = &appt.ID
		if _, err := tx.NewInsert().Model(&attempt).Exec(ctx); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return store.ErrIdempotencyConflict
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Appointment{}, domain.PaymentAttempt{}, err
	}
	return appt, attempt, nil
}

func (r *AppointmentRepo) GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.db.NewSelect().
		Model(&appt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func scopedAppointments(q *bun.SelectQuery, scope store.Scope) *bun.SelectQuery {
	if scope.ProviderID != "" {
		q = q.Where("provider_id = ?", scope.ProviderID)
	}
	if scope.SubjectID != "" {
		q = q.Where("subject_id = ?", scope.SubjectID)
	}
	return q
}

func (r *AppointmentRepo) ListAppointments(ctx context.Context, scope store.Scope, windowStart, windowEnd time.Time, page, pageSize int) ([]domain.Appointment, int, error) {
	var rows []domain.Appointment
	q := r.db.NewSelect().
		Model(&rows).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Limit(pageSize).
		Offset((page - 1) * pageSize)
	q = scopedAppointments(q, scope)

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *AppointmentRepo) ListActiveAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("status IN (?)", bun.In([]domain.AppointmentStatus{
			domain.AppointmentStatusPendingPayment,
			domain.AppointmentStatusConfirmed,
		})).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) CancelAppointment(ctx context.Context, id uuid.UUID, reason string, at time.Time) (domain.Appointment, error) {
	var out domain.Appointment
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var appt domain.Appointment
		err := tx.NewSelect().
			Model(&appt).
			Where("id = ?", id).
			For("UPDATE").
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if appt.Status == domain.AppointmentStatusCancelled {
			return fmt.Errorf("appointment already cancelled: %w", store.ErrConflict)
		}

		appt.Status = domain.AppointmentStatusCancelled
		appt.CancelReason = reason
		appt.CancelledAt = &at
		appt.UpdatedAt = at
		if _, err := tx.NewUpdate().
			Model(&appt).
			Column("status", "cancel_reason", "cancelled_at", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}

		if err := expirePendingAttempts(ctx, tx, []uuid.UUID{appt.ID}, at); err != nil {
			return err
		}
		out = appt
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

// ExpireOverdue is the lazy expiry sweep: it cancels every scoped
// pending_payment appointment whose payment deadline is at or behind now and
// marks the still-pending attempts expired. Concurrent sweeps skip each
// other's rows.
func (r *AppointmentRepo) ExpireOverdue(ctx context.Context, scope store.Scope, now time.Time) (int, error) {
	var count int
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var overdue []domain.Appointment
		q := tx.NewSelect().
			Model(&overdue).
			Column("id").
			Where("status = ?", domain.AppointmentStatusPendingPayment).
			Where("payment_deadline <= ?", now).
			For("UPDATE SKIP LOCKED")
		q = scopedAppointments(q, scope)
		if err := q.Scan(ctx); err != nil {
			return err
		}
		if len(overdue) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(overdue))
		for _, a := range overdue {
			ids = append(ids, a.ID)
		}
		if err := cancelExpired(ctx, tx, ids, now); err != nil {
			return err
		}
		count = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ExpireAppointment applies the expiry transition to a single appointment if
// it is overdue; otherwise it returns the current row unchanged.
func (r *AppointmentRepo) ExpireAppointment(ctx context.Context, id uuid.UUID, now time.Time) (domain.Appointment, error) {
	var out domain.Appointment
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var appt domain.Appointment
		err := tx.NewSelect().
			Model(&appt).
			Where("id = ?", id).
			For("UPDATE").
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		if appt.Status == domain.AppointmentStatusPendingPayment && !appt.PaymentDeadline.After(now) {
			if err := cancelExpired(ctx, tx, []uuid.UUID{appt.ID}, now); err != nil {
				return err
			}
			appt.Status = domain.AppointmentStatusCancelled
			appt.CancelReason = domain.CancelReasonPaymentExpired
			appt.CancelledAt = &now
			appt.UpdatedAt = now
		}
		out = appt
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func cancelExpired(ctx context.Context, tx bun.Tx, ids []uuid.UUID, now time.Time) error {
	_, err := tx.NewUpdate().
		Model((*domain.Appointment)(nil)).
		Set("status = ?", domain.AppointmentStatusCancelled).
		Set("cancel_reason = ?", domain.CancelReasonPaymentExpired).
		Set("cancelled_at = ?", now).
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Where("status = ?", domain.AppointmentStatusPendingPayment).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expirePendingAttempts(ctx, tx, ids, now)
}

func expirePendingAttempts(ctx context.Context, tx bun.Tx, appointmentIDs []uuid.UUID, now time.Time) error {
	_, err := tx.NewUpdate().
		Model((*domain.PaymentAttempt)(nil)).
		Set("status = ?", domain.PaymentStatusExpired).
		Set("updated_at = ?", now).
		Where("appointment_id IN (?)", bun.In(appointmentIDs)).
		Where("status = ?", domain.PaymentStatusPending).
		Exec(ctx)
	return err
}

func (r *AppointmentRepo) FindAttemptByKey(ctx context.Context, subjectID string, kind domain.PaymentKind, key string) (domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	err := r.db.NewSelect().
		Model(&attempt).
		Where("subject_id = ?", subjectID).
		Where("kind = ?", kind).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentAttempt{}, store.ErrNotFound
		}
		return domain.PaymentAttempt{}, err
	}
	return attempt, nil
}

func (r *AppointmentRepo) AttemptsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]domain.PaymentAttempt, error) {
	var rows []domain.PaymentAttempt
	err := r.db.NewSelect().
		Model(&rows).
		Where("appointment_id = ?", appointmentID).
		OrderExpr("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) AddAttempt(ctx context.Context, attempt domain.PaymentAttempt, newDeadline time.Time) (domain.PaymentAttempt, error) {
	if attempt.AppointmentID == nil {
		return domain.PaymentAttempt{}, fmt.Errorf("attempt must be linked to an appointment")
	}
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&attempt).Exec(ctx); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return store.ErrIdempotencyConflict
			}
			return err
		}
		_, err := tx.NewUpdate().
			Model((*domain.Appointment)(nil)).
			Set("payment_deadline = ?", newDeadline).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", *attempt.AppointmentID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	return attempt, nil
}

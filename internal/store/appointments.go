package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"turnos/backend/internal/domain"
)

// Scope narrows an appointment query or expiry sweep to one provider, one
// subject, or (both empty) the whole store.
type Scope struct {
	ProviderID string
	SubjectID  string
}

// AppointmentRepository persists appointments and their payment attempts.
//
// CreateBooking is the engine's single strong-consistency boundary: it runs
// one transaction that re-checks for overlapping non-cancelled appointments
// on the provider before inserting the appointment and its linked attempt.
// Exactly one of two concurrent overlapping bookings commits; the other
// observes ErrConflict.
type AppointmentRepository interface {
	CreateBooking(ctx context.Context, appt domain.Appointment, attempt domain.PaymentAttempt) (domain.Appointment, domain.PaymentAttempt, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListAppointments(ctx context.Context, scope Scope, windowStart, windowEnd time.Time, page, pageSize int) ([]domain.Appointment, int, error)
	ListActiveAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string, at time.Time) (domain.Appointment, error)

	// ExpireOverdue cancels every scoped pending_payment appointment whose
	// payment deadline has elapsed and expires its pending attempts. Safe to
	// run repeatedly.
	ExpireOverdue(ctx context.Context, scope Scope, now time.Time) (int, error)
	ExpireAppointment(ctx context.Context, id uuid.UUID, now time.Time) (domain.Appointment, error)

	FindAttemptByKey(ctx context.Context, subjectID string, kind domain.PaymentKind, key string) (domain.PaymentAttempt, error)
	AttemptsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]domain.PaymentAttempt, error)
	// AddAttempt inserts a retry attempt and extends the appointment's
	// payment deadline to the new preference expiry in one transaction.
	AddAttempt(ctx context.Context, attempt domain.PaymentAttempt, newDeadline time.Time) (domain.PaymentAttempt, error)
}

package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	// AppointmentStatusPendingPayment is the state every appointment is born
	// in; it holds the slot until the payment window elapses.
	AppointmentStatusPendingPayment AppointmentStatus = "pending_payment"
	// AppointmentStatusConfirmed is reached only through an external payment
	// settlement signal, never by this engine.
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	// AppointmentStatusCancelled is terminal.
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booked slot owned jointly by a provider and a subject.
// Both instants are UTC.
type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID              uuid.UUID         `bun:"id,pk,type:uuid"`
	ProviderID      string            `bun:"provider_id,notnull"`
	SubjectID       string            `bun:"subject_id,notnull"`
	StartTime       time.Time         `bun:"start_time,notnull"`
	EndTime         time.Time         `bun:"end_time,notnull"`
	Status          AppointmentStatus `bun:"status,notnull"`
	PaymentDeadline time.Time         `bun:"payment_deadline,notnull"`
	CancelReason    string            `bun:"cancel_reason"`
	CancelledAt     *time.Time        `bun:"cancelled_at"`
	CreatedAt       time.Time         `bun:"created_at,notnull"`
	UpdatedAt       time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Terminal reports whether the appointment can no longer change state.
func (a Appointment) Terminal() bool {
	return a.Status == AppointmentStatusCancelled
}

// CancelReasonPaymentExpired is stamped on appointments cancelled by the
// expiry sweep.
const CancelReasonPaymentExpired = "payment window expired"

type PaymentKind string

const PaymentKindAppointment PaymentKind = "appointment"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusExpired PaymentStatus = "expired"
)

// PaymentAttempt tracks one externally issued payment preference: its
// checkout reference, an amount/currency snapshot taken at issue time, and
// the expiry deadline of the payment window it opens.
type PaymentAttempt struct {
	bun.BaseModel `bun:"table:payment_attempts"`

	ID             uuid.UUID     `bun:"id,pk,type:uuid"`
	Kind           PaymentKind   `bun:"kind,notnull"`
	SubjectID      string        `bun:"subject_id,notnull"`
	AppointmentID  *uuid.UUID    `bun:"appointment_id,type:uuid"`
	Status         PaymentStatus `bun:"status,notnull"`
	Amount         int64         `bun:"amount,notnull"` // minor currency units
	Currency       string        `bun:"currency,notnull"`
	IdempotencyKey string        `bun:"idempotency_key,nullzero"`
	PreferenceID   string        `bun:"preference_id"`
	CheckoutURL    string        `bun:"checkout_url"`
	ExpiresAt      time.Time     `bun:"expires_at,notnull"`
	CreatedAt      time.Time     `bun:"created_at,notnull"`
	UpdatedAt      time.Time     `bun:"updated_at,notnull"`
}

func (p *PaymentAttempt) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if p.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			p.ID = id
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		p.UpdatedAt = now
	}
	return nil
}

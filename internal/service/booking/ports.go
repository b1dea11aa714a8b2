package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"turnos/backend/internal/domain"
)

// Role classifies the acting identity as resolved by the caller's auth layer.
type Role string

const (
	RoleSubject  Role = "subject"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

type Actor struct {
	ID   string
	Role Role
}

// ProviderProfile is the profile-service snapshot of a provider: whether it
// is bookable at all and its current price in minor currency units.
type ProviderProfile struct {
	Active        bool
	PriceAmount   int64
	PriceCurrency string
}

// ProfileDirectory resolves providers. Implementations return
// store.ErrNotFound for unknown ids; any other error is treated as an
// upstream failure.
type ProfileDirectory interface {
	ProviderProfile(ctx context.Context, providerID string) (ProviderProfile, error)
}

// Identity is the identity-service answer for a booking subject. Complete is
// the explicit precondition for booking: an incomplete profile is a conflict,
// not a validation problem.
type Identity struct {
	Complete   bool
	InternalID string
}

// IdentityDirectory resolves booking subjects. Same error contract as
// ProfileDirectory.
type IdentityDirectory interface {
	Bookable(ctx context.Context, subjectID string) (Identity, error)
}

// PreferenceRequest asks the external payment provider for a checkout
// reference covering one appointment.
type PreferenceRequest struct {
	ProviderID     string
	SubjectID      string
	AppointmentID  uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Preference is the issuer's answer: an external payment id, a checkout URL
// for the subject, and the instant the payment window closes.
type Preference struct {
	PaymentID   string
	CheckoutURL string
	ExpiresAt   time.Time
}

// PaymentIssuer creates payment preferences. It is always called outside any
// database transaction; an orphaned preference after a failed booking is
// acceptable.
type PaymentIssuer interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (Preference, error)
}

// Notifier fans out "your appointments changed" signals. Delivery is a
// best-effort external concern: failures are logged, never surfaced to the
// booking caller.
type Notifier interface {
	AppointmentsChanged(ctx context.Context, userIDs []string) error
}

// SlotSource re-validates a proposed slot against the provider's published
// availability. Implemented by the scheduling service.
type SlotSource interface {
	ResolveWindow(ctx context.Context, providerID string, from, to time.Time) ([]domain.Slot, error)
	GetConfig(ctx context.Context, providerID string) (domain.SchedulingConfig, error)
}

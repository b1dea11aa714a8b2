// Package booking turns chosen slots into durable appointment + payment
// pairs and owns the appointment lifecycle after that point.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"turnos/backend/internal/clock"
	"turnos/backend/internal/domain"
	"turnos/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// UpstreamError marks a failure of an external collaborator (payment issuer,
// profile or identity directory). It is never retried here.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

type Service struct {
	appointments store.AppointmentRepository
	slots        SlotSource
	profiles     ProfileDirectory
	identities   IdentityDirectory
	payments     PaymentIssuer
	notifier     Notifier
	clock        clock.Clock
	log          *slog.Logger
}

func NewService(
	appointments store.AppointmentRepository,
	slots SlotSource,
	profiles ProfileDirectory,
	identities IdentityDirectory,
	payments PaymentIssuer,
	notifier Notifier,
	clk clock.Clock,
	log *slog.Logger,
) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		appointments: appointments,
		slots:        slots,
		profiles:     profiles,
		identities:   identities,
		payments:     payments,
		notifier:     notifier,
		clock:        clk,
		log:          log.With(slog.String("component", "booking")),
	}
}

type BookInput struct {
	Actor          Actor
	ProviderID     string
	SubjectID      string
	Start          time.Time
	IdempotencyKey string
}

type BookResult struct {
	Appointment domain.Appointment
	Payment     domain.PaymentAttempt
}

// Book commits a chosen slot. The order of operations is load-bearing:
// preconditions and the idempotency replay lookup run before anything is
// issued or written; the payment preference is requested outside the
// transaction; the transactional overlap re-check inside CreateBooking is the
// authoritative race guard, the resolver exact-match before it only rejects
// stale proposals cheaply.
func (s *Service) Book(ctx context.Context, in BookInput) (BookResult, error) {
	if in.ProviderID == "" {
		return BookResult{}, validationError("provider_id is required")
	}
	if in.SubjectID == "" {
		return BookResult{}, validationError("subject_id is required")
	}
	if in.Start.IsZero() {
		return BookResult{}, validationError("start is required")
	}
	if in.Actor.ID != in.SubjectID && in.Actor.Role != RoleAdmin {
		return BookResult{}, validationError("actor may not book for this subject")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > 256 {
		return BookResult{}, validationError("idempotency_key too long")
	}

	profile, err := s.profiles.ProviderProfile(ctx, in.ProviderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BookResult{}, fmt.Errorf("provider %s: %w", in.ProviderID, store.ErrNotFound)
		}
		return BookResult{}, upstream("profile lookup", err)
	}
	if !profile.Active {
		return BookResult{}, fmt.Errorf("provider %s is not active: %w", in.ProviderID, store.ErrNotFound)
	}

	identity, err := s.identities.Bookable(ctx, in.SubjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BookResult{}, fmt.Errorf("subject %s: %w", in.SubjectID, store.ErrNotFound)
		}
		return BookResult{}, upstream("identity lookup", err)
	}
	if !identity.Complete {
		return BookResult{}, fmt.Errorf("subject profile is incomplete: %w", store.ErrConflict)
	}

	if key != "" {
		replayed, ok, err := s.replayByKey(ctx, in, key)
		if err != nil {
			return BookResult{}, err
		}
		if ok {
			return replayed, nil
		}
	}

	now := s.clock.Now().UTC()

	// Release any expired holds on this provider before checking the slot.
	if _, err := s.appointments.ExpireOverdue(ctx, store.Scope{ProviderID: in.ProviderID}, now); err != nil {
		return BookResult{}, err
	}

	cfg, err := s.slots.GetConfig(ctx, in.ProviderID)
	if err != nil {
		return BookResult{}, err
	}
	start := in.Start.UTC()
	end := start.Add(cfg.SlotDuration())

	candidates, err := s.slots.ResolveWindow(ctx, in.ProviderID, start, end)
	if err != nil {
		return BookResult{}, err
	}
	if !containsExactSlot(candidates, start, end) {
		return BookResult{}, fmt.Errorf("requested slot is not available: %w", store.ErrConflict)
	}

	apptID, err := uuid.NewV7()
	if err != nil {
		return BookResult{}, err
	}

	pref, err := s.payments.CreatePreference(ctx, PreferenceRequest{
		ProviderID:     in.ProviderID,
		SubjectID:      in.SubjectID,
		AppointmentID:  apptID,
		Amount:         profile.PriceAmount,
		Currency:       profile.PriceCurrency,
		IdempotencyKey: key,
	})
	if err != nil {
		return BookResult{}, upstream("payment preference", err)
	}
	if !pref.ExpiresAt.After(now) {
		return BookResult{}, upstream("payment preference", fmt.Errorf("preference %s expires in the past", pref.PaymentID))
	}

	appt := domain.Appointment{
		ID:              apptID,
		ProviderID:      in.ProviderID,
		SubjectID:       in.SubjectID,
		StartTime:       start,
		EndTime:         end,
		Status:          domain.AppointmentStatusPendingPayment,
		PaymentDeadline: pref.ExpiresAt.UTC(),
	}
	attempt := domain.PaymentAttempt{
		Kind:           domain.PaymentKindAppointment,
		SubjectID:      in.SubjectID,
		Status:         domain.PaymentStatusPending,
		Amount:         profile.PriceAmount,
		Currency:       profile.PriceCurrency,
		IdempotencyKey: key,
		PreferenceID:   pref.PaymentID,
		CheckoutURL:    pref.CheckoutURL,
		ExpiresAt:      pref.ExpiresAt.UTC(),
	}

	appt, attempt, err = s.appointments.CreateBooking(ctx, appt, attempt)
	if err != nil {
		return BookResult{}, err
	}

	s.notifyChanged(ctx, in.SubjectID, in.ProviderID)
	return BookResult{Appointment: appt, Payment: attempt}, nil
}

// replayByKey returns the previously committed (appointment, payment) pair
// for a retransmitted booking request, or an idempotency conflict when the
// key was used for something inconsistent with this request.
func (s *Service) replayByKey(ctx context.Context, in BookInput, key string) (BookResult, bool, error) {
	attempt, err := s.appointments.FindAttemptByKey(ctx, in.SubjectID, domain.PaymentKindAppointment, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BookResult{}, false, nil
		}
		return BookResult{}, false, err
	}
	if attempt.AppointmentID == nil {
		return BookResult{}, false, fmt.Errorf("idempotency key already used: %w", store.ErrIdempotencyConflict)
	}
	appt, err := s.appointments.GetAppointment(ctx, *attempt.AppointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BookResult{}, false, fmt.Errorf("idempotency key already used: %w", store.ErrIdempotencyConflict)
		}
		return BookResult{}, false, err
	}
	if appt.ProviderID != in.ProviderID || appt.SubjectID != in.SubjectID {
		return BookResult{}, false, fmt.Errorf("idempotency key already used: %w", store.ErrIdempotencyConflict)
	}
	return BookResult{Appointment: appt, Payment: attempt}, true, nil
}

func containsExactSlot(slots []domain.Slot, start, end time.Time) bool {
	for _, s := range slots {
		if s.Start.Equal(start) && s.End.Equal(end) {
			return true
		}
	}
	return false
}

type RequestPaymentInput struct {
	Actor          Actor
	AppointmentID  uuid.UUID
	IdempotencyKey string
}

// RequestPayment is the retry/resume path for an appointment whose previous
// checkout was abandoned. An elapsed payment window expires the appointment
// on the spot and fails with a conflict.
func (s *Service) RequestPayment(ctx context.Context, in RequestPaymentInput) (domain.PaymentAttempt, error) {
	if in.AppointmentID == uuid.Nil {
		return domain.PaymentAttempt{}, validationError("appointment_id is required")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > 256 {
		return domain.PaymentAttempt{}, validationError("idempotency_key too long")
	}

	appt, err := s.appointments.GetAppointment(ctx, in.AppointmentID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	if in.Actor.ID != appt.SubjectID && in.Actor.Role != RoleAdmin {
		return domain.PaymentAttempt{}, validationError("actor may not pay for this appointment")
	}

	switch appt.Status {
	case domain.AppointmentStatusCancelled:
		return domain.PaymentAttempt{}, fmt.Errorf("appointment is cancelled: %w", store.ErrConflict)
	case domain.AppointmentStatusConfirmed:
		return domain.PaymentAttempt{}, fmt.Errorf("appointment already completed: %w", store.ErrConflict)
	}

	now := s.clock.Now().UTC()
	if !appt.PaymentDeadline.After(now) {
		if _, err := s.appointments.ExpireAppointment(ctx, appt.ID, now); err != nil {
			return domain.PaymentAttempt{}, err
		}
		return domain.PaymentAttempt{}, fmt.Errorf("payment window expired: %w", store.ErrConflict)
	}

	if key != "" {
		attempt, err := s.appointments.FindAttemptByKey(ctx, appt.SubjectID, domain.PaymentKindAppointment, key)
		if err == nil {
			if attempt.AppointmentID == nil || *attempt.AppointmentID != appt.ID {
				return domain.PaymentAttempt{}, fmt.Errorf("idempotency key already used: %w", store.ErrIdempotencyConflict)
			}
			switch attempt.Status {
			case domain.PaymentStatusPaid:
				return domain.PaymentAttempt{}, fmt.Errorf("appointment already completed: %w", store.ErrConflict)
			case domain.PaymentStatusPending:
				return attempt, nil
			default:
				return domain.PaymentAttempt{}, fmt.Errorf("idempotency key already used: %w", store.ErrIdempotencyConflict)
			}
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.PaymentAttempt{}, err
		}
	}

	attempts, err := s.appointments.AttemptsForAppointment(ctx, appt.ID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	var amount int64
	currency := ""
	for _, a := range attempts {
		if a.Status == domain.PaymentStatusPaid {
			return domain.PaymentAttempt{}, fmt.Errorf("appointment already completed: %w", store.ErrConflict)
		}
		if currency == "" {
			amount, currency = a.Amount, a.Currency
		}
	}
	for _, a := range attempts {
		if a.Status == domain.PaymentStatusPending {
			return a, nil
		}
	}
	if currency == "" {
		profile, err := s.profiles.ProviderProfile(ctx, appt.ProviderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.PaymentAttempt{}, fmt.Errorf("provider %s: %w", appt.ProviderID, store.ErrNotFound)
			}
			return domain.PaymentAttempt{}, upstream("profile lookup", err)
		}
		amount, currency = profile.PriceAmount, profile.PriceCurrency
	}

	pref, err := s.payments.CreatePreference(ctx, PreferenceRequest{
		ProviderID:     appt.ProviderID,
		SubjectID:      appt.SubjectID,
		AppointmentID:  appt.ID,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: key,
	})
	if err != nil {
		return domain.PaymentAttempt{}, upstream("payment preference", err)
	}
	if !pref.ExpiresAt.After(now) {
		return domain.PaymentAttempt{}, upstream("payment preference", fmt.Errorf("preference %s expires in the past", pref.PaymentID))
	}

	attempt := domain.PaymentAttempt{
		Kind:           domain.PaymentKindAppointment,
		SubjectID:      appt.SubjectID,
		AppointmentID:  &appt.ID,
		Status:         domain.PaymentStatusPending,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: key,
		PreferenceID:   pref.PaymentID,
		CheckoutURL:    pref.CheckoutURL,
		ExpiresAt:      pref.ExpiresAt.UTC(),
	}
	attempt, err = s.appointments.AddAttempt(ctx, attempt, pref.ExpiresAt.UTC())
	if err != nil {
		return domain.PaymentAttempt{}, err
	}

	s.notifyChanged(ctx, appt.SubjectID, appt.ProviderID)
	return attempt, nil
}

type CancelInput struct {
	Actor         Actor
	AppointmentID uuid.UUID
	Reason        string
}

// Cancel is permitted for the owning subject, the assigned provider, or an
// admin, on any non-terminal appointment.
func (s *Service) Cancel(ctx context.Context, in CancelInput) (domain.Appointment, error) {
	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	appt, err := s.appointments.GetAppointment(ctx, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}
	allowed := in.Actor.Role == RoleAdmin ||
		in.Actor.ID == appt.SubjectID ||
		in.Actor.ID == appt.ProviderID
	if !allowed {
		return domain.Appointment{}, validationError("actor may not cancel this appointment")
	}

	cancelled, err := s.appointments.CancelAppointment(ctx, in.AppointmentID, strings.TrimSpace(in.Reason), s.clock.Now().UTC())
	if err != nil {
		return domain.Appointment{}, err
	}

	s.notifyChanged(ctx, cancelled.SubjectID, cancelled.ProviderID)
	return cancelled, nil
}

type ListInput struct {
	Actor    Actor
	Scope    store.Scope
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

type Page struct {
	Items    []domain.Appointment
	Total    int
	Page     int
	PageSize int
}

// List runs the expiry sweep for the requested scope before querying, so no
// caller ever observes a stale non-terminal appointment past its deadline.
func (s *Service) List(ctx context.Context, in ListInput) (Page, error) {
	from := in.From.UTC()
	to := in.To.UTC()
	if !from.Before(to) {
		return Page{}, validationError("to must be after from")
	}
	if in.Page < 1 {
		in.Page = 1
	}
	if in.PageSize <= 0 {
		in.PageSize = 20
	}
	if in.PageSize > 100 {
		return Page{}, validationError("page_size must be at most 100")
	}

	if in.Actor.Role != RoleAdmin {
		ownScope := (in.Scope.SubjectID != "" && in.Scope.SubjectID == in.Actor.ID) ||
			(in.Scope.ProviderID != "" && in.Scope.ProviderID == in.Actor.ID)
		if !ownScope {
			return Page{}, validationError("scope must name the acting subject or provider")
		}
	}

	if _, err := s.appointments.ExpireOverdue(ctx, in.Scope, s.clock.Now().UTC()); err != nil {
		return Page{}, err
	}

	items, total, err := s.appointments.ListAppointments(ctx, in.Scope, from, to, in.Page, in.PageSize)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total, Page: in.Page, PageSize: in.PageSize}, nil
}

func (s *Service) notifyChanged(ctx context.Context, userIDs ...string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.AppointmentsChanged(ctx, userIDs); err != nil {
		s.log.Warn("appointment change notification failed", slog.Any("err", err))
	}
}

// Package scheduling owns the provider's bookable surface: weekly rules,
// date exceptions, per-provider config, and slot resolution.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// ProviderDirectory is the external profile check for provider existence and
// activity.
type ProviderDirectory interface {
	IsActiveProvider(ctx context.Context, providerID string) (bool, error)
}

type Service struct {
	schedules    store.ScheduleRepository
	appointments store.AppointmentRepository
	providers    ProviderDirectory
	clock        clock.Clock
}

func NewService(schedules store.ScheduleRepository, appointments store.AppointmentRepository, providers ProviderDirectory, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		schedules:    schedules,
		appointments: appointments,
		providers:    providers,
		clock:        clk,
	}
}

type RuleInput struct {
	Weekday int
	Start   string
	End     string
	Active  bool
}

// ReplaceRules validates and atomically replaces the provider's whole weekly
// rule set. Active rules sharing a weekday must not overlap.
func (s *Service) ReplaceRules(ctx context.Context, providerID string, inputs []RuleInput) ([]domain.WeeklyRule, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}

	rules := make([]domain.WeeklyRule, 0, len(inputs))
	activeByWeekday := make(map[int][]domain.TimeWindow)
	for i, in := range inputs {
		if in.Weekday < 0 || in.Weekday > 6 {
			return nil, validationError(fmt.Sprintf("rule %d: weekday must be between 0 and 6", i))
		}
		w := domain.TimeWindow{Start: strings.TrimSpace(in.Start), End: strings.TrimSpace(in.End)}
		if err := checkWindow(w); err != nil {
			return nil, validationError(fmt.Sprintf("rule %d: %v", i, err))
		}
		if in.Active {
			activeByWeekday[in.Weekday] = append(activeByWeekday[in.Weekday], w)
		}
		rules = append(rules, domain.WeeklyRule{
			ProviderID: providerID,
			Weekday:    in.Weekday,
			StartTime:  w.Start,
			EndTime:    w.End,
			Active:     in.Active,
		})
	}

	for weekday, windows := range activeByWeekday {
		if err := checkWindowOverlap(windows); err != nil {
			return nil, validationError(fmt.Sprintf("weekday %d: %v", weekday, err))
		}
	}

	return s.schedules.ReplaceRules(ctx, providerID, rules)
}

func (s *Service) ListRules(ctx context.Context, providerID string) ([]domain.WeeklyRule, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	return s.schedules.ListRules(ctx, providerID)
}

type ExceptionInput struct {
	ProviderID string
	Date       string
	Kind       domain.ExceptionKind
	Windows    []domain.TimeWindow
}

// CreateException records a date-specific override. A "closed" exception
// carries no windows; a "custom" one carries at least one valid,
// non-overlapping window. One exception per (provider, date).
func (s *Service) CreateException(ctx context.Context, in ExceptionInput) (domain.DateException, error) {
	if in.ProviderID == "" {
		return domain.DateException{}, validationError("provider_id is required")
	}
	if _, err := time.Parse(domain.DateLayout, in.Date); err != nil {
		return domain.DateException{}, validationError(fmt.Sprintf("invalid date %q: expected YYYY-MM-DD", in.Date))
	}

	switch in.Kind {
	case domain.ExceptionKindClosed:
		if len(in.Windows) != 0 {
			return domain.DateException{}, validationError("closed exception must not carry windows")
		}
	case domain.ExceptionKindCustom:
		if len(in.Windows) == 0 {
			return domain.DateException{}, validationError("custom exception requires at least one window")
		}
		for i, w := range in.Windows {
			if err := checkWindow(w); err != nil {
				return domain.DateException{}, validationError(fmt.Sprintf("window %d: %v", i, err))
			}
		}
		if err := checkWindowOverlap(in.Windows); err != nil {
			return domain.DateException{}, validationError(err.Error())
		}
	default:
		return domain.DateException{}, validationError("kind must be closed or custom")
	}

	ex, err := s.schedules.CreateException(ctx, domain.DateException{
		ProviderID: in.ProviderID,
		Date:       in.Date,
		Kind:       in.Kind,
		Windows:    in.Windows,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.DateException{}, fmt.Errorf("exception already exists for %s: %w", in.Date, store.ErrConflict)
		}
		return domain.DateException{}, err
	}
	return ex, nil
}

func (s *Service) DeleteException(ctx context.Context, providerID string, exceptionID uuid.UUID) error {
	if providerID == "" {
		return validationError("provider_id is required")
	}
	if exceptionID == uuid.Nil {
		return validationError("exception_id is required")
	}
	return s.schedules.DeleteException(ctx, providerID, exceptionID)
}

// GetConfig returns the stored config or the documented default when the
// provider never stored one. The result is never empty.
func (s *Service) GetConfig(ctx context.Context, providerID string) (domain.SchedulingConfig, error) {
	if providerID == "" {
		return domain.SchedulingConfig{}, validationError("provider_id is required")
	}
	cfg, err := s.schedules.GetConfig(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.DefaultSchedulingConfig(providerID), nil
		}
		return domain.SchedulingConfig{}, err
	}
	return cfg, nil
}

type ConfigInput struct {
	ProviderID          string
	SlotDurationMinutes int
	LeadTimeHours       int
	HorizonDays         int
	Timezone            string
}

func (s *Service) PutConfig(ctx context.Context, in ConfigInput) (domain.SchedulingConfig, error) {
	if in.ProviderID == "" {
		return domain.SchedulingConfig{}, validationError("provider_id is required")
	}
	if in.SlotDurationMinutes < 5 || in.SlotDurationMinutes > 24*60 {
		return domain.SchedulingConfig{}, validationError("slot_duration_minutes must be between 5 and 1440")
	}
	if in.LeadTimeHours < 0 {
		return domain.SchedulingConfig{}, validationError("lead_time_hours must not be negative")
	}
	if in.HorizonDays < 1 || in.HorizonDays > 365 {
		return domain.SchedulingConfig{}, validationError("horizon_days must be between 1 and 365")
	}
	cfg := domain.SchedulingConfig{
		ProviderID:          in.ProviderID,
		SlotDurationMinutes: in.SlotDurationMinutes,
		LeadTimeHours:       in.LeadTimeHours,
		HorizonDays:         in.HorizonDays,
		Timezone:            strings.TrimSpace(in.Timezone),
	}
	if _, err := cfg.Location(); err != nil {
		return domain.SchedulingConfig{}, validationError(err.Error())
	}
	return s.schedules.UpsertConfig(ctx, cfg)
}

// ResolveWindow expands rules and exceptions into the candidate slots for
// [from, to) without consulting existing bookings. The booking engine uses it
// to re-validate a proposed slot before its transactional overlap guard.
func (s *Service) ResolveWindow(ctx context.Context, providerID string, from, to time.Time) ([]domain.Slot, error) {
	cfg, err := s.GetConfig(ctx, providerID)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, validationError(err.Error())
	}

	rules, err := s.schedules.ListRules(ctx, providerID)
	if err != nil {
		return nil, err
	}
	exceptions, err := s.schedules.ListExceptions(ctx, providerID,
		from.In(loc).Format(domain.DateLayout),
		to.In(loc).Format(domain.DateLayout),
	)
	if err != nil {
		return nil, err
	}

	slots, err := domain.ResolveSlots(cfg, rules, exceptions, from, to, s.clock.Now())
	if err != nil {
		return nil, validationError(err.Error())
	}
	return slots, nil
}

// ListAvailability is the public read path: it checks the provider, runs the
// expiry sweep so stale pending appointments release their slots, resolves
// candidate slots, and removes those already held by a live booking.
func (s *Service) ListAvailability(ctx context.Context, providerID string, from, to time.Time) ([]domain.Slot, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	from = from.UTC()
	to = to.UTC()

	if s.providers != nil {
		active, err := s.providers.IsActiveProvider(ctx, providerID)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, fmt.Errorf("provider %s: %w", providerID, store.ErrNotFound)
		}
	}

	now := s.clock.Now().UTC()
	if _, err := s.appointments.ExpireOverdue(ctx, store.Scope{ProviderID: providerID}, now); err != nil {
		return nil, err
	}

	slots, err := s.ResolveWindow(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return slots, nil
	}

	booked, err := s.appointments.ListActiveAppointments(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	if len(booked) == 0 {
		return slots, nil
	}

	free := slots[:0]
	for _, slot := range slots {
		taken := false
		for _, appt := range booked {
			if slot.Start.Before(appt.EndTime) && slot.End.After(appt.StartTime) {
				taken = true
				break
			}
		}
		if !taken {
			free = append(free, slot)
		}
	}
	return free, nil
}

func checkWindow(w domain.TimeWindow) error {
	start, end, err := w.Minutes()
	if err != nil {
		return err
	}
	if start >= end {
		return fmt.Errorf("window start %s must be before end %s", w.Start, w.End)
	}
	return nil
}

// checkWindowOverlap sorts windows by start and compares each to its
// predecessor's end. Windows must already be individually valid.
func checkWindowOverlap(windows []domain.TimeWindow) error {
	type span struct {
		start, end int
		w          domain.TimeWindow
	}
	spans := make([]span, 0, len(windows))
	for _, w := range windows {
		start, end, err := w.Minutes()
		if err != nil {
			return err
		}
		spans = append(spans, span{start: start, end: end, w: w})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return fmt.Errorf("windows %s-%s and %s-%s overlap",
				spans[i-1].w.Start, spans[i-1].w.End, spans[i].w.Start, spans[i].w.End)
		}
	}
	return nil
}

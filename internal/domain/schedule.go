package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	// ClockLayout is the wall-clock format of rule and exception windows.
	ClockLayout = "15:04"
	// DateLayout is the provider-local calendar date format of exceptions.
	DateLayout = "2006-01-02"
)

// TimeWindow is a provider-local wall-clock interval [Start, End) in
// "HH:MM" 24-hour notation. The owning rule or exception supplies the
// calendar date; the provider's timezone supplies the UTC offset.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Minutes returns the window bounds as minutes from local midnight.
func (w TimeWindow) Minutes() (start, end int, err error) {
	start, err = ParseClock(w.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err = ParseClock(w.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ParseClock parses an "HH:MM" wall-clock value into minutes from midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse(ClockLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// WeeklyRule is one recurring local-time availability window for a single
// weekday. Rules are replaced wholesale per provider, never patched.
type WeeklyRule struct {
	bun.BaseModel `bun:"table:weekly_rules"`

	ID         uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID string    `bun:"provider_id,notnull"`
	Weekday    int       `bun:"weekday,notnull"` // 0 = Sunday .. 6 = Saturday
	StartTime  string    `bun:"start_time,notnull"`
	EndTime    string    `bun:"end_time,notnull"`
	Active     bool      `bun:"active,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

func (r *WeeklyRule) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

// Window returns the rule's local-time window.
func (r WeeklyRule) Window() TimeWindow {
	return TimeWindow{Start: r.StartTime, End: r.EndTime}
}

type ExceptionKind string

const (
	ExceptionKindClosed ExceptionKind = "closed"
	ExceptionKindCustom ExceptionKind = "custom"
)

// DateException overrides the weekly rules for one provider-local calendar
// date: a "closed" exception removes the date entirely, a "custom" exception
// replaces the rule windows with its own. At most one exception per
// (provider, date).
type DateException struct {
	bun.BaseModel `bun:"table:date_exceptions"`

	ID         uuid.UUID     `bun:"id,pk,type:uuid"`
	ProviderID string        `bun:"provider_id,notnull"`
	Date       string        `bun:"date,notnull"` // YYYY-MM-DD, provider-local
	Kind       ExceptionKind `bun:"kind,notnull"`
	Windows    []TimeWindow  `bun:"windows,type:jsonb"`
	CreatedAt  time.Time     `bun:"created_at,notnull"`
	UpdatedAt  time.Time     `bun:"updated_at,notnull"`
}

func (e *DateException) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if e.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			e.ID = id
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		e.UpdatedAt = now
	}
	return nil
}

// SchedulingConfig holds per-provider slot derivation settings. A provider
// without a stored row gets DefaultSchedulingConfig.
type SchedulingConfig struct {
	bun.BaseModel `bun:"table:scheduling_configs"`

	ProviderID          string    `bun:"provider_id,pk"`
	SlotDurationMinutes int       `bun:"slot_duration_minutes,notnull"`
	LeadTimeHours       int       `bun:"lead_time_hours,notnull"`
	HorizonDays         int       `bun:"horizon_days,notnull"`
	Timezone            string    `bun:"timezone,notnull"`
	UpdatedAt           time.Time `bun:"updated_at,notnull"`
}

func (c *SchedulingConfig) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery, *bun.UpdateQuery:
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// DefaultSchedulingConfig is the documented fallback applied when a provider
// has no stored config: 30 minute slots, 24 hour lead time, 60 day horizon,
// Buenos Aires local time.
func DefaultSchedulingConfig(providerID string) SchedulingConfig {
	return SchedulingConfig{
		ProviderID:          providerID,
		SlotDurationMinutes: 30,
		LeadTimeHours:       24,
		HorizonDays:         60,
		Timezone:            "America/Argentina/Buenos_Aires",
	}
}

func (c SchedulingConfig) SlotDuration() time.Duration {
	return time.Duration(c.SlotDurationMinutes) * time.Minute
}

func (c SchedulingConfig) LeadTime() time.Duration {
	return time.Duration(c.LeadTimeHours) * time.Hour
}

func (c SchedulingConfig) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Location loads the configured timezone. Conversions always go through the
// zone database at evaluation time; no UTC offset is ever persisted.
func (c SchedulingConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q", c.Timezone)
	}
	return loc, nil
}

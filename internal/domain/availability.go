package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Slot is a derived, fixed-duration candidate booking window. Both instants
// are UTC; slots are never persisted.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ResolveSlots expands a provider's weekly rules and date exceptions into the
// ordered list of bookable slots whose UTC instants fall fully inside
// [from, to). It is a pure function of its arguments: existing bookings are
// not consulted here.
//
// The query window is validated against the configured lead time and horizon
// relative to now. A "closed" exception removes its date entirely; a "custom"
// exception replaces the weekly rule windows for its date. Every wall-clock
// value is converted through the provider's timezone per calendar date, so a
// DST transition inside the range shifts only the dates it affects.
func ResolveSlots(cfg SchedulingConfig, rules []WeeklyRule, exceptions []DateException, from, to, now time.Time) ([]Slot, error) {
	from = from.UTC()
	to = to.UTC()
	now = now.UTC()

	if !from.Before(to) {
		return nil, errors.New("window start must be before window end")
	}
	if cfg.SlotDurationMinutes <= 0 {
		return nil, errors.New("slot duration must be positive")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	minStart := now.Add(cfg.LeadTime())
	maxEnd := now.Add(cfg.Horizon())
	if from.Before(now) {
		return nil, errors.New("window start is in the past")
	}
	if to.After(maxEnd) {
		return nil, fmt.Errorf("window end exceeds the %d day booking horizon", cfg.HorizonDays)
	}

	byWeekday := make(map[time.Weekday][]TimeWindow)
	for _, r := range rules {
		if !r.Active {
			continue
		}
		wd := time.Weekday(r.Weekday)
		byWeekday[wd] = append(byWeekday[wd], r.Window())
	}

	exByDate := make(map[string]DateException, len(exceptions))
	for _, ex := range exceptions {
		exByDate[ex.Date] = ex
	}

	slotDur := cfg.SlotDuration()
	slotMinutes := cfg.SlotDurationMinutes

	fromLocal := from.In(loc)
	toLocal := to.In(loc)
	firstDay := time.Date(fromLocal.Year(), fromLocal.Month(), fromLocal.Day(), 0, 0, 0, 0, loc)
	lastDay := time.Date(toLocal.Year(), toLocal.Month(), toLocal.Day(), 0, 0, 0, 0, loc)

	out := make([]Slot, 0, 16)
	for day := firstDay; !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		var windows []TimeWindow
		if ex, ok := exByDate[day.Format(DateLayout)]; ok {
			if ex.Kind == ExceptionKindClosed {
				continue
			}
			windows = ex.Windows
		} else {
			windows = byWeekday[day.Weekday()]
		}

		for _, w := range windows {
			winStart, winEnd, err := w.Minutes()
			if err != nil {
				return nil, err
			}
			if winStart >= winEnd {
				return nil, fmt.Errorf("malformed window %s-%s", w.Start, w.End)
			}

			// No truncated trailing slot: the last slot's local end must
			// stay inside the window.
			for cur := winStart; cur+slotMinutes <= winEnd; cur += slotMinutes {
				start, ok := localInstant(day, cur, loc)
				if !ok {
					continue
				}
				if start.Before(minStart) || start.Before(from) {
					continue
				}
				end := start.Add(slotDur)
				if end.After(to) {
					continue
				}
				out = append(out, Slot{Start: start, End: end})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// localInstant resolves a minute-of-day on a local calendar date to a UTC
// instant, re-deriving the UTC offset for that specific date. A wall time
// inside a spring-forward gap does not exist on that date; time.Date
// normalizes it to a neighboring instant, so the round trip is checked and
// such times report ok=false instead of colliding with a real slot.
func localInstant(day time.Time, minuteOfDay int, loc *time.Location) (time.Time, bool) {
	t := time.Date(day.Year(), day.Month(), day.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, loc)
	if t.Day() != day.Day() || t.Hour()*60+t.Minute() != minuteOfDay {
		return time.Time{}, false
	}
	return t.UTC(), true
}

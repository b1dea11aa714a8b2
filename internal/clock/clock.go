// Package clock provides the injected time source used by every
// time-sensitive operation, so lead-time, horizon and expiry boundaries are
// deterministic under test.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

package domain

import (
	"fmt"
	"time"
)

// QuotaDayLayout is the storage format of a quota day.
const QuotaDayLayout = "2006-01-02"

// QuotaRecord is cumulative usage for one (principal, UTC day) pair.
type QuotaRecord struct {
	PrincipalID string
	Day         QuotaDay
	Used        int
	Limit       int
}

// QuotaDay is a calendar date in UTC. All quota windows use UTC regardless of
// the caller's or the server's local zone.
type QuotaDay struct {
	t time.Time
}

// QuotaDayOf returns the UTC calendar day containing t.
func QuotaDayOf(t time.Time) QuotaDay {
	u := t.UTC()
	return QuotaDay{t: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

func ParseQuotaDay(s string) (QuotaDay, error) {
	t, err := time.Parse(QuotaDayLayout, s)
	if err != nil {
		return QuotaDay{}, fmt.Errorf("%w: invalid quota day %q", ErrValidation, s)
	}
	return QuotaDay{t: t.UTC()}, nil
}

func (d QuotaDay) String() string { return d.t.Format(QuotaDayLayout) }

func (d QuotaDay) IsZero() bool { return d.t.IsZero() }

// Start is midnight UTC at the beginning of the day.
func (d QuotaDay) Start() time.Time { return d.t }

// Next returns the following day.
func (d QuotaDay) Next() QuotaDay { return QuotaDay{t: d.t.AddDate(0, 0, 1)} }

// ResetAt is the instant the day's quota resets (next midnight UTC).
func (d QuotaDay) ResetAt() time.Time { return d.Next().Start() }

// RetryAfter returns whole seconds from now until the quota of now's day
// resets. It never returns less than one second.
func RetryAfter(now time.Time) int {
	reset := QuotaDayOf(now).ResetAt()
	remaining := reset.Sub(now.UTC())
	seconds := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

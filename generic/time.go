package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar day in an operator's local zone
// =============================================================================

// Day is a calendar date without a zone. It only becomes an instant range
// once paired with a location (see Window).
type Day struct {
	Year  int
	Month time.Month
	Date  int
}

const dayLayout = "2006-01-02"

// NewDay builds a Day, normalizing overflow (e.g. Jan 32 -> Feb 1).
func NewDay(year int, month time.Month, date int) Day {
	t := time.Date(year, month, date, 0, 0, 0, 0, time.UTC)
	return Day{Year: t.Year(), Month: t.Month(), Date: t.Day()}
}

// DayOf returns the day containing t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Day{Year: lt.Year(), Month: lt.Month(), Date: lt.Day()}
}

// ParseDay parses YYYY-MM-DD.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q (use YYYY-MM-DD): %w", s, err)
	}
	return Day{Year: t.Year(), Month: t.Month(), Date: t.Day()}, nil
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Date)
}

func (d Day) IsZero() bool { return d == Day{} }

// AddDays moves by n calendar days.
func (d Day) AddDays(n int) Day { return NewDay(d.Year, d.Month, d.Date+n) }

func (d Day) Before(other Day) bool { return d.String() < other.String() }
func (d Day) After(other Day) bool  { return d.String() > other.String() }

// Start returns local midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Date, 0, 0, 0, 0, loc)
}

// Window returns [local midnight, next local midnight) for d in loc.
// On DST transitions the window is 23 or 25 hours long.
func (d Day) Window(loc *time.Location) Window {
	return Window{Start: d.Start(loc), End: d.AddDays(1).Start(loc)}
}

// =============================================================================
// WINDOW - Half-open instant range
// =============================================================================

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t is in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// DayBoundary returns the end of the local day that contains t, i.e. the
// next local midnight strictly after t.
func DayBoundary(t time.Time, loc *time.Location) time.Time {
	return DayOf(t, loc).Window(loc).End
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts time.Now so engines can be driven by tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ At time.Time }

func (c FixedClock) Now() time.Time { return c.At }

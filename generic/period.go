package generic

import "time"

// =============================================================================
// PERIOD - Reporting windows for revenue progress
// =============================================================================

// PeriodType defines how a progress period is derived from "now".
type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"   // today, local midnight to midnight
	PeriodWeekly  PeriodType = "weekly"  // Sunday through Saturday
	PeriodMonthly PeriodType = "monthly" // first of the month to first of next
)

// AllPeriods lists the periods reported by revenue progress, in display order.
var AllPeriods = []PeriodType{PeriodDaily, PeriodWeekly, PeriodMonthly}

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// PeriodFor returns the window of the given type that contains now in loc.
func PeriodFor(p PeriodType, now time.Time, loc *time.Location) Window {
	today := DayOf(now, loc)
	switch p {
	case PeriodWeekly:
		weekday := today.Start(loc).Weekday()
		first := today.AddDays(-int(weekday))
		return Window{Start: first.Start(loc), End: first.AddDays(7).Start(loc)}
	case PeriodMonthly:
		first := NewDay(today.Year, today.Month, 1)
		next := NewDay(today.Year, today.Month+1, 1)
		return Window{Start: first.Start(loc), End: next.Start(loc)}
	default:
		return today.Window(loc)
	}
}

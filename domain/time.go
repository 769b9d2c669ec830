package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// TIME RANGE - Half-open interval [Start, End)
// =============================================================================

// TimeRange is a half-open interval. A range whose End equals its Start is
// empty and overlaps nothing, so back-to-back bookings never collide.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange builds a range, rejecting End before Start.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	if start.IsZero() || end.IsZero() {
		return TimeRange{}, &ValidationError{Field: "time_range", Message: "start and end are required"}
	}
	if end.Before(start) {
		return TimeRange{}, &ValidationError{Field: "time_range", Message: "end before start"}
	}
	return TimeRange{Start: start, End: end}, nil
}

// RangeFor returns [start, start+minutes).
func RangeFor(start time.Time, minutes int) TimeRange {
	return TimeRange{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

func (r TimeRange) IsEmpty() bool           { return !r.Start.Before(r.End) }
func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// Overlaps reports whether r and o share any instant: s1 < e2 AND s2 < e1.
func (r TimeRange) Overlaps(o TimeRange) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains reports whether t lies in [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// =============================================================================
// CALENDAR DAYS
// =============================================================================

// DayRange returns the calendar day containing t in loc as [00:00, next 00:00).
func DayRange(t time.Time, loc *time.Location) TimeRange {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return TimeRange{Start: start, End: start.AddDate(0, 0, 1)}
}

// ParseDay parses a YYYY-MM-DD date in loc and returns its day range.
func ParseDay(s string, loc *time.Location) (TimeRange, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return TimeRange{}, &ValidationError{Field: "date", Message: "use YYYY-MM-DD"}
	}
	return DayRange(t, loc), nil
}

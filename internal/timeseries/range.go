package timeseries

import (
	"fmt"
	"time"
)

// DateRange is an inclusive span of calendar dates, start <= end. Both
// bounds are normalized to midnight UTC so equality and arithmetic are
// well-defined regardless of how the caller constructed them.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange builds a DateRange, normalizing both bounds to UTC midnight.
func NewDateRange(start, end time.Time) (DateRange, error) {
	s := truncateToDate(start)
	e := truncateToDate(end)
	if s.After(e) {
		return DateRange{}, fmt.Errorf("invalid date range: start %s after end %s", s.Format("2006-01-02"), e.Format("2006-01-02"))
	}
	return DateRange{Start: s, End: e}, nil
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ExtendBackward returns a new range whose start is pulled back by n
// calendar days. n must be >= 0.
func (r DateRange) ExtendBackward(n int) DateRange {
	if n <= 0 {
		return r
	}
	return DateRange{Start: r.Start.AddDate(0, 0, -n), End: r.End}
}

// Contains reports whether ts (truncated to a date) falls within the
// inclusive range.
func (r DateRange) Contains(ts time.Time) bool {
	d := truncateToDate(ts)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Days returns the number of calendar days spanned, inclusive of both ends.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

package schedule

import "time"

// Clock abstracts "now" so services and jobs can be tested against a fixed
// date. Engine math itself never consults the clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a Clock pinned to t.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }

// AddMonthsClamped adds n calendar months to t, clamping the day of month to
// the last valid day of the target month. Unlike time.AddDate, Jan 31 + 1
// month yields Feb 28 (or 29), not Mar 2/3. The anchor's day is preserved
// whenever the target month has it, so Jan 31 + 2 months is Mar 31.
func AddMonthsClamped(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := DaysInMonth(target); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// EndOfMonth returns the last day of t's month at t's time of day.
func EndOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	last := firstOfNext.AddDate(0, 0, -1)
	return time.Date(last.Year(), last.Month(), last.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// DaysInMonth returns the number of days in t's month.
func DaysInMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// dateOnly truncates t to midnight in its location. Schedule dates are
// calendar dates; comparing them with time-of-day noise causes off-by-one
// period bugs.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

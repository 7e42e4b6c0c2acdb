package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddMonthsClampedRollsOverMonthEnd(t *testing.T) {
	cases := []struct {
		name   string
		start  time.Time
		months int
		want   time.Time
	}{
		{"jan 31 to leap feb", date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{"jan 31 to non-leap feb", date(2023, time.January, 31), 1, date(2023, time.February, 28)},
		{"anchor day restored past short month", date(2024, time.January, 31), 2, date(2024, time.March, 31)},
		{"plain mid-month step", date(2024, time.March, 15), 1, date(2024, time.April, 15)},
		{"year boundary", date(2024, time.November, 30), 3, date(2025, time.February, 28)},
		{"zero months", date(2024, time.May, 10), 0, date(2024, time.May, 10)},
		{"many months", date(2024, time.January, 31), 13, date(2025, time.February, 28)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.True(t, AddMonthsClamped(tc.start, tc.months).Equal(tc.want))
		})
	}
}

func TestEndOfMonth(t *testing.T) {
	require.Equal(t, 29, EndOfMonth(date(2024, time.February, 10)).Day())
	require.Equal(t, 28, EndOfMonth(date(2023, time.February, 10)).Day())
	require.Equal(t, 31, EndOfMonth(date(2024, time.December, 1)).Day())
	require.Equal(t, 30, DaysInMonth(date(2024, time.April, 22)))
}

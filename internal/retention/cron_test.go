package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"0 3 * *",        // four fields
		"0 3 * * * *",    // six fields
		"60 3 * * *",     // minute out of range
		"0 24 * * *",     // hour out of range
		"0 3 0 * *",      // day of month starts at 1
		"0 3 * 13 *",     // month out of range
		"0 3 * * 7",      // weekday 0-6
		"*/0 * * * *",    // zero step
		"a b c d e",      // not numeric
		"0 3 * * 5-1",    // inverted range
	} {
		_, err := ParseSchedule(expr)
		assert.Error(t, err, expr)
	}
}

func TestParseScheduleAccepts(t *testing.T) {
	for _, expr := range []string{
		"0 3 * * *",
		"*/15 * * * *",
		"30 2 1 * *",
		"0 8-18 * * 1-5",
		"0 0,12 * * *",
	} {
		_, err := ParseSchedule(expr)
		assert.NoError(t, err, expr)
	}
}

func TestScheduleMatches(t *testing.T) {
	s, err := ParseSchedule("0 3 * * *")
	require.NoError(t, err)

	assert.True(t, s.Matches(time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, s.Matches(time.Date(2024, 3, 1, 3, 1, 0, 0, time.UTC)))
	assert.False(t, s.Matches(time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)))
}

func TestScheduleNext(t *testing.T) {
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{
			expr: "0 3 * * *",
			from: time.Date(2024, 3, 1, 2, 15, 0, 0, time.UTC),
			want: time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC),
		},
		{
			// Already past today's fire, rolls to tomorrow.
			expr: "0 3 * * *",
			from: time.Date(2024, 3, 1, 3, 0, 30, 0, time.UTC),
			want: time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC),
		},
		{
			expr: "*/15 * * * *",
			from: time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC),
			want: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		},
		{
			// Weekday constraint: March 1st 2024 is a Friday, so the next
			// Monday 08:00 is March 4th.
			expr: "0 8 * * 1",
			from: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
			want: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC),
		},
		{
			// First of the month.
			expr: "30 2 1 * *",
			from: time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC),
			want: time.Date(2024, 4, 1, 2, 30, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		s, err := ParseSchedule(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, s.Next(tc.from), "%s from %s", tc.expr, tc.from)
	}
}

package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Duration(t *testing.T) {
	tests := []struct {
		name     string
		label    string
		expected time.Duration
	}{
		{name: "one minute", label: "1m", expected: time.Minute},
		{name: "five minutes", label: "5m", expected: 5 * time.Minute},
		{name: "four hours", label: "4h", expected: 4 * time.Hour},
		{name: "one day", label: "1d", expected: 24 * time.Hour},
		{name: "one week", label: "1w", expected: 7 * 24 * time.Hour},
		{name: "one month approximation", label: "1M", expected: 30 * 24 * time.Hour},
		{name: "unknown label fails closed to one minute", label: "7x", expected: time.Minute},
		{name: "empty label fails closed to one minute", label: "", expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Duration(tt.label))
		})
	}
}

func Test_Known(t *testing.T) {
	assert.True(t, Known("1m"))
	assert.True(t, Known("1M"))
	assert.False(t, Known("2d"))
	assert.False(t, Known(""))
}

func Test_WindowStart(t *testing.T) {
	// Wednesday 2024-07-17 13:47:23.5 UTC
	ts := time.Date(2024, 7, 17, 13, 47, 23, 500_000_000, time.UTC)

	tests := []struct {
		name     string
		label    string
		ts       time.Time
		expected time.Time
	}{
		{
			name:     "one minute floors to minute",
			label:    "1m",
			ts:       ts,
			expected: time.Date(2024, 7, 17, 13, 47, 0, 0, time.UTC),
		},
		{
			name:     "fifteen minutes floors to quarter hour",
			label:    "15m",
			ts:       ts,
			expected: time.Date(2024, 7, 17, 13, 45, 0, 0, time.UTC),
		},
		{
			name:     "four hours floors to bucket",
			label:    "4h",
			ts:       ts,
			expected: time.Date(2024, 7, 17, 12, 0, 0, 0, time.UTC),
		},
		{
			name:     "one day floors to midnight",
			label:    "1d",
			ts:       ts,
			expected: time.Date(2024, 7, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "week aligns to most recent Monday",
			label:    "1w",
			ts:       ts,
			expected: time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "week on a Monday is that Monday",
			label:    "1w",
			ts:       time.Date(2024, 7, 15, 9, 30, 0, 0, time.UTC),
			expected: time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "week on a Sunday goes back six days",
			label:    "1w",
			ts:       time.Date(2024, 7, 21, 23, 59, 59, 0, time.UTC),
			expected: time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "month aligns to first of month",
			label:    "1M",
			ts:       ts,
			expected: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, WindowStart(tt.ts, tt.label))
		})
	}
}

func Test_WindowEnd(t *testing.T) {
	ts := time.Date(2024, 7, 17, 13, 47, 0, 0, time.UTC)

	assert.Equal(t,
		time.Date(2024, 7, 17, 13, 48, 0, 0, time.UTC),
		WindowEnd(ts, "1m"))

	// Month windows end on the first of the next month, not 30 days later.
	assert.Equal(t,
		time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd(ts, "1M"))
}

func Test_SameWindow(t *testing.T) {
	a := time.Date(2024, 7, 17, 13, 47, 1, 0, time.UTC)
	b := time.Date(2024, 7, 17, 13, 47, 59, 0, time.UTC)
	c := time.Date(2024, 7, 17, 13, 48, 0, 0, time.UTC)

	assert.True(t, SameWindow(a, b, "1m"))
	assert.False(t, SameWindow(b, c, "1m"))
	assert.True(t, SameWindow(a, c, "1h"))
}

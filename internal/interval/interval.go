// Package interval maps human interval labels (e.g. "1m", "4h", "1d") to
// durations and aligns timestamps to the start of their candle window.
//
// All alignment is done in UTC. Week windows start on the most recent Monday
// 00:00 UTC, month windows on the 1st of the month 00:00 UTC; everything else
// is a plain floor division by the interval duration.
package interval

import "time"

// DefaultLabel is the interval assumed when a label is unknown. Unknown
// labels fail closed to it rather than erroring so a bad config entry cannot
// stall the pipeline.
const DefaultLabel = "1m"

// durations is the fixed lookup table of supported interval labels. The
// month entry is a 30-day approximation; month window *alignment* does not
// use it (see WindowStart).
var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// Duration returns the duration of the given interval label. Unknown labels
// return the duration of DefaultLabel.
func Duration(label string) time.Duration {
	if d, ok := durations[label]; ok {
		return d
	}
	return durations[DefaultLabel]
}

// Known reports whether the label is in the supported interval table.
func Known(label string) bool {
	_, ok := durations[label]
	return ok
}

// WindowStart returns the start of the candle window containing ts for the
// given interval label.
func WindowStart(ts time.Time, label string) time.Time {
	ts = ts.UTC()
	switch label {
	case "1w":
		// Most recent Monday 00:00 UTC.
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		offset := int(day.Weekday()) - int(time.Monday)
		if offset < 0 { // Sunday
			offset += 7
		}
		return day.AddDate(0, 0, -offset)
	case "1M":
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return ts.Truncate(Duration(label))
	}
}

// WindowEnd returns the exclusive end of the candle window containing ts.
func WindowEnd(ts time.Time, label string) time.Time {
	start := WindowStart(ts, label)
	if label == "1M" {
		return start.AddDate(0, 1, 0)
	}
	return start.Add(Duration(label))
}

// SameWindow reports whether two timestamps fall into the same candle window
// for the given interval label.
func SameWindow(a, b time.Time, label string) bool {
	return WindowStart(a, label).Equal(WindowStart(b, label))
}

// Package buffer maintains the per-stream ordered candle series and the data
// quality counters that observe its mutations.
//
// A Buffer holds candles for exactly one stream key, strictly increasing by
// window start and capped at a configurable maximum length (oldest evicted
// first). It is the only component allowed to mutate the series; everything
// upstream funnels through Merge, which reconciles partial, duplicate and
// out-of-order updates into a single canonical sequence.
package buffer

import (
	"sort"

	"marketstream/internal/interval"
	"marketstream/internal/model"
)

const (
	// defaultCapacity bounds a buffer when no explicit cap is configured.
	defaultCapacity = 500

	// backfillLookback is how many recent elements are searched when an
	// update arrives for a window older than the newest one. Anything
	// further back is considered too stale to place.
	backfillLookback = 10
)

// MergeOutcome describes what Merge did with an incoming candle.
type MergeOutcome int

const (
	// Appended means the candle opened a new, newer window.
	Appended MergeOutcome = iota

	// Replaced means the candle refined the current (newest) window in place.
	Replaced

	// Backfilled means the candle corrected an older window found within the
	// lookback range.
	Backfilled

	// IgnoredStale means the candle's window is older than anything the
	// lookback reaches; the update was dropped.
	IgnoredStale

	// RejectedInvalid means the candle failed OHLCV validation and never
	// entered the buffer.
	RejectedInvalid
)

// MergeResult reports the outcome of a single Merge call.
type MergeResult struct {
	Outcome      MergeOutcome
	Evicted      bool // an old candle was evicted to honor the cap
	PriceChanged bool // a replace changed the close price
	Err          error // validation error when Outcome is RejectedInvalid
}

// Buffer is the ordered candle series for one stream key.
type Buffer struct {
	key      model.StreamKey
	capacity int
	candles  []model.Candle
}

// New creates an empty buffer for the given stream key. A non-positive
// capacity falls back to the default.
func New(key model.StreamKey, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{
		key:      key,
		capacity: capacity,
		candles:  make([]model.Candle, 0, capacity),
	}
}

// Key returns the stream key this buffer belongs to.
func (b *Buffer) Key() model.StreamKey { return b.key }

// Len returns the current number of candles.
func (b *Buffer) Len() int { return len(b.candles) }

// Last returns the newest candle, if any.
func (b *Buffer) Last() (model.Candle, bool) {
	if len(b.candles) == 0 {
		return model.Candle{}, false
	}
	return b.candles[len(b.candles)-1], true
}

// Snapshot returns a copy of the series, oldest first. Mutating the returned
// slice does not affect the buffer.
func (b *Buffer) Snapshot() []model.Candle {
	out := make([]model.Candle, len(b.candles))
	copy(out, b.candles)
	return out
}

// Merge reconciles an incoming candle into the series.
//
// The incoming window start is canonicalized to the stream's interval before
// comparison, so upstream timestamps anywhere inside a window land on the
// same element. Same-window updates replace the newest element in place (the
// common case: a partial candle refined tick by tick), strictly newer windows
// append with FIFO eviction at the cap, and older windows are backfilled only
// if found within the lookback range.
func (b *Buffer) Merge(c model.Candle) MergeResult {
	if err := c.Validate(); err != nil {
		return MergeResult{Outcome: RejectedInvalid, Err: err}
	}
	c.WindowStart = interval.WindowStart(c.WindowStart, b.key.Interval)

	if len(b.candles) == 0 {
		b.candles = append(b.candles, c)
		return MergeResult{Outcome: Appended}
	}

	last := &b.candles[len(b.candles)-1]
	switch {
	case c.WindowStart.Equal(last.WindowStart):
		changed := !last.Close.Equal(c.Close)
		replaceInPlace(last, c)
		return MergeResult{Outcome: Replaced, PriceChanged: changed}

	case c.WindowStart.After(last.WindowStart):
		b.candles = append(b.candles, c)
		evicted := false
		if len(b.candles) > b.capacity {
			b.candles = b.candles[1:]
			evicted = true
		}
		return MergeResult{Outcome: Appended, Evicted: evicted}

	default:
		return b.backfill(c)
	}
}

// backfill searches backward through the most recent elements for the
// incoming candle's window and corrects it in place when found. The series
// is re-sorted afterwards to keep the ordering invariant even if the
// correction landed out of position relative to very recent entries.
func (b *Buffer) backfill(c model.Candle) MergeResult {
	lo := len(b.candles) - backfillLookback
	if lo < 0 {
		lo = 0
	}
	for i := len(b.candles) - 1; i >= lo; i-- {
		if b.candles[i].WindowStart.Equal(c.WindowStart) {
			changed := !b.candles[i].Close.Equal(c.Close)
			replaceInPlace(&b.candles[i], c)
			sort.SliceStable(b.candles, func(x, y int) bool {
				return b.candles[x].WindowStart.Before(b.candles[y].WindowStart)
			})
			return MergeResult{Outcome: Backfilled, PriceChanged: changed}
		}
	}
	return MergeResult{Outcome: IgnoredStale}
}

// replaceInPlace overwrites dst's price fields with src while keeping the
// finality flag monotonic: a final window never becomes non-final again.
func replaceInPlace(dst *model.Candle, src model.Candle) {
	final := dst.IsFinal || src.IsFinal
	*dst = src
	dst.IsFinal = final
}

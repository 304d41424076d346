package buffer

import (
	"sync"

	"marketstream/internal/model"
)

// QualityCounters accumulates data-quality observations for one stream.
type QualityCounters struct {
	Duplicates   int64 // same-window replaces of the newest candle
	OutOfOrder   int64 // backfilled corrections of older windows
	PriceChanges int64 // replaces that changed the close price
	Invalid      int64 // candles rejected by validation
	IgnoredStale int64 // updates too old to place
	FetchErrors  int64 // failed historical/poll fetches
}

// QualityTracker keeps per-stream data-quality counters. It only observes
// buffer mutations and fetch failures; it never influences the pipeline.
type QualityTracker struct {
	mu       sync.Mutex
	counters map[model.StreamKey]*QualityCounters
}

// NewQualityTracker creates an empty tracker.
func NewQualityTracker() *QualityTracker {
	return &QualityTracker{counters: make(map[model.StreamKey]*QualityCounters)}
}

// Observe records the outcome of a merge for the given stream.
func (t *QualityTracker) Observe(key model.StreamKey, res MergeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(key)
	switch res.Outcome {
	case Replaced:
		c.Duplicates++
	case Backfilled:
		c.OutOfOrder++
	case RejectedInvalid:
		c.Invalid++
	case IgnoredStale:
		c.IgnoredStale++
	}
	if res.PriceChanged {
		c.PriceChanges++
	}
}

// ObserveFetchError records a failed historical or polling fetch.
func (t *QualityTracker) ObserveFetchError(key model.StreamKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(key).FetchErrors++
}

// For returns a copy of the counters for one stream.
func (t *QualityTracker) For(key model.StreamKey) QualityCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[key]; ok {
		return *c
	}
	return QualityCounters{}
}

// Snapshot returns a copy of all counters keyed by stream.
func (t *QualityTracker) Snapshot() map[model.StreamKey]QualityCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.StreamKey]QualityCounters, len(t.counters))
	for k, c := range t.counters {
		out[k] = *c
	}
	return out
}

// Forget drops the counters for a stream, e.g. after unsubscribe.
func (t *QualityTracker) Forget(key model.StreamKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, key)
}

func (t *QualityTracker) get(key model.StreamKey) *QualityCounters {
	c, ok := t.counters[key]
	if !ok {
		c = &QualityCounters{}
		t.counters[key] = c
	}
	return c
}

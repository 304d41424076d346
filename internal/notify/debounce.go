// Package notify coalesces bursts of buffer mutations into at most one
// notification per stream key per debounce window.
//
// For each key only the most recent pending update is retained; every new
// update re-arms the key's timer, so one notification fires per burst,
// carrying the last value observed. Intermediate states inside the window
// are coalesced away; the final observed state is never lost.
package notify

import (
	"sync"
	"time"

	"marketstream/internal/model"
)

// defaultInterval is the debounce window applied when none is configured.
const defaultInterval = 150 * time.Millisecond

type entry struct {
	update model.StreamUpdate
	timer  *time.Timer
	seq    uint64
}

// Debouncer retains the latest pending update per stream key and emits it
// once the key's timer fires. All methods are safe for concurrent use.
type Debouncer struct {
	interval time.Duration
	emit     func(model.StreamUpdate)

	mu      sync.Mutex
	pending map[model.StreamKey]*entry
	closed  bool
}

// New creates a debouncer that calls emit with the coalesced update. A
// non-positive interval falls back to the default window.
func New(interval time.Duration, emit func(model.StreamUpdate)) *Debouncer {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Debouncer{
		interval: interval,
		emit:     emit,
		pending:  make(map[model.StreamKey]*entry),
	}
}

// Offer records u as the pending update for its key and re-arms the key's
// timer. Offers after Close are dropped.
func (d *Debouncer) Offer(u model.StreamUpdate) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	e, ok := d.pending[u.Key]
	if !ok {
		e = &entry{}
		d.pending[u.Key] = e
	}
	e.update = u
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
	}
	key, seq := u.Key, e.seq
	e.timer = time.AfterFunc(d.interval, func() { d.fire(key, seq) })
	d.mu.Unlock()
}

// fire emits the pending update for key, unless the slot was cancelled or
// re-armed since this timer was set. The sequence check makes a timer that
// lost a race against Offer or Cancel a no-op rather than a stale emission.
func (d *Debouncer) fire(key model.StreamKey, seq uint64) {
	d.mu.Lock()
	e, ok := d.pending[key]
	if !ok || e.seq != seq || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	u := e.update
	d.mu.Unlock()

	d.emit(u)
}

// Cancel drops any pending update for key and disarms its timer. A timer
// that already fired but has not yet run becomes a no-op.
func (d *Debouncer) Cancel(key model.StreamKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.pending[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.pending, key)
	}
}

// Close disarms all timers and drops all pending updates. The debouncer
// accepts no further offers afterwards.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, e := range d.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.pending, key)
	}
}

// PendingLen returns the number of keys with an armed timer.
func (d *Debouncer) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

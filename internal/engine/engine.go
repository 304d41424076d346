// Package engine wires the streaming pipeline together: transport manager
// (or polling fallback) -> candle buffer -> quality tracker -> debounced
// notifier -> event listeners. It owns the subscription registry and the
// per-stream buffers, and is the public-facing component of the subsystem.
//
// An Engine is an explicit instance constructed with New and torn down with
// Shutdown; it holds no process-wide state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marketstream/internal/buffer"
	"marketstream/internal/events"
	"marketstream/internal/interval"
	"marketstream/internal/model"
	"marketstream/internal/notify"
	"marketstream/internal/poller"
	"marketstream/internal/transport"
)

// ErrEngineClosed is returned by Subscribe after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// updateQueueSize buffers inbound updates between the transports and the
// merge loop.
const updateQueueSize = 1024

// Config tunes the engine and its components.
type Config struct {
	// BufferCapacity caps each stream's candle buffer (FIFO eviction).
	BufferCapacity int

	// DebounceInterval is the notification coalescing window.
	DebounceInterval time.Duration

	// InitialLoadLimit is how many historical candles Subscribe loads
	// before live updates are consumed.
	InitialLoadLimit int

	// Transport tunes the push-connection lifecycle.
	Transport transport.Config

	// Poll tunes the pull-based fallback.
	Poll poller.Config
}

func (c *Config) applyDefaults() {
	if c.InitialLoadLimit <= 0 {
		c.InitialLoadLimit = 100
	}
}

// Engine coordinates one set of subscriptions over one upstream connection.
type Engine struct {
	cfg       Config
	emitter   *events.Emitter
	tracker   *buffer.QualityTracker
	debouncer *notify.Debouncer
	transport *transport.Manager
	poller    *poller.Poller
	fetcher   poller.Fetcher
	updates   chan model.StreamUpdate

	mu       sync.RWMutex
	registry map[model.StreamKey]struct{}
	buffers  map[model.StreamKey]*buffer.Buffer
	closed   bool

	runCancel context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
}

// New creates an engine over the given wire codec and historical fetcher
// and starts its merge loop. The engine connects lazily on the first
// Subscribe.
func New(cfg Config, codec transport.Codec, fetcher poller.Fetcher) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:      cfg,
		emitter:  events.NewEmitter(),
		tracker:  buffer.NewQualityTracker(),
		fetcher:  fetcher,
		updates:  make(chan model.StreamUpdate, updateQueueSize),
		registry: make(map[model.StreamKey]struct{}),
		buffers:  make(map[model.StreamKey]*buffer.Buffer),
	}
	e.debouncer = notify.New(cfg.DebounceInterval, e.emitCandleUpdate)
	e.transport = transport.New(cfg.Transport, codec, e.registryKeys, e.updates, e.onTransportState)
	e.poller = poller.New(cfg.Poll, fetcher, e.registryKeys, e.updates, e.onFetchError)

	ctx, cancel := context.WithCancel(context.Background())
	e.runCancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return e
}

// registryKeys snapshots the currently subscribed stream keys; it is the
// KeysFunc handed to the transport manager and the poller.
func (e *Engine) registryKeys() []model.StreamKey {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]model.StreamKey, 0, len(e.registry))
	for k := range e.registry {
		keys = append(keys, k)
	}
	return keys
}

// Events returns the engine's event surface for attaching and detaching
// listeners.
func (e *Engine) Events() *events.Emitter { return e.emitter }

// State returns the current transport connection state.
func (e *Engine) State() model.ConnectionState { return e.transport.State() }

// Subscribe registers (symbol, interval), loads initial history, and issues
// the transport-level subscribe (connecting first if needed). Re-subscribing
// an already-active key is a no-op. An initial-load failure propagates to
// the caller and leaves the key unregistered so a retry is possible.
func (e *Engine) Subscribe(ctx context.Context, symbol, intervalLabel string) error {
	key := newKey(symbol, intervalLabel)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if _, ok := e.registry[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.registry[key] = struct{}{}
	e.buffers[key] = buffer.New(key, e.cfg.BufferCapacity)
	e.mu.Unlock()

	if err := e.initialLoad(ctx, key); err != nil {
		e.mu.Lock()
		delete(e.registry, key)
		delete(e.buffers, key)
		e.mu.Unlock()
		e.tracker.ObserveFetchError(key)
		return fmt.Errorf("initial load for %s failed: %w", key, err)
	}

	log.Info().Stringer("key", key).Msg("subscribed")
	e.emitter.Emit(events.Event{Type: events.Subscribed, Key: key})

	e.transport.Subscribe(key)
	e.transport.Connect()
	return nil
}

// initialLoad seeds the stream's buffer from the historical fetch accessor.
func (e *Engine) initialLoad(ctx context.Context, key model.StreamKey) error {
	candles, err := e.fetcher.Fetch(ctx, key.Symbol, key.Interval, e.cfg.InitialLoadLimit)
	if err != nil {
		return err
	}

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.buffers[key]
	if !ok {
		// Unsubscribed while the fetch was in flight.
		return nil
	}
	for _, c := range candles {
		c.IsFinal = c.IsFinal || poller.Finalized(c, key.Interval, now, e.cfg.Poll.FinalizeGrace)
		e.tracker.Observe(key, buf.Merge(c))
	}
	return nil
}

// Unsubscribe removes the key from the registry, clears its buffer and
// cancels any pending notification. It is idempotent; unknown keys are a
// no-op.
func (e *Engine) Unsubscribe(symbol, intervalLabel string) {
	key := newKey(symbol, intervalLabel)

	e.mu.Lock()
	if _, ok := e.registry[key]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.registry, key)
	delete(e.buffers, key)
	e.mu.Unlock()

	e.debouncer.Cancel(key)
	e.tracker.Forget(key)
	e.transport.Unsubscribe(key)

	log.Info().Stringer("key", key).Msg("unsubscribed")
	e.emitter.Emit(events.Event{Type: events.Unsubscribed, Key: key})
}

// GetBuffer returns a read-only snapshot of the stream's candle series,
// empty for unknown keys.
func (e *Engine) GetBuffer(symbol, intervalLabel string) []model.Candle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if buf, ok := e.buffers[newKey(symbol, intervalLabel)]; ok {
		return buf.Snapshot()
	}
	return []model.Candle{}
}

// LatestPrice returns the close of the stream's newest candle, if any.
func (e *Engine) LatestPrice(symbol, intervalLabel string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if buf, ok := e.buffers[newKey(symbol, intervalLabel)]; ok {
		if last, ok := buf.Last(); ok {
			return last.Close, true
		}
	}
	return decimal.Decimal{}, false
}

// QualityStats returns a snapshot of the per-stream data-quality counters.
func (e *Engine) QualityStats() map[model.StreamKey]buffer.QualityCounters {
	return e.tracker.Snapshot()
}

// Shutdown closes the transport, stops the poller, cancels all pending
// timers and clears the registry and buffers. It leaves no live timers or
// open connections and is safe to call multiple times.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.transport.Close()
		e.poller.Stop()
		e.debouncer.Close()
		e.runCancel()
		e.wg.Wait()

		e.mu.Lock()
		e.registry = make(map[model.StreamKey]struct{})
		e.buffers = make(map[model.StreamKey]*buffer.Buffer)
		e.mu.Unlock()

		log.Info().Msg("engine shut down")
	})
}

// run is the single merge loop: every update, regardless of transport, is
// applied here, so per-key ordering follows arrival order.
func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-e.updates:
			e.apply(u)
		}
	}
}

// apply merges one update into its buffer and schedules notifications. An
// update for an unsubscribed key is a no-op.
func (e *Engine) apply(u model.StreamUpdate) {
	u.Candle.WindowStart = interval.WindowStart(u.Candle.WindowStart, u.Key.Interval)

	e.mu.Lock()
	buf, ok := e.buffers[u.Key]
	if !ok {
		e.mu.Unlock()
		return
	}
	res := buf.Merge(u.Candle)
	var snapshot []model.Candle
	mutated := res.Outcome == buffer.Appended || res.Outcome == buffer.Replaced || res.Outcome == buffer.Backfilled
	if mutated {
		snapshot = buf.Snapshot()
	}
	e.mu.Unlock()

	e.tracker.Observe(u.Key, res)
	if res.Outcome == buffer.RejectedInvalid {
		log.Debug().Err(res.Err).Stringer("key", u.Key).Msg("dropped invalid candle")
	}
	if !mutated {
		return
	}

	e.emitter.Emit(events.Event{
		Type:   events.BufferUpdated,
		Key:    u.Key,
		Update: &u,
		Buffer: snapshot,
	})
	e.debouncer.Offer(u)
}

// emitCandleUpdate is the debouncer's emission hook: the externally-visible,
// rate-bounded candle event.
func (e *Engine) emitCandleUpdate(u model.StreamUpdate) {
	e.emitter.Emit(events.Event{Type: events.CandleUpdate, Key: u.Key, Update: &u})
}

// onTransportState reacts to connection lifecycle transitions: the poller
// runs exactly while the transport is in polling fallback.
func (e *Engine) onTransportState(state model.ConnectionState, err error) {
	switch state {
	case model.Connected:
		e.poller.Stop()
		e.emitter.Emit(events.Event{Type: events.Connected, State: state})
	case model.Reconnecting, model.Disconnected:
		e.emitter.Emit(events.Event{Type: events.Disconnected, State: state, Err: err})
	case model.PollingFallback:
		e.emitter.Emit(events.Event{Type: events.MaxAttemptsReached, State: state, Err: err})
		e.mu.RLock()
		closed := e.closed
		e.mu.RUnlock()
		if !closed {
			e.poller.Start()
		}
	}
}

// onFetchError records per-stream poll failures.
func (e *Engine) onFetchError(key model.StreamKey, err error) {
	e.tracker.ObserveFetchError(key)
}

// newKey normalizes the symbol to upper case; interval labels are kept
// verbatim because the interval codec fails closed on unknown labels.
func newKey(symbol, intervalLabel string) model.StreamKey {
	return model.StreamKey{Symbol: strings.ToUpper(symbol), Interval: intervalLabel}
}

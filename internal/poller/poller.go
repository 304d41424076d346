// Package poller implements the pull-based fallback transport: when the push
// connection cannot be sustained, it periodically fetches the most recent
// windows for every registered stream and feeds them through the same merge
// path as push updates, so downstream consumers cannot tell transports apart.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"marketstream/internal/interval"
	"marketstream/internal/model"
)

// Defaults applied by New when config fields are zero.
const (
	defaultPeriod        = 3 * time.Second
	defaultWindowCount   = 3
	defaultFinalizeGrace = 30 * time.Second
)

// Fetcher is the historical-fetch accessor: query by symbol, interval and
// limit, returning candles ascending by window start.
type Fetcher interface {
	Fetch(ctx context.Context, symbol, intervalLabel string, limit int) ([]model.Candle, error)
}

// KeysFunc returns the stream keys that should currently be polled.
type KeysFunc func() []model.StreamKey

// ErrorFunc is invoked for per-stream fetch failures.
type ErrorFunc func(key model.StreamKey, err error)

// Config tunes the polling cycle.
type Config struct {
	// Period is the polling cycle interval.
	Period time.Duration

	// WindowCount is how many recent windows are pulled per stream.
	WindowCount int

	// FinalizeGrace is how far past a window's end the current time must be
	// before the window is heuristically marked final; the pull API does not
	// report finality explicitly.
	FinalizeGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = defaultPeriod
	}
	if c.WindowCount <= 0 {
		c.WindowCount = defaultWindowCount
	}
	if c.FinalizeGrace <= 0 {
		c.FinalizeGrace = defaultFinalizeGrace
	}
}

// Poller periodically pulls recent windows for every registered stream.
type Poller struct {
	cfg     Config
	fetcher Fetcher
	keys    KeysFunc
	updates chan<- model.StreamUpdate
	onError ErrorFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped poller. Updates are delivered on the same channel
// the transport manager feeds.
func New(cfg Config, fetcher Fetcher, keys KeysFunc, updates chan<- model.StreamUpdate, onError ErrorFunc) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		keys:    keys,
		updates: updates,
		onError: onError,
	}
}

// Start begins the polling loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	log.Info().Dur("period", p.cfg.Period).Msg("polling fallback started")
}

// Stop halts the polling loop and waits for the in-flight cycle to finish.
// Calling Stop on a stopped poller is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	log.Info().Msg("polling fallback stopped")
}

// Running reports whether the polling loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range p.keys() {
				p.pollStream(ctx, key)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// pollStream fetches the most recent windows for one stream. Failures and
// panics are contained here so one bad stream cannot abort the cycle for
// the others.
func (p *Poller) pollStream(ctx context.Context, key model.StreamKey) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Stringer("key", key).Any("recover", r).Msg("panic polling stream")
		}
	}()

	candles, err := p.fetcher.Fetch(ctx, key.Symbol, key.Interval, p.cfg.WindowCount)
	if err != nil {
		log.Warn().Err(err).Stringer("key", key).Msg("poll fetch failed")
		if p.onError != nil {
			p.onError(key, err)
		}
		return
	}

	now := time.Now()
	for _, c := range candles {
		c.IsFinal = c.IsFinal || Finalized(c, key.Interval, now, p.cfg.FinalizeGrace)
		select {
		case p.updates <- model.StreamUpdate{Key: key, Candle: c}:
		case <-ctx.Done():
			return
		}
	}
}

// Finalized reports whether a pulled candle's window should be considered
// closed: the current time is more than the grace period past the window's
// end. This is a heuristic inherited from the pull API's lack of an explicit
// finality signal.
func Finalized(c model.Candle, intervalLabel string, now time.Time, grace time.Duration) bool {
	end := interval.WindowEnd(c.WindowStart, intervalLabel)
	return now.After(end.Add(grace))
}

// Package model defines core data types for the market-data streaming engine.
//
// This package contains the fundamental data structures flowing through the
// pipeline: stream identities, OHLCV candles and the updates that carry them,
// plus the transport connection lifecycle states. All monetary values use
// decimal.Decimal for precise financial calculations to avoid floating-point
// precision issues common in financial applications.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StreamKey identifies one (symbol, interval) subscription. It is comparable
// and used as a map key throughout the engine.
type StreamKey struct {
	Symbol   string // Trading symbol (e.g., "BTCUSDT")
	Interval string // Interval label (e.g., "1m", "4h", "1d")
}

// String returns the canonical "symbol@interval" form used in logs.
func (k StreamKey) String() string {
	return fmt.Sprintf("%s@%s", k.Symbol, k.Interval)
}

// Candle represents aggregated OHLCV values for one fixed time window,
// identified by the window's start timestamp.
//
// Invariants (enforced by Validate):
//   - High >= max(Open, Close)
//   - Low <= min(Open, Close)
//   - High >= Low
//   - all OHLC values strictly positive
//   - Volume >= 0
//
// IsFinal is monotonic per window: it may transition false->true when the
// window closes, never back.
type Candle struct {
	WindowStart time.Time       // Start of the candle's time window (UTC)
	Open        decimal.Decimal // Opening price
	High        decimal.Decimal // Highest price in window
	Low         decimal.Decimal // Lowest price in window
	Close       decimal.Decimal // Closing price
	Volume      decimal.Decimal // Total volume traded
	IsFinal     bool            // Whether the window is closed
}

// Validation errors returned by Candle.Validate.
var (
	ErrZeroWindow      = errors.New("candle has zero window start")
	ErrNonPositiveOHLC = errors.New("candle OHLC values must be strictly positive")
	ErrNegativeVolume  = errors.New("candle volume must be non-negative")
	ErrHighLowOrder    = errors.New("candle high/low violate OHLC ordering")
)

// Validate checks the OHLCV invariants. Candles that fail validation are
// dropped before they can enter a buffer.
func (c Candle) Validate() error {
	if c.WindowStart.IsZero() {
		return ErrZeroWindow
	}
	for _, v := range []decimal.Decimal{c.Open, c.High, c.Low, c.Close} {
		if !v.IsPositive() {
			return ErrNonPositiveOHLC
		}
	}
	if c.Volume.IsNegative() {
		return ErrNegativeVolume
	}
	if c.High.LessThan(c.Low) {
		return ErrHighLowOrder
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) {
		return ErrHighLowOrder
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return ErrHighLowOrder
	}
	return nil
}

// StreamUpdate is the unit of work flowing through the pipeline: one candle
// for one stream key, produced by the transport manager or the fallback
// poller and consumed by the candle buffer.
type StreamUpdate struct {
	Key    StreamKey // Subscription this update belongs to
	Candle Candle    // The candle payload; Candle.IsFinal carries finality
}

// ConnectionState is the lifecycle state of the transport manager.
type ConnectionState int

const (
	// Disconnected is the initial state before any connection attempt.
	Disconnected ConnectionState = iota

	// Connecting means a dial is in flight.
	Connecting

	// Connected means the push connection is established and subscribed.
	Connected

	// Reconnecting means the connection dropped and a backoff timer is armed.
	Reconnecting

	// PollingFallback means reconnect attempts are exhausted and the engine
	// has switched permanently to pull-based polling for this connection's
	// lifetime.
	PollingFallback
)

// String returns a human-readable state name for logging.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case PollingFallback:
		return "polling_fallback"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

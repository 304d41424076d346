// Package exchange provides the Binance implementation of the engine's two
// upstream access patterns: the push-stream frame codec used by the transport
// manager, and the REST history fetcher used by the initial load and the
// polling fallback.
//
// Key features:
//   - Combined-stream kline frames with SUBSCRIBE/UNSUBSCRIBE directives
//   - Comprehensive inbound validation using struct tags and validator
//   - Financial precision using decimal.Decimal for all OHLCV data
//   - Robust error handling with structured logging
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"marketstream/internal/model"
)

// defaultConfig provides sensible defaults for Binance connections.
var defaultConfig = Config{
	WSBaseURL:   "wss://stream.binance.com:9443/stream",
	RESTBaseURL: "https://api.binance.com",
	HTTPTimeout: 10 * time.Second,
}

// Config holds connection parameters for the Binance upstream.
type Config struct {
	// WSBaseURL is the combined-streams WebSocket endpoint.
	WSBaseURL string

	// RESTBaseURL is the REST API base URL used for historical klines.
	RESTBaseURL string

	// HTTPTimeout bounds each historical fetch request.
	HTTPTimeout time.Duration
}

// Binance implements the push-stream codec and the history fetcher against
// the Binance kline API.
type Binance struct {
	config   Config
	validate *validator.Validate
	client   *http.Client
	nextID   atomic.Int64 // directive frame ids
}

// NewBinance creates a Binance upstream with the given configuration.
// Zero-valued fields fall back to defaults.
func NewBinance(cfg *Config) *Binance {
	if cfg == nil {
		cfg = &defaultConfig
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = defaultConfig.WSBaseURL
	}
	if cfg.RESTBaseURL == "" {
		cfg.RESTBaseURL = defaultConfig.RESTBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultConfig.HTTPTimeout
	}
	return &Binance{
		config:   *cfg,
		validate: validator.New(),
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// StreamURL returns the WebSocket endpoint the transport manager dials.
func (b *Binance) StreamURL() string {
	return b.config.WSBaseURL
}

// directive is the Binance stream management frame.
type directive struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// SubscribeFrame builds the protocol-level subscribe directive for the given
// stream keys.
func (b *Binance) SubscribeFrame(keys ...model.StreamKey) ([]byte, error) {
	return b.frame("SUBSCRIBE", keys)
}

// UnsubscribeFrame builds the protocol-level unsubscribe directive for the
// given stream keys.
func (b *Binance) UnsubscribeFrame(keys ...model.StreamKey) ([]byte, error) {
	return b.frame("UNSUBSCRIBE", keys)
}

func (b *Binance) frame(method string, keys []model.StreamKey) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no stream keys for %s directive", method)
	}
	params := make([]string, 0, len(keys))
	for _, k := range keys {
		params = append(params, streamName(k))
	}
	return json.Marshal(directive{
		Method: method,
		Params: params,
		ID:     b.nextID.Add(1),
	})
}

// streamName maps a stream key to Binance's combined-stream name.
func streamName(k model.StreamKey) string {
	return strings.ToLower(k.Symbol) + "@kline_" + k.Interval
}

// combinedFrame is the outer wrapper of a combined-stream message.
//
// Example:
//
//	{
//		"stream": "btcusdt@kline_1m",
//		"data": { "e": "kline", "s": "BTCUSDT", "k": { ... } }
//	}
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent is the kline update payload. String fields preserve precision
// until the decimal parse; validation rejects frames missing any field the
// pipeline relies on.
type klineEvent struct {
	EventType string `json:"e" validate:"required,eq=kline"`
	Symbol    string `json:"s" validate:"required"`
	Kline     struct {
		OpenTime int64  `json:"t" validate:"required,gt=0"`
		Interval string `json:"i" validate:"required"`
		Open     string `json:"o" validate:"required,numeric"`
		High     string `json:"h" validate:"required,numeric"`
		Low      string `json:"l" validate:"required,numeric"`
		Close    string `json:"c" validate:"required,numeric"`
		Volume   string `json:"v" validate:"required,numeric"`
		IsClosed bool   `json:"x"`
	} `json:"k"`
}

// ParseUpdate converts a raw inbound frame to a StreamUpdate. Directive
// acks and other non-update frames return (nil, nil); malformed update
// frames return an error and are dropped by the caller.
func (b *Binance) ParseUpdate(raw []byte) (*model.StreamUpdate, error) {
	payload := raw

	var outer combinedFrame
	if err := json.Unmarshal(raw, &outer); err == nil && outer.Stream != "" {
		payload = outer.Data
	}

	// Directive acks look like {"result":null,"id":N}; ignore them.
	var ack struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(payload, &ack); err == nil && ack.ID != 0 {
		return nil, nil
	}

	var ev klineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("invalid kline frame: %w", err)
	}
	if ev.EventType != "kline" {
		// Some other recognized event type; not an update frame.
		return nil, nil
	}
	if err := b.validate.Struct(&ev); err != nil {
		return nil, fmt.Errorf("kline frame validation failed: %w", err)
	}

	candle, err := candleFromStrings(
		time.UnixMilli(ev.Kline.OpenTime),
		ev.Kline.Open, ev.Kline.High, ev.Kline.Low, ev.Kline.Close, ev.Kline.Volume,
		ev.Kline.IsClosed,
	)
	if err != nil {
		return nil, err
	}

	return &model.StreamUpdate{
		Key: model.StreamKey{
			Symbol:   strings.ToUpper(ev.Symbol),
			Interval: ev.Kline.Interval,
		},
		Candle: candle,
	}, nil
}

// Fetch requests the most recent limit klines for (symbol, interval) from
// the REST API, ascending by open time. Historical rows carry no finality
// information; callers apply their own finalization rule.
func (b *Binance) Fetch(ctx context.Context, symbol, intervalLabel string, limit int) ([]model.Candle, error) {
	u, err := url.Parse(b.config.RESTBaseURL + "/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("binance: parse url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", intervalLabel)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: unexpected status %s", resp.Status)
	}

	// Each kline is a JSON array of mixed types.
	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("binance: decode response: %w", err)
	}

	return parseKlines(symbol, intervalLabel, raw)
}

// parseKlines converts the raw Binance wire format into candles.
//
// Binance kline array layout:
//
//	[0]  Open time       (int64, Unix ms)
//	[1]  Open            (string)
//	[2]  High            (string)
//	[3]  Low             (string)
//	[4]  Close           (string)
//	[5]  Volume          (string, base asset)
//	[6]  Close time      (int64, Unix ms)
//	[7..11]              unused
func parseKlines(symbol, intervalLabel string, raw [][]json.RawMessage) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(raw))
	for i, r := range raw {
		if len(r) < 7 {
			return nil, fmt.Errorf("binance: kline[%d] has %d fields, want >=7", i, len(r))
		}

		var openTime int64
		if err := json.Unmarshal(r[0], &openTime); err != nil {
			return nil, fmt.Errorf("binance: kline[%d] open_time: %w", i, err)
		}

		c, err := candleFromStrings(
			time.UnixMilli(openTime),
			jsonString(r[1]), jsonString(r[2]), jsonString(r[3]), jsonString(r[4]), jsonString(r[5]),
			false,
		)
		if err != nil {
			return nil, fmt.Errorf("binance: kline[%d]: %w", i, err)
		}
		out = append(out, c)
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", intervalLabel).
		Int("candles", len(out)).
		Msg("fetched historical klines")
	return out, nil
}

// candleFromStrings builds a candle from the string-encoded OHLCV values the
// Binance wire formats carry.
func candleFromStrings(windowStart time.Time, open, high, low, closePx, volume string, isFinal bool) (model.Candle, error) {
	parse := func(name, s string) (decimal.Decimal, error) {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
		return v, nil
	}

	var c model.Candle
	var err error
	if c.Open, err = parse("open", open); err != nil {
		return model.Candle{}, err
	}
	if c.High, err = parse("high", high); err != nil {
		return model.Candle{}, err
	}
	if c.Low, err = parse("low", low); err != nil {
		return model.Candle{}, err
	}
	if c.Close, err = parse("close", closePx); err != nil {
		return model.Candle{}, err
	}
	if c.Volume, err = parse("volume", volume); err != nil {
		return model.Candle{}, err
	}
	c.WindowStart = windowStart.UTC()
	c.IsFinal = isFinal
	return c, nil
}

// jsonString strips surrounding quotes from a JSON string token.
func jsonString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

// Package transport owns the push-connection lifecycle: connect, subscribe
// and unsubscribe directives, heartbeat, and reconnect with exponential
// backoff. When reconnect attempts are exhausted (or the very first attempt
// times out) the manager enters the polling-fallback state permanently for
// this connection's lifetime and signals the engine to take over with
// pull-based polling.
//
// Transport errors are never returned to callers; they surface only as
// state-change notifications.
package transport

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"marketstream/internal/model"
	"marketstream/internal/websocket"
)

// Defaults applied by New when config fields are zero.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeartbeat      = 30 * time.Second
	defaultReconnectBase  = 2 * time.Second
	defaultMaxAttempts    = 8
	backoffFactor         = 1.5
)

// Codec translates between stream keys and the provider's wire protocol.
// The exact encoding is provider-specific; the manager only needs the
// subscribe/unsubscribe operations and update-frame parsing.
type Codec interface {
	// StreamURL returns the WebSocket endpoint to dial.
	StreamURL() string

	// SubscribeFrame builds a protocol-level subscribe directive.
	SubscribeFrame(keys ...model.StreamKey) ([]byte, error)

	// UnsubscribeFrame builds a protocol-level unsubscribe directive.
	UnsubscribeFrame(keys ...model.StreamKey) ([]byte, error)

	// ParseUpdate converts an inbound frame to a StreamUpdate. Non-update
	// frames (acks, heartbeats) return (nil, nil); malformed frames return
	// an error and are dropped.
	ParseUpdate(raw []byte) (*model.StreamUpdate, error)
}

// Config tunes the connection lifecycle.
type Config struct {
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	// Heartbeat is the keepalive ping period on an open connection.
	Heartbeat time.Duration

	// ReconnectBase is the first reconnect delay; subsequent delays grow by
	// backoffFactor per failed attempt.
	ReconnectBase time.Duration

	// MaxAttempts is the number of reconnect attempts before the manager
	// gives up and enters polling fallback.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

// StateFunc receives connection state transitions. err is non-nil for
// transitions caused by a failure (disconnect, exhausted attempts).
type StateFunc func(state model.ConnectionState, err error)

// KeysFunc returns the stream keys that should currently be subscribed; it
// is consulted on every (re)connect to replay subscriptions.
type KeysFunc func() []model.StreamKey

// Manager drives the push connection through its lifecycle states.
type Manager struct {
	cfg     Config
	codec   Codec
	keys    KeysFunc
	updates chan<- model.StreamUpdate
	onState StateFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          model.ConnectionState
	attempts       int
	everConnected  bool
	client         *websocket.Client
	gen            int64 // connection generation; stale watchers are ignored
	reconnectTimer *time.Timer
	closed         bool
}

// New creates a transport manager. Updates parsed from inbound frames are
// delivered on the updates channel; state transitions are reported through
// onState. keys supplies the subscription registry for resubscription.
func New(cfg Config, codec Codec, keys KeysFunc, updates chan<- model.StreamUpdate, onState StateFunc) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		codec:   codec,
		keys:    keys,
		updates: updates,
		onState: onState,
		ctx:     ctx,
		cancel:  cancel,
		state:   model.Disconnected,
	}
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the push connection. It is idempotent: calling while
// connecting or connected is a no-op. Polling fallback is terminal, so
// Connect is also a no-op there.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state == model.Connecting || m.state == model.Connected || m.state == model.PollingFallback {
		m.mu.Unlock()
		return
	}
	m.state = model.Connecting
	m.mu.Unlock()
	m.notify(model.Connecting, nil)

	go m.dial()
}

// dial performs one connection attempt and routes the outcome through the
// success or failure path.
func (m *Manager) dial() {
	initialMsgs, err := m.subscribeFrames()
	if err != nil {
		log.Error().Err(err).Msg("failed to build subscribe directives")
	}

	dialCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	client, err := websocket.Dial(m.ctx, websocket.Config{
		Endpoint:        m.codec.StreamURL(),
		Handler:         m.handleFrame,
		PingPeriod:      m.cfg.Heartbeat,
		InitialMessages: initialMsgs,
	})
	// The websocket client applies its own handshake timeout; dialCtx only
	// backs up the attempt bound when the dial stalls before the handshake.
	select {
	case <-dialCtx.Done():
		if err == nil {
			client.Close()
			err = dialCtx.Err()
		}
	default:
	}
	if err != nil {
		m.handleFailure(err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Close()
		return
	}
	m.client = client
	m.state = model.Connected
	m.attempts = 0
	m.everConnected = true
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	log.Info().Str("endpoint", m.codec.StreamURL()).Msg("transport connected")
	m.notify(model.Connected, nil)

	go m.watch(client, gen)
}

// subscribeFrames builds one subscribe directive per registered key so a
// fresh connection replays the whole registry.
func (m *Manager) subscribeFrames() ([][]byte, error) {
	keys := m.keys()
	if len(keys) == 0 {
		return nil, nil
	}
	frame, err := m.codec.SubscribeFrame(keys...)
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// watch waits for the connection to die and routes the close reason into the
// failure path. Stale generations (superseded connections) are ignored.
func (m *Manager) watch(client *websocket.Client, gen int64) {
	select {
	case <-m.ctx.Done():
		return
	case <-client.DisconnectChan():
	}

	var cause error
	select {
	case cause = <-client.ErrChan():
	default:
	}
	if cause == nil || errors.Is(cause, websocket.ErrClientShuttingDown) {
		cause = errors.New("connection closed")
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.mu.Unlock()

	m.handleFailure(cause)
}

// handleFailure implements the reconnect/backoff policy: count the attempt,
// schedule the next try, or give up into polling fallback. The first-ever
// attempt timing out skips the backoff ladder entirely.
func (m *Manager) handleFailure(cause error) {
	m.mu.Lock()
	if m.closed || m.state == model.PollingFallback {
		m.mu.Unlock()
		return
	}

	m.attempts++
	attempt := m.attempts

	if !m.everConnected && isTimeout(cause) {
		m.state = model.PollingFallback
		m.mu.Unlock()
		log.Warn().Err(cause).Msg("initial connect timed out, entering polling fallback")
		m.notify(model.PollingFallback, cause)
		return
	}

	if attempt > m.cfg.MaxAttempts {
		m.state = model.PollingFallback
		m.mu.Unlock()
		log.Warn().
			Err(cause).
			Int("attempts", attempt-1).
			Msg("max reconnect attempts reached, entering polling fallback")
		m.notify(model.PollingFallback, cause)
		return
	}

	m.state = model.Reconnecting
	delay := m.backoffDelay(attempt)
	m.reconnectTimer = time.AfterFunc(delay, m.retry)
	m.mu.Unlock()

	log.Warn().
		Err(cause).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("transport disconnected, reconnect scheduled")
	m.notify(model.Reconnecting, cause)
}

// backoffDelay returns the delay before the nth reconnect attempt:
// base * factor^(n-1).
func (m *Manager) backoffDelay(attempt int) time.Duration {
	mult := math.Pow(backoffFactor, float64(attempt-1))
	return time.Duration(float64(m.cfg.ReconnectBase) * mult)
}

// retry transitions Reconnecting -> Connecting when the backoff timer fires.
func (m *Manager) retry() {
	m.mu.Lock()
	if m.closed || m.state != model.Reconnecting {
		m.mu.Unlock()
		return
	}
	m.state = model.Connecting
	m.mu.Unlock()
	m.notify(model.Connecting, nil)

	m.dial()
}

// Subscribe sends a protocol-level subscribe directive if connected. While
// disconnected it is a silent no-op: the registry entry alone governs the
// resubscription replay on the next connect.
func (m *Manager) Subscribe(key model.StreamKey) {
	m.send(key, m.codec.SubscribeFrame)
}

// Unsubscribe sends a protocol-level unsubscribe directive if connected;
// otherwise it is a silent no-op.
func (m *Manager) Unsubscribe(key model.StreamKey) {
	m.send(key, m.codec.UnsubscribeFrame)
}

func (m *Manager) send(key model.StreamKey, build func(...model.StreamKey) ([]byte, error)) {
	m.mu.Lock()
	client := m.client
	connected := m.state == model.Connected
	m.mu.Unlock()
	if !connected || client == nil {
		return
	}

	frame, err := build(key)
	if err != nil {
		log.Error().Err(err).Stringer("key", key).Msg("failed to build directive")
		return
	}
	if err := client.Send(frame); err != nil {
		// A failed write will also surface through the disconnect path.
		log.Warn().Err(err).Stringer("key", key).Msg("directive send failed")
	}
}

// handleFrame parses inbound frames and forwards recognized updates to the
// engine. Malformed frames are logged and dropped without affecting the
// connection.
func (m *Manager) handleFrame(raw []byte) error {
	update, err := m.codec.ParseUpdate(raw)
	if err != nil {
		return err
	}
	if update == nil {
		return nil
	}
	select {
	case m.updates <- *update:
	case <-m.ctx.Done():
	}
	return nil
}

// Close tears the connection down and cancels any pending reconnect. The
// manager cannot be reused afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.state = model.Disconnected
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	client := m.client
	m.client = nil
	m.mu.Unlock()

	m.cancel()
	if client != nil {
		client.Close()
	}
}

func (m *Manager) notify(state model.ConnectionState, err error) {
	if m.onState != nil {
		m.onState(state, err)
	}
}

// isTimeout reports whether the error is a dial timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

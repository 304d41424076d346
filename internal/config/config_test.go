package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.App.Symbols)
	assert.Equal(t, "1m", cfg.App.Interval)
	assert.Equal(t, "info", cfg.App.LogLevel)

	assert.Equal(t, 500, cfg.Engine.BufferCapacity)
	assert.Equal(t, 150*time.Millisecond, cfg.Engine.DebounceInterval)
	assert.Equal(t, 100, cfg.Engine.InitialLoadLimit)
	assert.Equal(t, 10*time.Second, cfg.Engine.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.Heartbeat)
	assert.Equal(t, 2*time.Second, cfg.Engine.ReconnectBase)
	assert.Equal(t, 8, cfg.Engine.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Engine.PollPeriod)
	assert.Equal(t, 3, cfg.Engine.PollWindowCount)
	assert.Equal(t, 30*time.Second, cfg.Engine.FinalizeGrace)

	assert.Equal(t, "wss://stream.binance.com:9443/stream", cfg.Binance.WSBaseURL)
	assert.Equal(t, "https://api.binance.com", cfg.Binance.RESTBaseURL)
}

func Test_Load_EnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_SYMBOLS", "SOLUSDT,DOGEUSDT,ADAUSDT")
	t.Setenv("APP_INTERVAL", "5m")
	t.Setenv("ENGINE_BUFFER_CAPACITY", "50")
	t.Setenv("ENGINE_DEBOUNCE_INTERVAL", "250ms")
	t.Setenv("ENGINE_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("BINANCE_WS_BASE_URL", "ws://localhost:9999/stream")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT", "DOGEUSDT", "ADAUSDT"}, cfg.App.Symbols)
	assert.Equal(t, "5m", cfg.App.Interval)
	assert.Equal(t, 50, cfg.Engine.BufferCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.DebounceInterval)
	assert.Equal(t, 3, cfg.Engine.MaxReconnectAttempts)
	assert.Equal(t, "ws://localhost:9999/stream", cfg.Binance.WSBaseURL)
}

func Test_Load_InvalidValue(t *testing.T) {
	t.Setenv("ENGINE_DEBOUNCE_INTERVAL", "not-a-duration")

	_, err := Load()
	assert.Error(t, err)
}

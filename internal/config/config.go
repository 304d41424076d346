// Package config loads the engine configuration from the environment, with
// optional .env file support for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the application configuration.
type Config struct {
	App     AppConfig     `envPrefix:"APP_"`
	Engine  EngineConfig  `envPrefix:"ENGINE_"`
	Binance BinanceConfig `envPrefix:"BINANCE_"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Symbols  []string `env:"SYMBOLS" envSeparator:"," envDefault:"BTCUSDT,ETHUSDT"`
	Interval string   `env:"INTERVAL" envDefault:"1m"`
	LogLevel string   `env:"LOG_LEVEL" envDefault:"info"`
}

// EngineConfig tunes the streaming engine and its components.
type EngineConfig struct {
	BufferCapacity       int           `env:"BUFFER_CAPACITY" envDefault:"500"`
	DebounceInterval     time.Duration `env:"DEBOUNCE_INTERVAL" envDefault:"150ms"`
	InitialLoadLimit     int           `env:"INITIAL_LOAD_LIMIT" envDefault:"100"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	Heartbeat            time.Duration `env:"HEARTBEAT" envDefault:"30s"`
	ReconnectBase        time.Duration `env:"RECONNECT_BASE" envDefault:"2s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"8"`
	PollPeriod           time.Duration `env:"POLL_PERIOD" envDefault:"3s"`
	PollWindowCount      int           `env:"POLL_WINDOW_COUNT" envDefault:"3"`
	FinalizeGrace        time.Duration `env:"FINALIZE_GRACE" envDefault:"30s"`
}

// BinanceConfig holds upstream endpoints.
type BinanceConfig struct {
	WSBaseURL   string        `env:"WS_BASE_URL" envDefault:"wss://stream.binance.com:9443/stream"`
	RESTBaseURL string        `env:"REST_BASE_URL" envDefault:"https://api.binance.com"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
}

// Load reads the configuration from the environment, after loading a .env
// file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

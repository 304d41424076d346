/*
Package main runs the real-time market-data streaming engine against the
Binance kline feed.

The streamer subscribes to the configured symbols at the configured interval,
maintains an in-memory OHLCV series per stream, and logs the engine's event
surface: connection lifecycle, debounced candle updates, and fallback
transitions. It falls back to REST polling automatically when the push
connection cannot be sustained.

Configuration comes from the environment (see internal/config), e.g.:

	APP_SYMBOLS=BTCUSDT,ETHUSDT APP_INTERVAL=1m go run ./cmd/streamer
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketstream/internal/config"
	"marketstream/internal/engine"
	"marketstream/internal/events"
	"marketstream/internal/exchange"
	"marketstream/internal/poller"
	"marketstream/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	binance := exchange.NewBinance(&exchange.Config{
		WSBaseURL:   cfg.Binance.WSBaseURL,
		RESTBaseURL: cfg.Binance.RESTBaseURL,
		HTTPTimeout: cfg.Binance.HTTPTimeout,
	})

	eng := engine.New(engine.Config{
		BufferCapacity:   cfg.Engine.BufferCapacity,
		DebounceInterval: cfg.Engine.DebounceInterval,
		InitialLoadLimit: cfg.Engine.InitialLoadLimit,
		Transport: transport.Config{
			ConnectTimeout: cfg.Engine.ConnectTimeout,
			Heartbeat:      cfg.Engine.Heartbeat,
			ReconnectBase:  cfg.Engine.ReconnectBase,
			MaxAttempts:    cfg.Engine.MaxReconnectAttempts,
		},
		Poll: poller.Config{
			Period:        cfg.Engine.PollPeriod,
			WindowCount:   cfg.Engine.PollWindowCount,
			FinalizeGrace: cfg.Engine.FinalizeGrace,
		},
	}, binance, binance)
	defer eng.Shutdown()

	attachEventLog(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, symbol := range cfg.App.Symbols {
		if err := eng.Subscribe(ctx, symbol, cfg.App.Interval); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("subscribe failed")
		}
	}

	log.Info().
		Strs("symbols", cfg.App.Symbols).
		Str("interval", cfg.App.Interval).
		Msg("streamer started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("initiating graceful shutdown")
}

// attachEventLog logs every engine event; the candleUpdate stream is the
// debounced, externally-visible one.
func attachEventLog(eng *engine.Engine) {
	ev := eng.Events()

	ev.On(events.Connected, func(e events.Event) {
		log.Info().Msg("push feed connected")
	})
	ev.On(events.Disconnected, func(e events.Event) {
		log.Warn().Err(e.Err).Stringer("state", e.State).Msg("push feed disconnected")
	})
	ev.On(events.MaxAttemptsReached, func(e events.Event) {
		log.Warn().Err(e.Err).Msg("reconnect attempts exhausted, polling fallback active")
	})
	ev.On(events.CandleUpdate, func(e events.Event) {
		c := e.Update.Candle
		log.Info().
			Stringer("key", e.Key).
			Time("window", c.WindowStart).
			Str("close", c.Close.String()).
			Str("volume", c.Volume.String()).
			Bool("final", c.IsFinal).
			Msg("candle")
	})
}

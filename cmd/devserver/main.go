// Command devserver is a loopback stand-in for the hosted game server. It
// speaks the same channels as production, so the client can be exercised
// locally with DEFUSAL_HOST=localhost.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bombsquad/defusal/internal/devgame"
	"github.com/bombsquad/defusal/internal/ratelimit"
	"github.com/bombsquad/defusal/internal/ws"
)

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	config := ws.DefaultServerConfig()
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Heartbeat.Interval = d
		}
	}

	rules := devgame.DefaultConfig()
	if v := os.Getenv("TIME_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rules.TimeLimit = n
		}
	}
	if v := os.Getenv("MAX_STRIKES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rules.MaxStrikes = n
		}
	}

	// --- Redis (optional) ---
	var opts []devgame.Option
	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("redis_addr", addr).Msg("redis unavailable, chat is not rate limited")
			rdb.Close()
			rdb = nil
		} else {
			opts = append(opts, devgame.WithLimiter(ratelimit.NewLimiter(rdb)))
		}
		cancel()
	}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(config, dispatcher.Dispatch)
	hub := devgame.NewHub(server, rules, opts...)
	hub.Register(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	log.Info().
		Str("listen_addr", config.ListenAddr).
		Str("path", config.Path).
		Int("max_connections", config.MaxConnections).
		Int("time_limit", rules.TimeLimit).
		Int("max_strikes", rules.MaxStrikes).
		Bool("rate_limited", rdb != nil).
		Msg("defusal dev server starting")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		if rdb != nil {
			rdb.Close()
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	<-stopped
}

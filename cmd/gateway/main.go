package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"

	"github.com/arda-kanban/realtime-gateway/internal/bridge"
	"github.com/arda-kanban/realtime-gateway/internal/config"
	"github.com/arda-kanban/realtime-gateway/internal/gateway"
	"github.com/arda-kanban/realtime-gateway/internal/ingest/rabbitmq"
	"github.com/arda-kanban/realtime-gateway/internal/logger"
	"github.com/arda-kanban/realtime-gateway/internal/replay"
	"github.com/arda-kanban/realtime-gateway/internal/stream"
)

func main() {
	cfg := config.Load()

	logger.Init()
	log := logger.Log
	log.Info().Str("env", cfg.AppEnv).Str("port", cfg.Port).Msg("starting realtime-gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis: durable tenant log + live channels
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	pingCancel()

	eventLog := stream.NewLog(rdb, log)
	source := stream.NewPubSubSource(rdb, log)

	br := bridge.New(source, bridge.Config{
		ClientBufferMax:          cfg.ClientBufferMax,
		TenantRateLimitPerSecond: cfg.TenantRateLimitPerSecond,
		TenantQueueMax:           cfg.TenantQueueMax,
		BatchWindow:              cfg.BatchWindow,
		DebounceWindow:           cfg.DebounceWindow,
	}, log)

	replaySvc := replay.NewService(eventLog, cfg.ReplayTTL, cfg.ReplayBatchSize, log)

	if cfg.IngestEnabled {
		consumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, eventLog, log)
		if err := consumer.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to start ingest consumer")
		}
	} else {
		log.Warn().Msg("ingest consumer disabled, serving replay and live relay only")
	}

	handler := gateway.NewHandler(br, replaySvc, log)
	router := gateway.NewRouter(cfg, handler, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// Cancelling ctx on shutdown ends the long-lived SSE handlers, so
		// Shutdown below does not have to wait out its timeout.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Str("addr", srv.Addr).Msg("listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutting down")

	cancel() // stops the ingest consumer

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	br.Shutdown(shutdownCtx)

	zlog.Info().Msg("bye")
}

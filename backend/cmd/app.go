package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/chat-relay/backend/config"
	"github.com/adwski/chat-relay/backend/metrics"
	httpServer "github.com/adwski/chat-relay/backend/server/http"
	websocketServer "github.com/adwski/chat-relay/backend/server/websocket"
	"github.com/adwski/chat-relay/backend/service"
	store "github.com/adwski/chat-relay/backend/storage/memory"
	sw "github.com/adwski/chat-relay/backend/switch"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// .env is optional, real environment wins
	_ = godotenv.Load()

	cfg, err := config.Load(os.Environ(), os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var (
		m        = metrics.New()
		registry = store.NewMemStore()
	)
	svc := service.NewService(service.Config{
		Registry: registry,
		Switch: sw.NewSwitch(sw.Config{
			Logger:      &logger,
			Registry:    registry,
			Metrics:     m,
			SendTimeout: cfg.SendTimeout,
		}),
		Metrics: m,
		Logger:  &logger,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         &logger,
		Router:         svc,
		ListenAddr:     cfg.ListenAddr(),
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(1)
	go wsSrv.Run(ctx, wg, errc)

	if cfg.OpsAddr != "" {
		opsSrv := httpServer.NewServer(httpServer.Config{
			Logger:     &logger,
			Metrics:    m.Handler(),
			ListenAddr: cfg.OpsAddr,
		})
		wg.Add(1)
		go opsSrv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

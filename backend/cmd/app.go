package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-rendezvous/backend/clock"
	"github.com/adwski/webrtc-rendezvous/backend/config"
	"github.com/adwski/webrtc-rendezvous/backend/dedup"
	"github.com/adwski/webrtc-rendezvous/backend/gatekeeper"
	httpServer "github.com/adwski/webrtc-rendezvous/backend/server/http"
	websocketServer "github.com/adwski/webrtc-rendezvous/backend/server/websocket"
	"github.com/adwski/webrtc-rendezvous/backend/service"
	store "github.com/adwski/webrtc-rendezvous/backend/storage/memory"
	sw "github.com/adwski/webrtc-rendezvous/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)
	if logger.GetLevel() <= zerolog.DebugLevel {
		logger.Debug().Msg("effective configuration:\n" + cfg.Dump())
	}

	clk := clock.Real()
	gk := gatekeeper.New(gatekeeper.Config{
		Logger:         &logger,
		Clock:          clk,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustedProxies: cfg.TrustedProxies,
		RateWindow:     cfg.SourceRateWindow,
		RateMax:        cfg.SourceRateMax,
	})
	svc := service.NewService(service.Config{
		RoomStore: store.NewMemStore(store.Config{
			Logger: &logger,
			Clock:  clk,
			Dedup: dedup.Config{
				MaxSize: cfg.DedupMaxSize,
				TTL:     cfg.DedupTTL,
			},
		}),
		Switch:            sw.NewSwitch(&logger),
		Collectors:        []service.Collector{gk},
		Clock:             clk,
		Logger:            &logger,
		ConnRateWindow:    cfg.ConnRateWindow,
		ConnRateMax:       cfg.ConnRateMax,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReaperInterval:    cfg.ReaperInterval,
		MaxRoomAge:        cfg.MaxRoomAge,
		ShutdownGrace:     cfg.ShutdownGrace,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger: &logger,
		Stats:  svc,
		Signaling: websocketServer.NewHandler(websocketServer.Config{
			Logger:           &logger,
			SignalingService: svc,
			Gatekeeper:       gk,
			MaxMessageSize:   cfg.MaxMessageSize,
			PongWait:         3 * cfg.HeartbeatInterval,
		}),
		ListenAddr: cfg.ListenAddr,
		StaticDir:  cfg.StaticDir,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go svc.Run(ctx, wg)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	svc.Shutdown(context.Background())
	wg.Wait()
}

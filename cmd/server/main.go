package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/Mesh/internal/adapters/http"
	"github.com/dkeye/Mesh/internal/adapters/presence"
	wssignal "github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/app/orch"
	"github.com/dkeye/Mesh/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	var store app.PresenceStore = app.NoopPresence{}
	if cfg.Redis.Enabled {
		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		rp, err := presence.Connect(pctx, cfg.Redis)
		pcancel()
		if err != nil {
			log.Error().Err(err).Msg("presence disabled")
		} else {
			defer rp.Close()
			store = rp
		}
	}

	reg := app.NewRegistry(ctx, app.Options{
		InitiatorFailover: cfg.Room.InitiatorFailover,
		Admission:         app.CapacityPolicy{Max: cfg.Room.MaxParticipants},
		Presence:          store,
	})
	defer reg.Close()

	o := &orch.Orchestrator{
		Registry: reg,
		Policy:   app.SimplePolicy{},
		Limiter:  app.NewRoomRateLimiter(cfg.Room.ChatRate, cfg.Room.ChatBurst),
		Grace:    cfg.Room.DisconnectGrace,
	}
	ctrl := wssignal.NewSignalWSController(o, cfg.Signal)

	r := router.SetupRouter(ctx, cfg, ctrl, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Mesh signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

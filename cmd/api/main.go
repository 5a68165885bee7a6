package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/sitechat/backend/internal/auth"
	"github.com/zhouzirui/sitechat/backend/internal/config"
	"github.com/zhouzirui/sitechat/backend/internal/handler"
	"github.com/zhouzirui/sitechat/backend/internal/logging"
	"github.com/zhouzirui/sitechat/backend/internal/service/ai"
	"github.com/zhouzirui/sitechat/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logging.Debug().Err(err).Msg("no .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logging.Fatal().Err(err).Str("dsn", cfg.Database.DSN).Msg("failed to open store")
	}

	responder, err := ai.NewResponder(ctx, cfg.AI)
	if err != nil {
		// the relay still runs and answers every message with message:error
		logging.Warn().Err(err).Str("provider", cfg.AI.Provider).Msg("AI responder unavailable, replies will fail")
		responder = ai.Unavailable{Reason: err}
	} else {
		logging.Info().Str("provider", cfg.AI.Provider).Str("model", responder.Model()).Msg("AI responder initialized")
	}

	var jwt *auth.JWTManager
	if cfg.Auth.DashboardEnabled() {
		jwt, err = auth.NewJWTManager(cfg.Auth)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to initialize dashboard auth")
		}
	}

	router := handler.NewRouter(handler.Deps{
		Store:     db,
		Responder: responder,
		JWT:       jwt,
		Config:    cfg,
	})

	if err := serve(ctx, cfg.Server, router, db); err != nil {
		logging.Fatal().Err(err).Msg("server error")
	}
}

// serve runs the HTTP server until ctx ends, then drains it and closes the store.
func serve(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, db store.Store) error {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logging.Info().Str("addr", srv.Addr).Msg("sitechat backend listening")

	err := runServer(ctx, srv)
	if cerr := db.Close(); cerr != nil {
		logging.Error().Err(cerr).Msg("failed to close store")
	}
	logging.Info().Msg("sitechat backend stopped")
	return err
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

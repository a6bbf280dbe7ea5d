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
	"golang.org/x/sync/errgroup"

	"github.com/eldtechnologies/roomchat/internal/api"
	"github.com/eldtechnologies/roomchat/internal/auth"
	"github.com/eldtechnologies/roomchat/internal/config"
	"github.com/eldtechnologies/roomchat/internal/realtime"
	"github.com/eldtechnologies/roomchat/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("roomchat server stopped")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStore picks PostgreSQL when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	if cfg.DatabaseURL == "" {
		db, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
		return db, nil
	}

	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info().Msg("using PostgreSQL")
	return db, nil
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	deps := api.Deps{
		Config: cfg,
		Store:  db,
		Tokens: auth.NewTokenManager(cfg.JWTSecret, cfg.SessionTTL),
	}
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rs.Close()
		deps.Redis = rs
		deps.Revoker = rs
		deps.Broker = realtime.NewRedisBroker(rs)
		logger.Info().Msg("connected to Redis")
	} else {
		deps.Revoker = store.NewMemoryRevoker(ctx)
		deps.Broker = realtime.NewLocalBroker()
		logger.Warn().Msg("REDIS_URL not set: single-instance mode, search disabled")
	}
	deps.Hub = realtime.NewHub(logger, cfg.PresenceTTL)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(logger, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := deps.Broker.Run(gctx, deps.Hub.Deliver)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Strs("rooms", cfg.Rooms).
			Msg("starting roomchat server")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

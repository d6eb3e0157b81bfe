package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"salescoach/api/internal/app"
	"salescoach/api/internal/config"
	"salescoach/api/internal/credstore"
	"salescoach/api/internal/logger"
	"salescoach/api/internal/metrics"
	"salescoach/api/internal/search"
	"salescoach/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "coach-api"})
	ctx := context.Background()

	var dataStore app.ContentStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		dataStore = store.NewPostgresStore(db)
		log.Info().Msg("using postgres content store")
	} else {
		dataStore = store.NewMemoryStore()
		log.Warn().Msg("DATABASE_URL not set, using in-memory content store")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logger.Component(log, "search"))

	var revocations app.RevocationStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := credstore.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		revocations = redisStore
		log.Info().Msg("using redis for credential revocations")
	} else {
		revocations = credstore.NewMemoryStore()
		log.Info().Msg("using in-process credential revocations")
	}

	service := app.New(cfg, dataStore, revocations, searchService, logger.Component(log, "sync"), metrics.New())

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Component(log, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: event streams stay open for the session.
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("coach sync server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

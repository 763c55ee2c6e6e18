package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/cache"
	"studymate-backend/internal/config"
	"studymate-backend/internal/cqrs"
	"studymate-backend/internal/database"
	"studymate-backend/internal/handlers"
	"studymate-backend/internal/hub"
	"studymate-backend/internal/logging"
	"studymate-backend/internal/middleware"
	"studymate-backend/internal/repository"
	"studymate-backend/internal/router"
	"studymate-backend/internal/websocket"
)

func main() {
	cfg := config.Load()

	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "studymate-backend"})
	log := logging.Base()
	log.Info().Str("env", cfg.Env).Msg("starting studymate backend")

	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pool.Close()
	log.Info().Msg("postgres connected")

	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClients.Close()
	log.Info().Msg("redis connected")

	if err := database.RunMigrations(pool, "migrations"); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	log.Info().Msg("database migrations applied")

	// Repositories
	directoryRepo := repository.NewDirectoryRepo(pool)
	archiveRepo := repository.NewSessionArchiveRepo(pool)

	// Core pipeline
	store := analytics.NewStore(cfg.TombstoneRetention)
	taggedCache := cache.NewTagged(redisClients.Cache, logging.WithComponent("cache"))
	broadcastHub := hub.New(cfg.SubscriberMailboxSize, redisClients.Bridge, logging.WithComponent("hub"))

	processor := analytics.NewProcessor(analytics.ProcessorConfig{
		WindowBuckets:    cfg.WindowBuckets,
		BucketWidth:      cfg.BucketWidth,
		SkewTolerance:    cfg.EventSkewTolerance,
		SessionQueueSize: cfg.SessionQueueSize,
		GlobalQueueSize:  cfg.GlobalQueueSize,
		IdleThreshold:    cfg.IdleThreshold,
	}, store, broadcastHub, logging.WithComponent("processor"))

	sweeper := analytics.NewSweeper(store, processor, broadcastHub, archiveRepo, taggedCache,
		cfg.SweepInterval, cfg.IdleThreshold, logging.WithComponent("sweeper"))
	sweeper.Start()
	log.Info().Dur("interval", cfg.SweepInterval).Msg("idle sweeper started")

	// Command side: registry plus middleware chain. Before runs in order,
	// After in reverse, so invalidation commits before notifications go out.
	commandBus := cqrs.NewCommandBus(logging.WithComponent("command_bus"))
	commandBus.Use(cqrs.NewAuditMiddleware(logging.WithComponent("audit")))
	commandBus.Use(cqrs.NewValidationMiddleware())
	commandBus.Use(cqrs.NewAuthorizationMiddleware(directoryRepo))
	commandBus.Use(cqrs.NewNotifierMiddleware(broadcastHub))
	commandBus.Use(cqrs.NewInvalidationMiddleware(taggedCache, logging.WithComponent("invalidation")))

	sessionCommands := cqrs.NewSessionCommands(store, processor, directoryRepo, archiveRepo,
		logging.WithComponent("commands"))
	if err := sessionCommands.Register(commandBus); err != nil {
		log.Fatal().Err(err).Msg("command registration failed")
	}

	// Query side: read-through tagged cache.
	queryBus := cqrs.NewQueryBus(taggedCache, cfg.CacheTTL, logging.WithComponent("query_bus"))
	sessionQueries := cqrs.NewSessionQueries(store, processor, archiveRepo, taggedCache)
	if err := sessionQueries.Register(queryBus); err != nil {
		log.Fatal().Err(err).Msg("query registration failed")
	}

	// HTTP surface
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	realtimeHandler := handlers.NewRealtimeHandler(commandBus, queryBus, processor)
	wsHandler := websocket.NewHandler(broadcastHub, processor, store, jwtAuth,
		logging.WithComponent("websocket"))

	r := router.New(jwtAuth, realtimeHandler, wsHandler, cfg.FrontendURL)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: stop accepting requests, drain the pipeline, then
	// tear down the hub and connections.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)

		processor.Stop()
		sweeper.Stop()
		broadcastHub.Close()
	}()

	log.Info().Str("port", cfg.Port).Msg("studymate backend ready")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}

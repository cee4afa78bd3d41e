package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"wellness-chat/internal/chat"
	"wellness-chat/internal/config"
	"wellness-chat/internal/db"
	"wellness-chat/internal/identity"
	"wellness-chat/internal/lock"
	"wellness-chat/internal/logger"
	"wellness-chat/internal/metrics"
	myMiddleware "wellness-chat/internal/middleware"
	"wellness-chat/internal/presence"
	"wellness-chat/internal/realtime"
	"wellness-chat/internal/storage"
	"wellness-chat/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("info", "json")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "wellness-chat").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("database schema initialized")

	// 3. Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	log.Info().Msg("connected to Redis")

	objects, err := storage.NewS3Storage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise attachment storage")
	}

	// 4. Change feed
	feed := realtime.NewRedisFeed(redisClient)
	bridge := realtime.NewBridge(feed, log)

	// 5. Chat feature
	chatRepo := chat.NewRepository(database.Pool)
	threads, err := chat.NewThreadCache(cfg.ThreadCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build thread cache")
	}
	threads.Attach(bridge)

	directory := chat.NewDirectory(chatRepo, feed, log)
	var attachments chat.ObjectStore
	if objects.Enabled() {
		attachments = objects
	}
	messages := chat.NewMessages(chatRepo, chatRepo, attachments, feed, threads, cfg.MaxAttachmentBytes, log)

	// 6. Presence
	tracker := presence.NewTracker(
		presence.NewRepository(database.Pool),
		feed,
		lock.New(redisClient, log),
		presence.Options{
			Debounce:        cfg.PresenceDebounce,
			RefreshInterval: cfg.PresenceRefreshInterval,
			Heartbeat:       cfg.PresenceHeartbeat,
			StaleMargin:     cfg.PresenceStaleMargin,
			ConnectDelay:    cfg.PresenceConnectDelay,
		},
		log,
	)
	log.Info().Dur("presence_stale_after", cfg.StaleAfter()).Msg("presence configured")

	// 7. WebSocket hub
	hub := realtime.NewHub(chatRepo, chat.NewSocketGateway(messages, tracker), log)
	hub.Attach(bridge)

	go hub.Run(ctx)
	go tracker.Run(ctx, bridge)
	go func() {
		if err := bridge.Run(ctx); err != nil {
			log.Error().Err(err).Msg("change bridge stopped")
		}
	}()

	verifier := identity.NewVerifier(cfg.JWTSecret)
	authMiddleware := myMiddleware.NewAuthMiddleware(verifier)
	userHandler := user.NewHandler(user.NewRepository(database.Pool), log)
	chatHandler := chat.NewHandler(directory, messages, cfg.MaxAttachmentBytes, log)
	presenceHandler := presence.NewHandler(tracker)

	// 8. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(myMiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if err := database.Pool.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
		}
		if !bridge.Listening() {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
	})
	r.Handle("/metrics", metrics.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", hub.ServeWs)
		r.Route("/api", func(r chi.Router) {
			r.Get("/users/search", userHandler.SearchUsers)
			chatHandler.Routes(r)
			presenceHandler.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("env", cfg.AppEnv).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

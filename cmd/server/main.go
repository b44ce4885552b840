package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-app/internal/api"
	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/store"
	"github.com/parley/chat-app/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not load .env: %v", err)
	}
	cfg := config.Load()

	// --- PostgreSQL ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := store.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	chatStore := store.New(db)

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	presenceStore := presence.NewStore(redisClient)
	authStore := auth.NewStore(redisClient)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	log.Printf("Parley realtime server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  api_addr:        %s", cfg.APIAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", natsConfig.URL)

	// --- Socket server ---
	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
	registry := ws.NewRegistry()
	broadcaster := ws.NewBroadcaster(registry, chatStore)
	dispatcher := ws.NewDispatcher(broadcaster, registry, limiter)
	server := ws.NewServer(serverConfig, registry, broadcaster, authStore, presenceStore, dispatcher.Dispatch)
	server.SetConnectLimiter(limiter)

	// Push events persisted by the REST layer flow through NATS to the
	// socket fanout. The REST handler never touches a socket directly.
	if err := natsClient.SubscribeChatEvents(func(chatID string, data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		broadcaster.BroadcastToChat(ctx, chatID, data, "")
	}); err != nil {
		log.Fatalf("failed to subscribe to chat events: %v", err)
	}

	// --- REST API ---
	apiHandler := api.New(chatStore, authStore, natsClient, presenceStore)
	apiServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      apiHandler.Router(cfg.AllowedOrigins),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	// --- Metrics ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("api shutdown error: %v", err)
		}
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

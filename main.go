package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/converse-live/config"
	"github.com/room4-2/converse-live/gemini"
	"github.com/room4-2/converse-live/presets"
	"github.com/room4-2/converse-live/server"
	"github.com/room4-2/converse-live/session"
)

const cleanupInterval = time.Minute

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, err := gemini.NewConnector(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatalf("Failed to create Gemini connector: %v", err)
	}
	dialer := session.DialFunc(func(ctx context.Context, p presets.Preset) (session.Upstream, error) {
		proxy, err := connector.Connect(ctx, p)
		if err != nil {
			return nil, err
		}
		return proxy, nil
	})

	// Create session manager
	sessionManager := session.NewManager(cfg, dialer, connectRedis(ctx, cfg))

	// Start cleanup routine
	go sessionManager.StartCleanupRoutine(ctx, cleanupInterval)

	srv := server.New(cfg, sessionManager)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\nReceived shutdown signal...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}

// connectRedis returns a client for the session mirror, or nil when Redis is
// disabled or still unreachable after a few attempts. The relay works
// without it.
func connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		log.Println("ℹ️ Redis disabled, tracking sessions in memory only")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	err := backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		log.Printf("⚠️ Redis unavailable at %s, continuing without it: %v", cfg.RedisURL, err)
		client.Close()
		return nil
	}

	log.Printf("✅ Connected to Redis at %s", cfg.RedisURL)
	return client
}

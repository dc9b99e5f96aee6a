package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	httpAdapter "github.com/lorrc/farmlink-realtime/internal/adapters/primary/http"
	mw "github.com/lorrc/farmlink-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/farmlink-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/farmlink-realtime/internal/adapters/secondary/postgres"
	"github.com/lorrc/farmlink-realtime/internal/adapters/secondary/redisrelay"
	"github.com/lorrc/farmlink-realtime/internal/auth"
	"github.com/lorrc/farmlink-realtime/internal/backoff"
	"github.com/lorrc/farmlink-realtime/internal/config"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
	"github.com/lorrc/farmlink-realtime/internal/core/services"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/logging"
	"github.com/lorrc/farmlink-realtime/internal/infrastructure/metrics"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	// Background workers stop when ctx is cancelled
	ctx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup

	checks := make(map[string]ports.HealthChecker)

	// 3. Initialize Database Pool (optional)
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
				logger.Error("failed to run migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("database migrations applied")
		}

		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		checks["database"] = pool
		logger.Info("database connection established")
	} else {
		logger.Info("DATABASE_URL not set, notification listener disabled")
	}

	// 4. Initialize Real-time Components
	collector := metrics.NewCollector()
	registry := websocket.NewRegistry()
	gateway := websocket.NewGateway(
		websocket.Config{
			WriteWait:      cfg.WebSocket.WriteWait,
			PongWait:       cfg.WebSocket.PongWait,
			PingPeriod:     cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			SendBufferSize: cfg.WebSocket.SendBufferSize,
			CommandRate:    cfg.WebSocket.CommandRate,
			CommandBurst:   cfg.WebSocket.CommandBurst,
		},
		registry,
		services.NewRoomAuthorizationService(),
		collector,
		logger,
	)
	collector.SetGaugeSource(func() (int, int) {
		stats := gateway.Stats()
		return stats.Connections, stats.Rooms
	})

	// Relay (optional). Keep the interface nil when Redis is not configured.
	var relay ports.Relay
	if cfg.Relay.RedisURL != "" {
		client, err := redisrelay.NewClient(cfg.Relay.RedisURL)
		if err != nil {
			logger.Error("failed to configure redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		r := redisrelay.New(client, cfg.Relay.Channel, logger)
		relay = r
		checks["redis"] = r

		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := r.Run(ctx, gateway); err != nil {
				logger.Error("relay stopped", "error", err)
			}
		}()
	}

	broadcaster := services.NewBroadcaster(gateway, relay, collector, logger)

	// Notification listener (optional)
	if pool != nil && cfg.Listener.Enabled {
		listener := postgres.NewListener(pool, cfg.Listener.Channel, broadcaster, backoff.Policy{
			Base: cfg.Client.ReconnectBaseDelay,
			Max:  cfg.Client.ReconnectMaxDelay,
		}, logger)

		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := listener.Run(ctx); err != nil {
				logger.Error("listener stopped", "error", err)
			}
		}()
	}

	// 5. Initialize Security
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	keyVerifier, err := auth.NewAPIKeyVerifier(cfg.Emitter.APIKeyHashes)
	if err != nil {
		logger.Error("invalid emitter api key hashes", "error", err)
		os.Exit(1)
	}
	if !keyVerifier.Enabled() {
		logger.Warn("EMITTER_API_KEY_HASHES not set, emit API rejects every request")
	}

	var rateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
		defer rateLimiter.Stop()
	}

	// 6. Handlers (Primary Adapters)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	router := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimiter:    rateLimiter,
		KeyVerifier:    keyVerifier,
		Health:         httpAdapter.NewHealthHandler(checks, gateway, cfg.App.Version),
		Metrics:        httpAdapter.NewMetricsHandler(collector, logger),
		Emit:           httpAdapter.NewEmitHandler(broadcaster, errorHandler, logger),
		WebSocket:      httpAdapter.NewWebSocketHandler(gateway, tokenManager, cfg, logger),
		Logger:         logger,
	})

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not covered by srv.Shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}

	cancelWorkers()
	workers.Wait()

	logger.Info("server shutdown complete")
}

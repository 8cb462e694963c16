package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/routewise/gateway/internal/api"
	"github.com/routewise/gateway/internal/config"
	"github.com/routewise/gateway/internal/services/alerts"
	"github.com/routewise/gateway/internal/services/database"
	"github.com/routewise/gateway/internal/services/gateway"
	"github.com/routewise/gateway/internal/services/health"
	"github.com/routewise/gateway/internal/services/ratelimit"
	"github.com/routewise/gateway/internal/services/registry"
	"github.com/routewise/gateway/internal/services/router"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

func main() {
	config.LoadEnvFiles([]string{".env.local", ".env.development", ".env"})

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		fiberlog.Fatalf("Failed to load config: %v", err)
	}
	setupLogLevel(cfg)

	if err := run(cfg); err != nil {
		fiberlog.Fatalf("Server failed: %v", err)
	}
}

func run(cfg *config.Config) error {
	bus := alerts.NewBus()
	go logAlerts(bus.Subscribe(0))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			fiberlog.Errorf("Failed to close Redis connection: %v", err)
		}
	}()

	fallback := cfg.Fallback
	strategies := cfg.Strategies
	rateLimit := cfg.RateLimit

	var store *database.Store
	if cfg.Database != nil {
		db, err := database.New(*cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				fiberlog.Errorf("Failed to close database connection: %v", err)
			}
		}()

		store = database.NewStore(db)
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		// Persisted routing config wins over the YAML defaults.
		if fallback, err = store.LoadChain(fallback); err != nil {
			return fmt.Errorf("failed to load fallback chain: %w", err)
		}
		if strategies, err = store.LoadStrategies(strategies); err != nil {
			return fmt.Errorf("failed to load routing strategies: %w", err)
		}
		if rateLimit, err = store.LoadRateLimitConfig(rateLimit); err != nil {
			return fmt.Errorf("failed to load rate limit config: %w", err)
		}
	}

	reg, err := registry.Build(cfg.Providers, fallback, strategies, bus)
	if err != nil {
		return fmt.Errorf("failed to build provider registry: %w", err)
	}

	limiter := ratelimit.New(ratelimit.NewRedisStore(redisClient), rateLimit, bus)
	routerSvc := router.New(reg)
	gatewaySvc := gateway.New(limiter, routerSvc)
	checker := health.New(reg, routerSvc, cfg.Health)

	app := createFiberApp(cfg)
	setupMiddleware(app, cfg)
	setupRoutes(app, cfg, gatewaySvc, reg, checker, limiter, store, redisClient)

	checker.Start()
	defer checker.Stop()

	listenAddr := ":" + cfg.Server.Port
	fmt.Printf("RouteWise gateway starting on %s (%d providers)\n", listenAddr, len(cfg.Providers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.Server.Environment == "production"

	return fiber.New(fiber.Config{
		AppName:           "RouteWise Gateway v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		CaseSensitive:     true,
		ServerHeader:      "RouteWise",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config) {
	isProd := cfg.Server.Environment == "production"

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
		Output: os.Stdout,
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Server.AllowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Tenant-ID",
		AllowMethods:  "GET, POST, PUT, DELETE, OPTIONS",
		MaxAge:        86400,
		ExposeHeaders: "Content-Length, Content-Type, X-Request-ID, Retry-After",
	}))
}

func setupRoutes(
	app *fiber.App,
	cfg *config.Config,
	gatewaySvc *gateway.Service,
	reg *registry.Registry,
	checker *health.Checker,
	limiter *ratelimit.Limiter,
	store *database.Store,
	redisClient *redis.Client,
) {
	completions := api.NewCompletionHandler(gatewaySvc)
	app.Post("/v1/completions", completions.Complete)

	healthHandler := api.NewHealthHandler(reg, redisClient)
	app.Get("/health", healthHandler.HealthCheck)

	opsHandler := api.NewOpsHandler(reg, checker, limiter, store)
	ops := app.Group("/ops")
	ops.Get("/circuit-breakers", opsHandler.CircuitBreakers)
	ops.Post("/circuit-breakers/:provider/force-open", opsHandler.ForceOpen)
	ops.Post("/circuit-breakers/:provider/force-close", opsHandler.ForceClose)
	ops.Post("/circuit-breakers/:provider/reset", opsHandler.Reset)
	ops.Get("/load-balancer/stats", opsHandler.LoadBalancerStats)
	ops.Get("/health-dashboard", opsHandler.HealthDashboard)
	ops.Post("/health-check", opsHandler.HealthCheck)
	ops.Post("/test-route", opsHandler.TestRoute)
	ops.Put("/fallback-chain", opsHandler.UpdateChain)
	ops.Put("/strategies", opsHandler.UpdateStrategies)
	ops.Put("/rate-limit/tiers", opsHandler.UpdateTiers)
}

// logAlerts drains the alert bus into the structured log. A dedicated
// alerting integration would subscribe the same way.
func logAlerts(events <-chan alerts.Event) {
	for event := range events {
		switch event.Type {
		case alerts.EventBreakerStateChanged:
			fiberlog.Warnf("Alert: circuit breaker for %s moved %s -> %s", event.Provider, event.FromState, event.ToState)
		case alerts.EventRateLimitExceeded:
			fiberlog.Infof("Alert: %s exceeded tier %s, retry after %.0fs", event.Key, event.Tier, event.RetryAfter.Seconds())
		case alerts.EventLimiterDegraded:
			fiberlog.Errorf("Alert: rate limiter degraded: %s", event.Reason)
		}
	}
}

func setupLogLevel(cfg *config.Config) {
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "warn":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
	}
}

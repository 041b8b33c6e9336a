package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Almonaabdo/landLorkLinkAI/internal/config"
	"github.com/Almonaabdo/landLorkLinkAI/internal/hub"
	"github.com/Almonaabdo/landLorkLinkAI/internal/logging"
	"github.com/Almonaabdo/landLorkLinkAI/internal/metrics"
	"github.com/Almonaabdo/landLorkLinkAI/internal/policy"
	"github.com/Almonaabdo/landLorkLinkAI/internal/repository"
	"github.com/Almonaabdo/landLorkLinkAI/internal/service"
	handler "github.com/Almonaabdo/landLorkLinkAI/internal/transport/http"
	"github.com/Almonaabdo/landLorkLinkAI/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting ticket chat",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("ws_port", cfg.WSPort),
		zap.String("store", cfg.StoreDriver),
	)

	ctx := context.Background()

	// Initialize store
	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Initialize service
	svc := service.New(db, cfg, policyEngine, logger, metrics.New(reg))

	connectionHub := hub.NewHub(logger)
	go connectionHub.Run()

	// REST server
	httpServer := handler.NewServer(svc, connectionHub, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), cfg.APIKey)

	// WebSocket server

	wsServer := ws.NewServer(cfg, connectionHub, svc, logger)
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start WebSocket server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown WebSocket server gracefully", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown HTTP server gracefully", zap.Error(err))
	}
	svc.Shutdown()
	connectionHub.Stop()

	logger.Info("ticket chat stopped")
}

// openStore builds the document store named by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.DocumentStore, error) {
	switch cfg.StoreDriver {
	case "mongo":
		logger.Info("using mongo store", zap.String("db", cfg.MongoDB))
		return repository.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	case "sqlite", "":
		opts := []repository.Option{repository.WithPollInterval(cfg.LivePollTick)}
		if cfg.RedisURL != "" {
			notifier, err := repository.NewRedisNotifier(ctx, cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			opts = append(opts, repository.WithNotifier(notifier))
			logger.Info("using redis change notifications")
		}
		logger.Info("using sqlite store", zap.String("dsn", cfg.DatabaseURL))
		return repository.NewSQLiteStore(cfg.DatabaseURL, opts...)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

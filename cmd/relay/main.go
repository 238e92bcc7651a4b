package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"castrelay/internal/core/services"
	httphandlers "castrelay/internal/handlers/http"
	"castrelay/internal/infrastructure/capture"
	"castrelay/internal/infrastructure/middleware"
	"castrelay/internal/infrastructure/monitoring"
	repositories "castrelay/internal/infrastructure/repositories"
	signalrelay "castrelay/internal/infrastructure/signal"
	"castrelay/internal/infrastructure/tunnel"
	"castrelay/pkg/config"
	"castrelay/pkg/logger"
	"castrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/castrelay/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Tracing (disabled by default)
	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tracerProvider, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Warnw("tracing init failed, continuing without it", "error", err)
		tracerProvider = nil
	}

	// Repositories
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	sessionRepo := repoFactory.CreateSessionRepository()

	// Core services and infrastructure
	localPort := resolveLocalPort(cfg.Server.Address)

	prometheusCollector := monitoring.NewPrometheusCollector()

	registry := services.NewSessionService(sessionRepo, prometheusCollector, log)

	relay := signalrelay.NewRelayServer(registry, prometheusCollector, log)
	relay.SetTimeouts(
		cfg.Signal.PingInterval,
		cfg.Signal.PongTimeout,
		cfg.Signal.WriteTimeout,
		cfg.Signal.JoinTimeout,
	)

	inventory := capture.NewDeviceInventory(cfg.Capture.Binary, log)

	supervisor := capture.NewSupervisor(capture.Options{
		Binary:       cfg.Capture.Binary,
		OutputRoot:   cfg.Capture.OutputRoot,
		SegmentTime:  cfg.Capture.SegmentTime,
		PlaylistSize: cfg.Capture.PlaylistSize,
		StartTimeout: cfg.Capture.StartTimeout,
		StopGrace:    cfg.Capture.StopGrace,
		Framerate:    cfg.Capture.Framerate,
	}, inventory, prometheusCollector, log)

	binder := tunnel.NewBinder(tunnel.Options{
		Enabled:     cfg.Tunnel.Enabled,
		Binary:      cfg.Tunnel.Binary,
		APIAddress:  cfg.Tunnel.APIAddress,
		BindTimeout: cfg.Tunnel.BindTimeout,
	}, prometheusCollector, log)

	streamService := services.NewStreamService(registry, supervisor, binder, localPort, log)

	// HTTP handlers
	sessionHandler := httphandlers.NewSessionHandler(registry, relay, localPort)
	streamHandler := httphandlers.NewStreamHandler(streamService, inventory, registry, supervisor, prometheusCollector)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	sessionHandler.SetupRoutes(router)
	streamHandler.SetupRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	// Readiness endpoint (checks the Redis connection when enabled)
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting castrelay server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down castrelay server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Ordering matters: stop the supervised stream and its tunnel first,
	// then close live signaling sessions, then the HTTP listener.
	if err := streamService.Stop(shutdownCtx); err != nil {
		log.Errorw("Error stopping supervised stream", "error", err)
	}

	relay.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error shutting down tracer", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("castrelay server stopped")
}

// resolveLocalPort extracts the numeric port from a listen address like
// ":8553" or "0.0.0.0:8553".
func resolveLocalPort(address string) int {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 8553
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8553
	}
	return port
}

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

	"golang.org/x/time/rate"

	"github.com/jwalitptl/message-scheduler/internal/app"
	"github.com/jwalitptl/message-scheduler/internal/config"
	capabilityhandler "github.com/jwalitptl/message-scheduler/internal/handler/capability"
	"github.com/jwalitptl/message-scheduler/internal/handler/health"
	"github.com/jwalitptl/message-scheduler/internal/handler/prometheus"
	schedulehandler "github.com/jwalitptl/message-scheduler/internal/handler/schedule"
	"github.com/jwalitptl/message-scheduler/internal/middleware"
	"github.com/jwalitptl/message-scheduler/internal/router"
	"github.com/jwalitptl/message-scheduler/pkg/auth"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.Log)
	if cfg.JWT.Secret == "" {
		log.Fatal(errors.New("jwt.secret is empty"), "refusing to start without a signing secret")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize store, broker and services
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialize application")
	}

	// Initialize middleware
	tokens := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer)
	authMiddleware := middleware.NewAuthMiddleware(tokens)

	// Setup router
	r := router.NewRouter(
		authMiddleware,
		health.NewHandler(a.ReadinessChecks()),
		prometheus.New(app.MetricsNamespace, a.Registry),
		log,
		router.RouterConfig{
			RequestTimeout:   cfg.Server.RequestTimeout,
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
			CORSConfig:       middleware.DefaultCORSConfig(cfg.Security.AllowedOrigins),
		},
		schedulehandler.NewHandler(a.Schedules),
		capabilityhandler.NewHandler(a.Capabilities, a.Gate.IsElevated),
	)
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info("starting api server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}

	stop()
	a.Close()
	log.Info("server exited properly")
}

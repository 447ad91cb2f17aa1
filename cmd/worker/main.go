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

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/message-scheduler/internal/app"
	"github.com/jwalitptl/message-scheduler/internal/config"
	"github.com/jwalitptl/message-scheduler/internal/handler/health"
	"github.com/jwalitptl/message-scheduler/internal/handler/prometheus"
	"github.com/jwalitptl/message-scheduler/internal/middleware"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/worker"
)

func setupHealthCheck(a *app.App, port int, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	metricsH := prometheus.New(app.MetricsNamespace+"_worker", a.Registry)
	engine := gin.New()
	engine.Use(middleware.Recovery(log), metricsH.Middleware())

	health.NewHandler(a.ReadinessChecks()).RegisterRoutes(engine)
	engine.GET("/metrics", metricsH.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "health check server failed")
		}
	}()
	return srv
}

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := app.NewLogger(cfg.Log).WithFields(map[string]interface{}{"worker_id": workerID()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialize application")
	}
	defer a.Close()

	loc, _ := cfg.Scheduler.Location()
	trigger, err := worker.NewDueTrigger(a.Schedules, worker.DueTriggerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		StopTimeout:  cfg.Scheduler.SendTimeout * 2,
		Location:     loc,
	}, log)
	if err != nil {
		log.Fatal(err, "failed to create due trigger")
	}

	// Setup health check endpoints
	srv := setupHealthCheck(a, cfg.Server.WorkerPort, log)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down...")
		cancel()
	}()

	if err := trigger.Start(ctx); err != nil {
		log.Error(err, "due trigger stopped with error")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "health server forced to shutdown")
	}
}

func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

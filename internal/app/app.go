package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/message-scheduler/internal/channel"
	"github.com/jwalitptl/message-scheduler/internal/config"
	"github.com/jwalitptl/message-scheduler/internal/email"
	"github.com/jwalitptl/message-scheduler/internal/handler/health"
	"github.com/jwalitptl/message-scheduler/internal/repository"
	"github.com/jwalitptl/message-scheduler/internal/repository/memory"
	"github.com/jwalitptl/message-scheduler/internal/repository/postgres"
	"github.com/jwalitptl/message-scheduler/internal/service/authz"
	"github.com/jwalitptl/message-scheduler/internal/service/capability"
	"github.com/jwalitptl/message-scheduler/internal/service/dispatch"
	"github.com/jwalitptl/message-scheduler/internal/service/schedule"
	"github.com/jwalitptl/message-scheduler/internal/service/statistics"
	"github.com/jwalitptl/message-scheduler/pkg/logger"
	"github.com/jwalitptl/message-scheduler/pkg/messaging"
	"github.com/jwalitptl/message-scheduler/pkg/messaging/redis"
	"github.com/jwalitptl/message-scheduler/pkg/metrics"
)

// MetricsNamespace prefixes every metric the binaries export.
const MetricsNamespace = "message_scheduler"

// App holds the engine components shared by the api and worker binaries.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Broker       messaging.Broker
	Capabilities *capability.Service
	Gate         *authz.Gate
	Coordinator  *dispatch.Coordinator
	Schedules    *schedule.Service

	db     *sqlx.DB
	checks map[string]health.Check
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		JSON:       cfg.Format == "json",
	})
}

// New connects the store and broker and wires the services on top of them.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.New(MetricsNamespace, reg),
		checks:   make(map[string]health.Check),
	}

	schedules, logs, capabilities, err := a.openStore()
	if err != nil {
		return nil, err
	}

	if err := a.openBroker(); err != nil {
		a.Close()
		return nil, err
	}

	a.Capabilities = capability.NewService(capabilities, a.Broker, log)
	a.Gate = authz.NewGate(a.Capabilities, authz.Config{
		ElevatedRoles: cfg.Authz.ElevatedRoles,
		CacheTTL:      cfg.Authz.CacheTTL,
	}, a.Metrics, log)
	a.Capabilities.OnChange(a.Gate.OnPermissionChange)
	if err := a.Gate.Subscribe(ctx, a.Broker); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to subscribe to permission changes: %w", err)
	}

	mail := email.NewSMTPService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	adapters := channel.NewDefaultRegistry(a.Broker, mail, log)

	a.Coordinator = dispatch.NewCoordinator(schedules, logs, adapters, dispatch.Config{
		BatchSize:           cfg.Scheduler.BatchSize,
		ScheduleConcurrency: cfg.Scheduler.ScheduleConcurrency,
		SendConcurrency:     cfg.Scheduler.SendConcurrency,
		SendTimeout:         cfg.Scheduler.SendTimeout,
		SendsPerSecond:      cfg.Scheduler.SendsPerSecond,
		SendBurst:           cfg.Scheduler.SendBurst,
		MaxErrorEntries:     cfg.Scheduler.MaxErrorEntries,
		FinalizeRetries:     cfg.Scheduler.FinalizeRetries,
		StaleAfter:          cfg.Scheduler.StaleAfter,
		Location:            loc,
	}, a.Metrics, log)

	a.Schedules = schedule.NewService(
		schedules,
		logs,
		a.Gate,
		a.Coordinator,
		statistics.NewAggregator(schedules, loc),
		schedule.Config{
			Location:                 loc,
			ExecuteImmediateOnCreate: cfg.Scheduler.ExecuteImmediateOnCreate,
		},
		log,
	)

	return a, nil
}

func (a *App) openStore() (repository.ScheduleRepository, repository.ExecutionLogRepository, repository.CapabilityRepository, error) {
	if a.Config.Database.Driver == "memory" {
		a.Logger.Warn("using in-memory store, data will not survive a restart")
		return memory.NewScheduleRepository(), memory.NewExecutionLogRepository(), memory.NewCapabilityRepository(), nil
	}

	db, err := postgres.NewDB(a.Config.Database, a.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	a.db = db
	a.checks["database"] = func(ctx context.Context) error {
		return db.PingContext(ctx)
	}

	base := postgres.NewBaseRepository(db, a.Metrics)
	return postgres.NewScheduleRepository(base),
		postgres.NewExecutionLogRepository(base),
		postgres.NewCapabilityRepository(base),
		nil
}

func (a *App) openBroker() error {
	if !a.Config.Redis.Enabled {
		a.Broker = messaging.NewLocalBroker()
		return nil
	}

	broker, err := redis.NewRedisBroker(redis.Config{
		URL:          a.Config.Redis.URL,
		MaxRetries:   a.Config.Redis.MaxRetries,
		RetryBackoff: a.Config.Redis.RetryBackoff,
		PoolSize:     a.Config.Redis.PoolSize,
		MinIdleConns: a.Config.Redis.MinIdleConns,
	}, a.Logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create redis broker: %w", err)
	}
	a.Broker = broker

	if pinger, ok := broker.(interface{ Ping(context.Context) error }); ok {
		a.checks["redis"] = pinger.Ping
	}
	return nil
}

// ReadinessChecks returns the dependency probes for /health/ready.
func (a *App) ReadinessChecks() map[string]health.Check {
	out := make(map[string]health.Check, len(a.checks))
	for name, check := range a.checks {
		out[name] = check
	}
	return out
}

// Close waits for background runs and releases the broker and database.
func (a *App) Close() {
	if a.Schedules != nil {
		a.Schedules.Wait()
	}
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Error(err, "failed to close broker")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error(err, "failed to close database")
		}
	}
}

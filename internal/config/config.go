package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Authz     AuthzConfig     `mapstructure:"authz"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// WorkerPort serves health and metrics for the worker binary.
	WorkerPort int `mapstructure:"worker_port"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds a lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type SchedulerConfig struct {
	BatchSize                int           `mapstructure:"batch_size"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	ScheduleConcurrency      int           `mapstructure:"schedule_concurrency"`
	SendConcurrency          int           `mapstructure:"send_concurrency"`
	SendTimeout              time.Duration `mapstructure:"send_timeout"`
	SendsPerSecond           float64       `mapstructure:"sends_per_second"`
	SendBurst                int           `mapstructure:"send_burst"`
	MaxErrorEntries          int           `mapstructure:"max_error_entries"`
	FinalizeRetries          int           `mapstructure:"finalize_retries"`
	StaleAfter               time.Duration `mapstructure:"stale_after"`
	Timezone                 string        `mapstructure:"timezone"`
	ExecuteImmediateOnCreate bool          `mapstructure:"execute_immediate_on_create"`
}

// Location resolves the configured timezone.
func (c SchedulerConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

type AuthzConfig struct {
	ElevatedRoles []string      `mapstructure:"elevated_roles"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
}

// databaseEnv carries credentials injected by the deployment, e.g. SCHEDULER_DB_PASSWORD.
type databaseEnv struct {
	Host     string `envconfig:"host"`
	Port     int    `envconfig:"port"`
	User     string `envconfig:"user"`
	Password string `envconfig:"password"`
	Name     string `envconfig:"name"`
	SSLMode  string `envconfig:"sslmode"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.worker_port", 9090)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "message_scheduler")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", "100ms")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("security.allowed_origins", []string{"*"})

	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.poll_interval", "30s")
	v.SetDefault("scheduler.schedule_concurrency", 4)
	v.SetDefault("scheduler.send_concurrency", 10)
	v.SetDefault("scheduler.send_timeout", "10s")
	v.SetDefault("scheduler.sends_per_second", 50)
	v.SetDefault("scheduler.send_burst", 10)
	v.SetDefault("scheduler.max_error_entries", 20)
	v.SetDefault("scheduler.finalize_retries", 3)
	v.SetDefault("scheduler.stale_after", "15m")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.execute_immediate_on_create", false)

	v.SetDefault("authz.elevated_roles", []string{"admin", "superadmin"})
	v.SetDefault("authz.cache_ttl", "5m")

	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "no-reply@localhost")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadConfig reads config.yml from the usual locations and applies environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("scheduler")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var dbEnv databaseEnv
	if err := envconfig.Process("scheduler_db", &dbEnv); err != nil {
		return nil, fmt.Errorf("failed to process database env: %w", err)
	}
	config.Database.overlay(dbEnv)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *DatabaseConfig) overlay(env databaseEnv) {
	if env.Host != "" {
		c.Host = env.Host
	}
	if env.Port != 0 {
		c.Port = env.Port
	}
	if env.User != "" {
		c.User = env.User
	}
	if env.Password != "" {
		c.Password = env.Password
	}
	if env.Name != "" {
		c.Name = env.Name
	}
	if env.SSLMode != "" {
		c.SSLMode = env.SSLMode
	}
}

// Validate checks the settings the engine cannot run without.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.ScheduleConcurrency <= 0 || c.Scheduler.SendConcurrency <= 0 {
		return fmt.Errorf("scheduler concurrency must be positive")
	}
	if c.Scheduler.SendTimeout <= 0 {
		return fmt.Errorf("scheduler.send_timeout must be positive")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	return nil
}

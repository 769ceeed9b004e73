package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// Execution modes
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Snapshot backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// DefaultMaxWorkers is the parallel width used when none is configured
const DefaultMaxWorkers = 4

// Config holds the process configuration
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Execution ExecutionConfig `json:"execution"`
	Snapshots SnapshotConfig  `json:"snapshots"`
	Redis     RedisConfig     `json:"redis"`
	Tracing   TracingConfig   `json:"tracing"`
	Server    ServerConfig    `json:"server"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ExecutionConfig controls how scanners are scheduled
type ExecutionConfig struct {
	Mode       string `json:"mode" yaml:"mode"`
	MaxWorkers int    `json:"max_workers" yaml:"max_workers"`
}

// SnapshotConfig selects where trend snapshots are kept
type SnapshotConfig struct {
	Backend     string `json:"backend"`
	DatabaseURL string `json:"-"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	PoolSize  int    `json:"pool_size"`
	KeyPrefix string `json:"key_prefix"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewConfigError("failed to read .env file").WithCause(err)
	}

	config := &Config{
		Logging: LoggingConfig{
			Level:  getEnvString("ASH_LOG_LEVEL", "info"),
			Format: getEnvString("ASH_LOG_FORMAT", "text"),
			Output: getEnvString("ASH_LOG_OUTPUT", "stderr"),
		},
		Execution: ExecutionConfig{
			Mode:       strings.ToLower(getEnvString("ASH_EXECUTION_MODE", ModeParallel)),
			MaxWorkers: getEnvInt("ASH_MAX_WORKERS", DefaultMaxWorkers),
		},
		Snapshots: SnapshotConfig{
			Backend:     strings.ToLower(getEnvString("ASH_SNAPSHOT_BACKEND", BackendMemory)),
			DatabaseURL: getEnvString("ASH_DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Host:      getEnvString("ASH_REDIS_HOST", "localhost"),
			Port:      getEnvInt("ASH_REDIS_PORT", 6379),
			Password:  getEnvString("ASH_REDIS_PASSWORD", ""),
			DB:        getEnvInt("ASH_REDIS_DB", 0),
			PoolSize:  getEnvInt("ASH_REDIS_POOL_SIZE", 10),
			KeyPrefix: getEnvString("ASH_REDIS_KEY_PREFIX", "ash"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("ASH_TRACING_ENABLED", false),
			ServiceName:    getEnvString("ASH_TRACING_SERVICE_NAME", "ash"),
			JaegerEndpoint: getEnvString("ASH_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("ASH_TRACING_SAMPLE_RATE", 1.0),
		},
		Server: ServerConfig{
			Addr:         getEnvString("ASH_API_ADDR", ":8080"),
			ReadTimeout:  getEnvDuration("ASH_API_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("ASH_API_WRITE_TIMEOUT", 30*time.Second),
			CORSOrigins:  getEnvList("ASH_API_CORS_ORIGINS", []string{"*"}),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if c.Execution.MaxWorkers < 1 {
		return errors.NewConfigError("ASH_MAX_WORKERS must be at least 1")
	}

	switch c.Snapshots.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres, BackendMySQL:
		if c.Snapshots.DatabaseURL == "" {
			return errors.NewConfigError(fmt.Sprintf("ASH_DATABASE_URL is required for the %s snapshot backend", c.Snapshots.Backend))
		}
	default:
		return errors.NewConfigError(fmt.Sprintf("unknown snapshot backend %q", c.Snapshots.Backend))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.NewConfigError("tracing sample rate must be between 0 and 1")
	}

	return nil
}

// Validate checks the execution mode and worker count
func (e ExecutionConfig) Validate() error {
	switch strings.ToLower(e.Mode) {
	case "", ModeSequential, ModeParallel:
	default:
		return errors.NewConfigError(fmt.Sprintf("invalid execution mode %q, expected %s or %s", e.Mode, ModeSequential, ModeParallel))
	}
	if e.MaxWorkers < 0 {
		return errors.NewConfigError("max_workers must be at least 1")
	}
	return nil
}

// RedisAddr returns the host:port address of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

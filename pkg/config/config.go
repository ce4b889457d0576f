package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required,url|uri"`

	RedisAddr     string `mapstructure:"REDIS_ADDR" validate:"required,hostname_port"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	JWTSecret string `mapstructure:"JWT_SECRET" validate:"required,min=16"`

	AsynqConcurrency int `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=1000"`

	// Sandbox execution.
	WorkingDir    string `mapstructure:"WORKING_DIR"`
	SandboxDriver string `mapstructure:"SANDBOX_DRIVER" validate:"required,oneof=docker local"`
	SandboxImage  string `mapstructure:"SANDBOX_IMAGE" validate:"required"`

	// Per-operation execution bounds. Build and plan are expected to finish
	// quickly; apply and destroy mutate real infrastructure and get more room.
	BuildTimeout   time.Duration `mapstructure:"BUILD_TIMEOUT" validate:"required"`
	PlanTimeout    time.Duration `mapstructure:"PLAN_TIMEOUT" validate:"required"`
	ApplyTimeout   time.Duration `mapstructure:"APPLY_TIMEOUT" validate:"required"`
	DestroyTimeout time.Duration `mapstructure:"DESTROY_TIMEOUT" validate:"required"`

	// Artifact generation.
	GenAIModel  string `mapstructure:"GENAI_MODEL" validate:"required"`
	GenAIAPIKey string `mapstructure:"GENAI_API_KEY"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ASYNQ_CONCURRENCY", 10)
	v.SetDefault("JWT_SECRET", "development-secret-change-me")
	v.SetDefault("SANDBOX_DRIVER", "docker")
	v.SetDefault("SANDBOX_IMAGE", "launchforge/runner:latest")
	v.SetDefault("BUILD_TIMEOUT", "10m")
	v.SetDefault("PLAN_TIMEOUT", "5m")
	v.SetDefault("APPLY_TIMEOUT", "30m")
	v.SetDefault("DESTROY_TIMEOUT", "30m")
	v.SetDefault("GENAI_MODEL", "gemini-2.5-flash")
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"JWT_SECRET",
		"ASYNQ_CONCURRENCY",
		"WORKING_DIR",
		"SANDBOX_DRIVER",
		"SANDBOX_IMAGE",
		"BUILD_TIMEOUT",
		"PLAN_TIMEOUT",
		"APPLY_TIMEOUT",
		"DESTROY_TIMEOUT",
		"GENAI_MODEL",
		"GENAI_API_KEY",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
		"BUILD_TIMEOUT":    &c.BuildTimeout,
		"PLAN_TIMEOUT":     &c.PlanTimeout,
		"APPLY_TIMEOUT":    &c.ApplyTimeout,
		"DESTROY_TIMEOUT":  &c.DestroyTimeout,
	}
	for key, dst := range durations {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}

// OperationTimeout returns the configured bound for a deployment operation type.
// Unknown types fall back to the plan bound, the shortest of the four.
func (c *Config) OperationTimeout(operationType string) time.Duration {
	switch operationType {
	case "build_image":
		return c.BuildTimeout
	case "apply":
		return c.ApplyTimeout
	case "destroy":
		return c.DestroyTimeout
	default:
		return c.PlanTimeout
	}
}

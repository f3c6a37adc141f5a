package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DBPath string `mapstructure:"db_path"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTKey    string `mapstructure:"jwt_key"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type SandboxConfig struct {
	Driver           string        `mapstructure:"driver"` // docker or engine
	Image            string        `mapstructure:"image"`
	CPULimit         string        `mapstructure:"cpu_limit"`
	MemoryLimit      string        `mapstructure:"memory_limit"`
	StartupTimeoutMS int           `mapstructure:"startup_timeout_ms"`
	ExecuteTimeoutMS int           `mapstructure:"execute_timeout_ms"`
	MountDir         string        `mapstructure:"mount_dir"`
	KeepWorkspaces   bool          `mapstructure:"keep_workspaces"`
	Network          bool          `mapstructure:"network"`
	SweepSchedule    string        `mapstructure:"sweep_schedule"`
	SweepAge         time.Duration `mapstructure:"sweep_age"`
}

// StartupTimeout is the grace period before the first input tick.
func (c SandboxConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMS) * time.Millisecond
}

// ExecuteTimeout is the hard deadline after which a graded run is killed.
func (c SandboxConfig) ExecuteTimeout() time.Duration {
	return time.Duration(c.ExecuteTimeoutMS) * time.Millisecond
}

type TerminalConfig struct {
	MaxSession time.Duration `mapstructure:"max_session"`
}

type LimitsConfig struct {
	GlobalRPS     float64 `mapstructure:"global_rps"`
	IPRPS         float64 `mapstructure:"ip_rps"`
	IPBurst       int     `mapstructure:"ip_burst"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // console or json
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Log      LogConfig      `mapstructure:"log"`
}

// envBindings keeps the variable names operators already use for the
// sandbox and server alongside the nested config keys.
var envBindings = map[string][]string{
	"server.port":                {"SERVER_PORT", "PORT"},
	"storage.driver":             {"STORAGE_DRIVER"},
	"storage.db_path":            {"DB_PATH"},
	"storage.dsn":                {"DATABASE_URL"},
	"auth.jwt_key":               {"JWT_KEY"},
	"auth.jwt_issuer":            {"JWT_ISSUER"},
	"sandbox.driver":             {"SANDBOX_DRIVER"},
	"sandbox.image":              {"SANDBOX_IMAGE"},
	"sandbox.cpu_limit":          {"DOCKER_CPU_LIMIT"},
	"sandbox.memory_limit":       {"DOCKER_MEMORY_LIMIT"},
	"sandbox.startup_timeout_ms": {"STARTUP_TIMEOUT"},
	"sandbox.execute_timeout_ms": {"EXECUTE_TIMEOUT"},
	"sandbox.mount_dir":          {"MOUNT_DIR"},
	"log.level":                  {"LOG_LEVEL"},
	"log.format":                 {"LOG_FORMAT"},
	"log.file":                   {"LOG_FILE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".gradebox", "gradebox.db"))
	v.SetDefault("auth.jwt_issuer", "gradebox")
	v.SetDefault("sandbox.driver", "docker")
	v.SetDefault("sandbox.image", "eidoriantan/kodit-program:latest")
	v.SetDefault("sandbox.cpu_limit", "1")
	v.SetDefault("sandbox.memory_limit", "256MB")
	v.SetDefault("sandbox.startup_timeout_ms", 5000)
	v.SetDefault("sandbox.execute_timeout_ms", 30000)
	v.SetDefault("sandbox.mount_dir", "mount")
	v.SetDefault("sandbox.sweep_schedule", "@every 15m")
	v.SetDefault("sandbox.sweep_age", 24*time.Hour)
	v.SetDefault("terminal.max_session", 10*time.Minute)
	v.SetDefault("limits.global_rps", 50.0)
	v.SetDefault("limits.ip_rps", 2.0)
	v.SetDefault("limits.ip_burst", 5)
	v.SetDefault("limits.max_concurrent", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
}

// Load reads .env files, gradebox.yaml (optional) and the environment.
func Load() (*Config, error) {
	if err := loadDotenv(".env", ".env.local"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("gradebox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.gradebox")

	setDefaults(v)

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotenv loads the base file first; later files override earlier ones.
func loadDotenv(base string, overrides ...string) error {
	if _, err := os.Stat(base); err == nil {
		if err := godotenv.Load(base); err != nil {
			return fmt.Errorf("loading %s: %w", base, err)
		}
	}
	for _, path := range overrides {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}

	switch c.Sandbox.Driver {
	case "docker", "engine":
	default:
		return fmt.Errorf("unknown sandbox driver: %s", c.Sandbox.Driver)
	}

	if c.Sandbox.StartupTimeoutMS < 0 {
		return fmt.Errorf("sandbox.startup_timeout_ms must not be negative")
	}
	if c.Sandbox.ExecuteTimeoutMS <= 0 {
		return fmt.Errorf("sandbox.execute_timeout_ms must be positive")
	}
	if strings.TrimSpace(c.Sandbox.Image) == "" {
		return fmt.Errorf("sandbox.image is required")
	}
	return nil
}

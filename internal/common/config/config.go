// Package config provides configuration management for the agentops control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the control plane uses SQLite at Path.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite database path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds sandbox supervisor configuration.
type SandboxConfig struct {
	// Backend selects the supervisor implementation: "sprites" or "docker".
	Backend string `mapstructure:"backend"`

	// SpritesToken is the Sprites.dev API token. Required for the sprites backend.
	SpritesToken string `mapstructure:"spritesToken"`

	// DockerHost is the Docker daemon address for the docker backend.
	DockerHost string `mapstructure:"dockerHost"`

	// Image is the default runner image.
	Image string `mapstructure:"image"`

	// RunnerPort is the port the runner process listens on inside the sandbox.
	RunnerPort int `mapstructure:"runnerPort"`

	// IdleTimeoutMs is the sandbox idle timeout hint, in milliseconds.
	IdleTimeoutMs int `mapstructure:"idleTimeoutMs"`

	// StartTimeout bounds sandbox provisioning plus health probing, in seconds.
	StartTimeout int `mapstructure:"startTimeout"`

	// HealthPolls is the number of health probe attempts within StartTimeout.
	HealthPolls int `mapstructure:"healthPolls"`
}

// RunnerConfig holds runner protocol tuning.
type RunnerConfig struct {
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // seconds between keepalives
	MissedHeartbeats  int `mapstructure:"missedHeartbeats"`  // misses before the link is declared dead
	MailboxSize       int `mapstructure:"mailboxSize"`       // bounded actor inbox size
}

// WorkflowConfig holds workflow engine configuration.
type WorkflowConfig struct {
	StepTimeout   int `mapstructure:"stepTimeout"`   // default per-step deadline, seconds
	SweepInterval int `mapstructure:"sweepInterval"` // proposal/execution expiry sweep, seconds
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StartTimeoutDuration returns the sandbox start timeout as a time.Duration.
func (s *SandboxConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(s.StartTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the runner keepalive interval as a time.Duration.
func (r *RunnerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// StepTimeoutDuration returns the default per-step deadline as a time.Duration.
func (w *WorkflowConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(w.StepTimeout) * time.Second
}

// SweepIntervalDuration returns the expiry sweep interval as a time.Duration.
func (w *WorkflowConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(w.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTOPS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means SQLite at database.path
	v.SetDefault("database.path", "./agentops.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentops")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentops")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentops-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "sprites")
	v.SetDefault("sandbox.spritesToken", "")
	v.SetDefault("sandbox.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.image", "ghcr.io/agentops/runner:latest")
	v.SetDefault("sandbox.runnerPort", 8765)
	v.SetDefault("sandbox.idleTimeoutMs", 15*60*1000)
	v.SetDefault("sandbox.startTimeout", 60)
	v.SetDefault("sandbox.healthPolls", 5)

	// Runner protocol defaults
	v.SetDefault("runner.heartbeatInterval", 30)
	v.SetDefault("runner.missedHeartbeats", 2)
	v.SetDefault("runner.mailboxSize", 64)

	// Workflow defaults
	v.SetDefault("workflow.stepTimeout", 300)
	v.SetDefault("workflow.sweepInterval", 60)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTOPS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentops/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "AGENTOPS_DB_PATH", "AGENTOPS_DATABASE_PATH")
	_ = v.BindEnv("sandbox.spritesToken", "SPRITES_API_TOKEN", "AGENTOPS_SANDBOX_SPRITES_TOKEN")
	_ = v.BindEnv("sandbox.runnerPort", "AGENTOPS_SANDBOX_RUNNER_PORT")
	_ = v.BindEnv("sandbox.idleTimeoutMs", "AGENTOPS_SANDBOX_IDLE_TIMEOUT_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentops/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (SQLite mode otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	switch cfg.Sandbox.Backend {
	case "sprites", "docker":
	default:
		errs = append(errs, "sandbox.backend must be one of: sprites, docker")
	}
	if cfg.Sandbox.RunnerPort <= 0 || cfg.Sandbox.RunnerPort > 65535 {
		errs = append(errs, "sandbox.runnerPort must be between 1 and 65535")
	}
	if cfg.Sandbox.StartTimeout <= 0 {
		errs = append(errs, "sandbox.startTimeout must be positive")
	}
	if cfg.Sandbox.HealthPolls <= 0 {
		errs = append(errs, "sandbox.healthPolls must be positive")
	}

	if cfg.Runner.HeartbeatInterval <= 0 {
		errs = append(errs, "runner.heartbeatInterval must be positive")
	}
	if cfg.Runner.MissedHeartbeats <= 0 {
		errs = append(errs, "runner.missedHeartbeats must be positive")
	}
	if cfg.Runner.MailboxSize <= 0 {
		errs = append(errs, "runner.mailboxSize must be positive")
	}

	if cfg.Workflow.StepTimeout <= 0 {
		errs = append(errs, "workflow.stepTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

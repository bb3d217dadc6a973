// Package config loads server configuration from environment variables with an
// optional YAML overlay file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Logging
	Log LogConfig `yaml:"log"`

	// Chat history store
	DatabaseDSN    string `yaml:"database_dsn"`
	DatabaseDriver string `yaml:"-"` // "postgres" or "sqlite", auto-detected from DSN

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	AgentRun AgentRunConfig `yaml:"agentrun"`
	Docker   DockerConfig   `yaml:"docker"`
	LLM      LLMConfig      `yaml:"llm"`
	Executor ExecutorConfig `yaml:"executor"`

	// Per-sandbox log ring buffer size
	LogBufferCapacity int  `yaml:"log_buffer_capacity"`
	MetricsEnabled    bool `yaml:"metrics_enabled"`

	// File is the overlay file this config was read from, if any.
	File string `yaml:"-"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SandboxConfig selects the sandbox backend and its lifecycle defaults.
type SandboxConfig struct {
	Provider      string        `yaml:"provider"` // agentrun, docker or mock
	Template      string        `yaml:"template"`
	IdleTimeout   int           `yaml:"idle_timeout"` // seconds, passed to the provider
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// AgentRunConfig configures the remote sandbox control plane.
type AgentRunConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	AccountID     string `yaml:"account_id"`
	Region        string `yaml:"region"`
	SynthesizeURL bool   `yaml:"synthesize_urls"`
}

// DockerConfig configures the local container backend.
type DockerConfig struct {
	Host    string `yaml:"host"`
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
}

// LLMConfig configures the OpenAI-compatible code generator.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ExecutorConfig configures the data-plane execution client.
type ExecutorConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Port:        8181,
		CORSOrigins: []string{"*"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		DatabaseDSN: "sqlite3://file::memory:?cache=shared",
		Sandbox: SandboxConfig{
			Provider:      "agentrun",
			Template:      "browser-sandbox",
			IdleTimeout:   1800,
			ProbeInterval: 30 * time.Second,
		},
		AgentRun: AgentRunConfig{
			Region: "cn-hangzhou",
		},
		Docker: DockerConfig{
			Image: "sandbox-browser:latest",
		},
		LLM: LLMConfig{
			BaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:       "qwen-max",
			Temperature: 0.7,
			Timeout:     120 * time.Second,
		},
		Executor: ExecutorConfig{
			Timeout: 300 * time.Second,
		},
		LogBufferCapacity: 1000,
		MetricsEnabled:    true,
	}
}

// Load reads configuration from the overlay file named by CONFIG_FILE (if any)
// and then from environment variables. Environment variables win.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyEnv(cfg)
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML overlay file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.File = path
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// Server
	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.CORSOrigins)

	// Logging
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)

	// Sandbox lifecycle
	cfg.Sandbox.Provider = getEnv("SANDBOX_PROVIDER", cfg.Sandbox.Provider)
	cfg.Sandbox.Template = getEnv("SANDBOX_TEMPLATE", cfg.Sandbox.Template)
	cfg.Sandbox.IdleTimeout = getEnvInt("SANDBOX_IDLE_TIMEOUT", cfg.Sandbox.IdleTimeout)
	cfg.Sandbox.ProbeInterval = getEnvDuration("SANDBOX_PROBE_INTERVAL", cfg.Sandbox.ProbeInterval)

	// Remote control plane
	cfg.AgentRun.Endpoint = getEnv("AGENTRUN_ENDPOINT", cfg.AgentRun.Endpoint)
	cfg.AgentRun.APIKey = getEnv("AGENTRUN_API_KEY", cfg.AgentRun.APIKey)
	cfg.AgentRun.AccountID = getEnv("AGENTRUN_ACCOUNT_ID", getEnv("ALIBABA_CLOUD_ACCOUNT_ID", cfg.AgentRun.AccountID))
	cfg.AgentRun.Region = getEnv("AGENTRUN_REGION", cfg.AgentRun.Region)
	cfg.AgentRun.SynthesizeURL = getEnvBool("AGENTRUN_SYNTHESIZE_URLS", cfg.AgentRun.SynthesizeURL)

	// Local docker backend
	cfg.Docker.Host = getEnv("DOCKER_HOST", cfg.Docker.Host)
	cfg.Docker.Image = getEnv("DOCKER_SANDBOX_IMAGE", cfg.Docker.Image)
	cfg.Docker.Network = getEnv("DOCKER_NETWORK", cfg.Docker.Network)

	// Code generator
	cfg.LLM.BaseURL = getEnv("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", getEnv("DASHSCOPE_API_KEY", cfg.LLM.APIKey))
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", cfg.LLM.Temperature)
	cfg.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", cfg.LLM.Timeout)

	// Execution
	cfg.Executor.Timeout = getEnvDuration("EXECUTION_TIMEOUT", cfg.Executor.Timeout)
	cfg.Executor.RateLimit = getEnvFloat("EXECUTOR_RATE_LIMIT", cfg.Executor.RateLimit)

	cfg.LogBufferCapacity = getEnvInt("LOG_BUFFER_CAPACITY", cfg.LogBufferCapacity)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("invalid port")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	switch c.Sandbox.Provider {
	case "agentrun", "docker", "mock":
	default:
		return fmt.Errorf("invalid sandbox provider: %s", c.Sandbox.Provider)
	}

	if c.Sandbox.IdleTimeout <= 0 {
		return errors.New("sandbox idle timeout must be positive")
	}
	if c.Sandbox.ProbeInterval < 0 {
		return errors.New("sandbox probe interval must not be negative")
	}
	if c.LogBufferCapacity <= 0 {
		return errors.New("log buffer capacity must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("invalid llm temperature: %v", c.LLM.Temperature)
	}
	if c.Executor.Timeout <= 0 {
		return errors.New("execution timeout must be positive")
	}
	if c.Executor.RateLimit < 0 {
		return errors.New("executor rate limit must not be negative")
	}

	return nil
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Package config provides configuration management for the build orchestration service.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Build     BuildConfig     `mapstructure:"build"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Docker    DockerConfig    `mapstructure:"docker"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds Dispatcher HTTP server configuration.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	APIKey       string `mapstructure:"apiKey"`
	MaxBuilds    int    `mapstructure:"maxConcurrentBuilds"`
	WorkerBinary string `mapstructure:"workerBinary"`
}

// StoreConfig holds credentials for the external persistence store.
type StoreConfig struct {
	URL         string `mapstructure:"url"`
	AnonKey     string `mapstructure:"anonKey"`
	ServiceKey  string `mapstructure:"serviceKey"`
	RequestTimeoutMS int `mapstructure:"requestTimeoutMs"`
}

// BuildConfig holds Build Runner timing and retry configuration.
type BuildConfig struct {
	HeartbeatIntervalMS  int `mapstructure:"heartbeatIntervalMs"`
	HeartbeatTimeoutMS   int `mapstructure:"heartbeatTimeoutMs"`
	StepTimeoutMS        int `mapstructure:"stepTimeoutMs"`
	RetryBaseMS          int `mapstructure:"retryBaseMs"`
	RetryMaxMS           int `mapstructure:"retryMaxMs"`
	MaxRetries           int `mapstructure:"maxRetries"`
	CustomPromptPollMS   int `mapstructure:"customPromptPollMs"`
	CancelPollMS         int `mapstructure:"cancelPollMs"`
	AgentBinary          string `mapstructure:"agentBinary"`
}

// PreviewConfig holds Preview Manager configuration.
type PreviewConfig struct {
	PortRangeStart int    `mapstructure:"portRangeStart"`
	PortRangeEnd   int    `mapstructure:"portRangeEnd"`
	Command        string `mapstructure:"command"`
	PortFlag       string `mapstructure:"portFlag"`
	StopGraceMS    int    `mapstructure:"stopGraceMs"`
}

// DockerConfig holds configuration for the optional sandboxed agent executor.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
}

// NATSConfig holds event-bus configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatInterval returns the heartbeat write interval as a Duration.
func (b *BuildConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns the liveness threshold as a Duration.
func (b *BuildConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(b.HeartbeatTimeoutMS) * time.Millisecond
}

// StepTimeout returns the per-step agent timeout as a Duration.
func (b *BuildConfig) StepTimeout() time.Duration {
	return time.Duration(b.StepTimeoutMS) * time.Millisecond
}

// RetryBase returns the base retry backoff as a Duration.
func (b *BuildConfig) RetryBase() time.Duration {
	return time.Duration(b.RetryBaseMS) * time.Millisecond
}

// RetryMax returns the retry backoff cap as a Duration.
func (b *BuildConfig) RetryMax() time.Duration {
	return time.Duration(b.RetryMaxMS) * time.Millisecond
}

// CustomPromptPollInterval returns the custom-prompt polling cadence as a Duration.
func (b *BuildConfig) CustomPromptPollInterval() time.Duration {
	return time.Duration(b.CustomPromptPollMS) * time.Millisecond
}

// CancelPollInterval returns the cancellation-observation polling cadence as a Duration.
func (b *BuildConfig) CancelPollInterval() time.Duration {
	return time.Duration(b.CancelPollMS) * time.Millisecond
}

// RequestTimeout returns the store HTTP request timeout as a Duration.
func (s *StoreConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// StopGrace returns the preview stop grace period as a Duration.
func (p *PreviewConfig) StopGrace() time.Duration {
	return time.Duration(p.StopGraceMS) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.apiKey", "")
	v.SetDefault("server.maxConcurrentBuilds", 5)
	v.SetDefault("server.workerBinary", "buildworker")

	v.SetDefault("store.url", "")
	v.SetDefault("store.anonKey", "")
	v.SetDefault("store.serviceKey", "")
	v.SetDefault("store.requestTimeoutMs", 10000)

	v.SetDefault("build.heartbeatIntervalMs", 15000)
	v.SetDefault("build.heartbeatTimeoutMs", 60000)
	v.SetDefault("build.stepTimeoutMs", 600000)
	v.SetDefault("build.retryBaseMs", 2000)
	v.SetDefault("build.retryMaxMs", 30000)
	v.SetDefault("build.maxRetries", 2)
	v.SetDefault("build.customPromptPollMs", 4000)
	v.SetDefault("build.cancelPollMs", 5000)
	v.SetDefault("build.agentBinary", "code-agent")

	v.SetDefault("preview.portRangeStart", 3100)
	v.SetDefault("preview.portRangeEnd", 3200)
	v.SetDefault("preview.command", "npm run dev")
	v.SetDefault("preview.portFlag", "")
	v.SetDefault("preview.stopGraceMs", 5000)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.image", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "build-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from defaults, an optional config.yaml, and
// MCP_-prefixed (and a handful of bare STORE_*) environment variables.
// Environment variables always take precedence over the config file.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The persistence-layer credentials are conventionally bare STORE_* (no
	// MCP_ prefix), matching the external store's own naming.
	_ = v.BindEnv("store.url", "STORE_URL")
	_ = v.BindEnv("store.anonKey", "STORE_ANON_KEY")
	_ = v.BindEnv("store.serviceKey", "STORE_SERVICE_KEY")

	_ = v.BindEnv("server.port", "MCP_SERVER_PORT")
	_ = v.BindEnv("server.apiKey", "MCP_BUILD_API_KEY")
	_ = v.BindEnv("server.maxConcurrentBuilds", "MCP_MAX_CONCURRENT_BUILDS")
	_ = v.BindEnv("build.heartbeatIntervalMs", "MCP_HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("build.heartbeatTimeoutMs", "MCP_HEARTBEAT_TIMEOUT_MS")
	_ = v.BindEnv("build.stepTimeoutMs", "MCP_STEP_TIMEOUT_MS")
	_ = v.BindEnv("build.retryBaseMs", "MCP_RETRY_BASE_MS")
	_ = v.BindEnv("build.retryMaxMs", "MCP_RETRY_MAX_MS")
	_ = v.BindEnv("build.maxRetries", "MCP_MAX_RETRIES")
	_ = v.BindEnv("MCP_PREVIEW_PORT_RANGE", "MCP_PREVIEW_PORT_RANGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mcpbuild/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := applyPortRange(v, &cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyPortRange parses MCP_PREVIEW_PORT_RANGE ("3100-3200") when set, overriding
// the split portRangeStart/portRangeEnd keys a plain config.yaml would use.
func applyPortRange(v *viper.Viper, cfg *Config) error {
	raw := v.GetString("MCP_PREVIEW_PORT_RANGE")
	if raw == "" {
		return nil
	}
	parts := strings.SplitN(raw, "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("MCP_PREVIEW_PORT_RANGE must be in the form MIN-MAX, got %q", raw)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("MCP_PREVIEW_PORT_RANGE: invalid start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return fmt.Errorf("MCP_PREVIEW_PORT_RANGE: invalid end: %w", err)
	}
	cfg.Preview.PortRangeStart = start
	cfg.Preview.PortRangeEnd = end
	return nil
}

// validate checks that all required configuration fields are set and consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxBuilds <= 0 {
		errs = append(errs, "server.maxConcurrentBuilds must be positive")
	}
	if cfg.Store.URL == "" {
		errs = append(errs, "store.url (STORE_URL) is required; use \"sqlite\" to select the embedded local store")
	}
	if cfg.Store.AnonKey == "" && cfg.Store.URL != "sqlite" {
		errs = append(errs, "store.anonKey (STORE_ANON_KEY) is required")
	}
	if cfg.Preview.PortRangeStart <= 0 || cfg.Preview.PortRangeEnd < cfg.Preview.PortRangeStart {
		errs = append(errs, "preview port range is invalid")
	}
	if cfg.Build.MaxRetries < 0 {
		errs = append(errs, "build.maxRetries must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	weftconfig "github.com/teradata-labs/weft/pkg/config"
)

const (
	// ServiceName for keyring storage
	ServiceName = "weft"
	// DefaultConfigFileName is the name of the config file
	DefaultConfigFileName = "wefts"
)

// Config holds all configuration for the Weft server.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// DataDir is the weft data directory (computed from WEFT_DATA_DIR env var or ~/.weft)
	// This field is set during config initialization and is read-only.
	// It is not loaded from config file - use WEFT_DATA_DIR environment variable to override.
	DataDir string `mapstructure:"-"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// LLM provider configuration
	LLM LLMConfig `mapstructure:"llm"`

	// Storage configuration (blob store behind cache and memory)
	Storage StorageConfig `mapstructure:"storage"`

	// Routing configuration (keyword fallback vocabulary)
	Routing RoutingConfig `mapstructure:"routing"`

	// Mesh component tuning
	Mesh MeshConfig `mapstructure:"mesh"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP surface configuration. The HTTP server carries
// the SSE agent bridge (/events, /publish) and the health endpoint.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"` // HTTP/SSE port (default: 7600, 0=disabled)
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider string `mapstructure:"provider"` // anthropic, bedrock, ollama

	// Anthropic-specific
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"` // From CLI/env/keyring only
	AnthropicModel  string `mapstructure:"anthropic_model"`

	// Bedrock-specific
	BedrockRegion          string `mapstructure:"bedrock_region"`
	BedrockAccessKeyID     string `mapstructure:"bedrock_access_key_id"`     // From CLI/env/keyring only
	BedrockSecretAccessKey string `mapstructure:"bedrock_secret_access_key"` // From CLI/env/keyring only
	BedrockSessionToken    string `mapstructure:"bedrock_session_token"`     // From CLI/env/keyring only
	BedrockProfile         string `mapstructure:"bedrock_profile"`
	BedrockModelID         string `mapstructure:"bedrock_model_id"`

	// Ollama-specific
	OllamaEndpoint string `mapstructure:"ollama_endpoint"`
	OllamaModel    string `mapstructure:"ollama_model"`

	// Common generation parameters
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     int     `mapstructure:"timeout_seconds"`
}

// StorageConfig holds blob store configuration. One store backs both the
// response cache's persistent tier and conversation memory.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory, fs, sqlite, redis
	Path    string `mapstructure:"path"`    // sqlite database file, or fs root directory

	// Redis-specific
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"` // From CLI/env/keyring only
	RedisDB       int    `mapstructure:"redis_db"`
}

// RoutingConfig holds keyword-routing configuration.
type RoutingConfig struct {
	// VocabularyPath is the routing vocabulary YAML, hot-reloaded for both
	// keyword fallback and emergency templates. Empty keeps the built-ins.
	VocabularyPath string `mapstructure:"vocabulary_path"`
}

// MeshConfig holds per-component tuning for the mesh. Zero values fall back
// to each component's own defaults.
type MeshConfig struct {
	// MaxConcurrentTurns bounds user turns in flight (default: 32)
	MaxConcurrentTurns int `mapstructure:"max_concurrent_turns"`

	Bus          BusConfig          `mapstructure:"bus"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Correlation  CorrelationConfig  `mapstructure:"correlation"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// BusConfig holds event bus tuning.
type BusConfig struct {
	Workers           int `mapstructure:"workers"`             // Dispatch goroutines (default: 8)
	QueueSize         int `mapstructure:"queue_size"`          // At-least-once queue depth (default: 256)
	DrainGraceSeconds int `mapstructure:"drain_grace_seconds"` // Shutdown drain window (default: 5)
}

// RegistryConfig holds agent registry tuning.
type RegistryConfig struct {
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // Stale-agent sweep cadence (default: 30)
	StaleTimeoutSeconds  int `mapstructure:"stale_timeout_seconds"`  // Heartbeat age before eviction (default: 300)
}

// CorrelationConfig holds correlation tracker tuning.
type CorrelationConfig struct {
	DefaultTimeoutSeconds  int `mapstructure:"default_timeout_seconds"`  // Per-task response deadline (default: 30)
	CleanupIntervalSeconds int `mapstructure:"cleanup_interval_seconds"` // Terminal-entry sweep cadence (default: 300)
	MaxAgeSeconds          int `mapstructure:"max_age_seconds"`          // Terminal-entry retention (default: 3600)
	GraceSeconds           int `mapstructure:"grace_seconds"`            // Late-response logging window (default: 30)
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"` // Consecutive failures that open the circuit (default: 5)
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`  // Open to half-open wait (default: 30)
}

// RetryConfig holds same-agent retry tuning.
type RetryConfig struct {
	MaxRetries int `mapstructure:"max_retries"` // Retries after the first attempt (default: 2)
	DelayMs    int `mapstructure:"delay_ms"`    // Base backoff delay in milliseconds (default: 1000)
}

// CacheConfig holds response cache tuning.
type CacheConfig struct {
	Capacity             int `mapstructure:"capacity"`               // In-memory entries (default: 500)
	TTLSeconds           int `mapstructure:"ttl_seconds"`            // Entry lifetime (default: 86400)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // Expiry sweep cadence (default: 3600)
	CompressionThreshold int `mapstructure:"compression_threshold"`  // Gzip above this many bytes (default: 4096)
}

// MemoryConfig holds conversation memory tuning.
type MemoryConfig struct {
	ContextWindowSize     int `mapstructure:"context_window_size"`     // Messages fed to prompts (default: 20)
	SessionTimeoutSeconds int `mapstructure:"session_timeout_seconds"` // Idle session expiry (default: 3600)
	MaxMessages           int `mapstructure:"max_messages"`            // Per-session message cap (default: 100)
	RetentionSeconds      int `mapstructure:"retention_seconds"`       // Persisted session retention (default: 86400)
}

// OrchestratorConfig holds turn pipeline tuning.
type OrchestratorConfig struct {
	MaxRepromptAttempts    int     `mapstructure:"max_reprompt_attempts"`    // Plan repair rounds (default: 3)
	PlanningTimeoutSeconds int     `mapstructure:"planning_timeout_seconds"` // Per planning LLM call (default: 15)
	TurnTimeoutSeconds     int     `mapstructure:"turn_timeout_seconds"`     // End-to-end turn budget (default: 60)
	TaskTimeoutSeconds     int     `mapstructure:"task_timeout_seconds"`     // Per dispatched task (default: 30)
	ContextWindow          int     `mapstructure:"context_window"`           // Recent messages in prompts (default: 20)
	ConfidenceThreshold    float64 `mapstructure:"confidence_threshold"`     // Keyword confirmation gate (default: 0.6)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // File path for log output (optional, defaults to stdout/stderr)
}

// LoadConfig loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func LoadConfig(cfgFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Setup config file
	if cfgFile != "" {
		// Use config file from flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in standard locations
		// Config search paths (in order of priority)
		viper.AddConfigPath(weftconfig.GetWeftDataDir()) // Weft data directory (respects WEFT_DATA_DIR)
		viper.AddConfigPath(".")                         // Current directory
		viper.AddConfigPath("/etc/weft/")                // System-wide
		viper.SetConfigName(DefaultConfigFileName)       // wefts.yaml
		viper.SetConfigType("yaml")
	}

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	// Bind environment variables
	viper.SetEnvPrefix("WEFT")
	viper.AutomaticEnv()

	// Unmarshal config
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set DataDir from environment or default
	// This must be done after unmarshal since it's not loaded from config file
	config.DataDir = weftconfig.GetWeftDataDir()

	// Load secrets from keyring if not provided via CLI/env
	// Non-fatal: keyring might not be available - user can provide secrets via CLI/env
	_ = loadSecretsFromKeyring(&config)

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.http_port", 7600)

	// LLM defaults (local-first: ollama runs without credentials)
	viper.SetDefault("llm.provider", "ollama")
	viper.SetDefault("llm.anthropic_model", "claude-sonnet-4-5-20250929")
	viper.SetDefault("llm.bedrock_region", "us-west-2")
	viper.SetDefault("llm.bedrock_model_id", "us.anthropic.claude-sonnet-4-5-20250929-v1:0") // Cross-region inference profile
	viper.SetDefault("llm.ollama_endpoint", "http://localhost:11434")
	viper.SetDefault("llm.ollama_model", "gemma:2b")
	viper.SetDefault("llm.temperature", 0.6)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.timeout_seconds", 60)

	// Storage defaults (use weft data directory)
	defaultDBPath := filepath.Join(weftconfig.GetWeftDataDir(), "weft.db")
	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("storage.path", defaultDBPath)
	viper.SetDefault("storage.redis_addr", "localhost:6379")
	viper.SetDefault("storage.redis_db", 0)

	// Mesh defaults mirror each component's own defaults so the generated
	// example config documents the real values.
	viper.SetDefault("mesh.max_concurrent_turns", 32)
	viper.SetDefault("mesh.bus.workers", 8)
	viper.SetDefault("mesh.bus.queue_size", 256)
	viper.SetDefault("mesh.bus.drain_grace_seconds", 5)
	viper.SetDefault("mesh.registry.sweep_interval_seconds", 30)
	viper.SetDefault("mesh.registry.stale_timeout_seconds", 300)
	viper.SetDefault("mesh.correlation.default_timeout_seconds", 30)
	viper.SetDefault("mesh.correlation.cleanup_interval_seconds", 300)
	viper.SetDefault("mesh.correlation.max_age_seconds", 3600)
	viper.SetDefault("mesh.correlation.grace_seconds", 30)
	viper.SetDefault("mesh.breaker.failure_threshold", 5)
	viper.SetDefault("mesh.breaker.cooldown_seconds", 30)
	viper.SetDefault("mesh.retry.max_retries", 2)
	viper.SetDefault("mesh.retry.delay_ms", 1000)
	viper.SetDefault("mesh.cache.capacity", 500)
	viper.SetDefault("mesh.cache.ttl_seconds", 86400)
	viper.SetDefault("mesh.cache.sweep_interval_seconds", 3600)
	viper.SetDefault("mesh.cache.compression_threshold", 4096)
	viper.SetDefault("mesh.memory.context_window_size", 20)
	viper.SetDefault("mesh.memory.session_timeout_seconds", 3600)
	viper.SetDefault("mesh.memory.max_messages", 100)
	viper.SetDefault("mesh.memory.retention_seconds", 86400)
	viper.SetDefault("mesh.orchestrator.max_reprompt_attempts", 3)
	viper.SetDefault("mesh.orchestrator.planning_timeout_seconds", 15)
	viper.SetDefault("mesh.orchestrator.turn_timeout_seconds", 60)
	viper.SetDefault("mesh.orchestrator.task_timeout_seconds", 30)
	viper.SetDefault("mesh.orchestrator.context_window", 20)
	viper.SetDefault("mesh.orchestrator.confidence_threshold", 0.6)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// SecretMapping defines how to load a secret from keyring into the config.
// The key is the keyring key name, and the setter is a function that applies the value to the config.
type SecretMapping struct {
	KeyringKey string
	Setter     func(*Config, string)
	IsSet      func(*Config) bool // Returns true if the value is already set (skip keyring lookup)
}

// GetSecretMappings returns all secret mappings for the application.
// Developers can extend this by adding new SecretMapping entries.
func GetSecretMappings() []SecretMapping {
	return []SecretMapping{
		{
			KeyringKey: "anthropic_api_key",
			Setter:     func(c *Config, val string) { c.LLM.AnthropicAPIKey = val },
			IsSet:      func(c *Config) bool { return c.LLM.AnthropicAPIKey != "" },
		},
		{
			KeyringKey: "bedrock_access_key_id",
			Setter:     func(c *Config, val string) { c.LLM.BedrockAccessKeyID = val },
			IsSet:      func(c *Config) bool { return c.LLM.BedrockAccessKeyID != "" },
		},
		{
			KeyringKey: "bedrock_secret_access_key",
			Setter:     func(c *Config, val string) { c.LLM.BedrockSecretAccessKey = val },
			IsSet:      func(c *Config) bool { return c.LLM.BedrockSecretAccessKey != "" },
		},
		{
			KeyringKey: "bedrock_session_token",
			Setter:     func(c *Config, val string) { c.LLM.BedrockSessionToken = val },
			IsSet:      func(c *Config) bool { return c.LLM.BedrockSessionToken != "" },
		},
		{
			KeyringKey: "redis_password",
			Setter:     func(c *Config, val string) { c.Storage.RedisPassword = val },
			IsSet:      func(c *Config) bool { return c.Storage.RedisPassword != "" },
		},
	}
}

// loadSecretsFromKeyring loads API keys from system keyring using the secret mappings.
// This is extensible - just add more entries to GetSecretMappings().
func loadSecretsFromKeyring(config *Config) error {
	for _, mapping := range GetSecretMappings() {
		// Skip if value is already set (from CLI/env/config file)
		if mapping.IsSet(config) {
			continue
		}

		// Try to load from keyring
		value, err := GetSecretFromKeyring(mapping.KeyringKey)
		if err == nil && value != "" {
			mapping.Setter(config, value)
		}
		// Non-fatal: if keyring doesn't have the key, just continue
	}

	return nil
}

// GetSecretFromKeyring retrieves a secret from the system keyring.
func GetSecretFromKeyring(key string) (string, error) {
	return keyring.Get(ServiceName, key)
}

// SaveSecretToKeyring saves a secret to the system keyring.
func SaveSecretToKeyring(key, value string) error {
	return keyring.Set(ServiceName, key, value)
}

// DeleteSecretFromKeyring removes a secret from the system keyring.
func DeleteSecretFromKeyring(key string) error {
	return keyring.Delete(ServiceName, key)
}

// ListAvailableSecretKeys returns all known secret keys that can be stored in the keyring.
// Useful for CLI commands that need to show available options.
func ListAvailableSecretKeys() []string {
	mappings := GetSecretMappings()
	keys := make([]string, len(mappings))
	for i, mapping := range mappings {
		keys[i] = mapping.KeyringKey
	}
	return keys
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d (must be 0-65535, 0 disables the HTTP server)", c.Server.HTTPPort)
	}

	// Validate LLM config
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}

	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.AnthropicAPIKey == "" {
			return fmt.Errorf("anthropic API key is required (set via --anthropic-key, ANTHROPIC_API_KEY, or save to keyring with 'wefts config set-key anthropic_api_key')")
		}

	case "bedrock":
		if c.LLM.BedrockRegion == "" {
			return fmt.Errorf("bedrock region is required (set llm.bedrock_region in config or AWS_DEFAULT_REGION env var)")
		}
		// Note: We don't require explicit credentials here because:
		// - User might be using AWS profile (BedrockProfile)
		// - User might be using IAM role (default credentials chain)
		// - User might be using environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
		// The Bedrock client will handle auth validation at runtime

	case "ollama":
		if c.LLM.OllamaEndpoint == "" {
			return fmt.Errorf("ollama endpoint is required (set llm.ollama_endpoint in config)")
		}
		if c.LLM.OllamaModel == "" {
			return fmt.Errorf("ollama model is required (set llm.ollama_model in config)")
		}

	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be anthropic, bedrock, or ollama)", c.LLM.Provider)
	}

	// Validate storage config
	switch c.Storage.Backend {
	case "memory":
		// No configuration required

	case "fs", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}

	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}

	default:
		return fmt.Errorf("unsupported storage backend: %s (must be memory, fs, sqlite, or redis)", c.Storage.Backend)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig() string {
	return `# Weft Server Configuration
# Priority: CLI flags > config file > environment variables > defaults

server:
  host: 0.0.0.0
  http_port: 7600  # HTTP/SSE server for remote agents + /health (0=disabled)

llm:
  # Provider options: anthropic, bedrock, ollama
  provider: ollama

  # Ollama configuration (local inference, no credentials)
  ollama_endpoint: http://localhost:11434
  ollama_model: gemma:2b

  # Anthropic configuration
  anthropic_model: claude-sonnet-4-5-20250929
  # anthropic_api_key: set via keyring (wefts config set-key anthropic_api_key)

  # AWS Bedrock configuration
  bedrock_region: us-west-2
  bedrock_model_id: us.anthropic.claude-sonnet-4-5-20250929-v1:0
  # bedrock_profile: default  # Use AWS profile instead of explicit credentials
  # bedrock_access_key_id: set via keyring (wefts config set-key bedrock_access_key_id)
  # bedrock_secret_access_key: set via keyring (wefts config set-key bedrock_secret_access_key)

  # Common generation parameters (apply to all providers)
  temperature: 0.6
  max_tokens: 2048
  timeout_seconds: 60

storage:
  # Backend options: memory, fs, sqlite, redis
  # Backs the response cache's persistent tier and conversation memory.
  backend: sqlite
  path: ~/.weft/weft.db  # sqlite database file, or fs root directory
  # redis_addr: localhost:6379
  # redis_db: 0
  # redis_password: set via keyring (wefts config set-key redis_password)

routing:
  # Keyword routing vocabulary (hot-reloaded on change). Empty keeps the
  # built-in emergency templates and disables keyword fallback.
  vocabulary_path: ""

mesh:
  max_concurrent_turns: 32
  bus:
    workers: 8
    queue_size: 256
    drain_grace_seconds: 5
  registry:
    sweep_interval_seconds: 30
    stale_timeout_seconds: 300
  correlation:
    default_timeout_seconds: 30
    cleanup_interval_seconds: 300
    max_age_seconds: 3600
    grace_seconds: 30
  breaker:
    failure_threshold: 5
    cooldown_seconds: 30
  retry:
    max_retries: 2
    delay_ms: 1000
  cache:
    capacity: 500
    ttl_seconds: 86400
    compression_threshold: 4096
  memory:
    context_window_size: 20
    session_timeout_seconds: 3600
    max_messages: 100
  orchestrator:
    max_reprompt_attempts: 3
    planning_timeout_seconds: 15
    turn_timeout_seconds: 60
    task_timeout_seconds: 30
    confidence_threshold: 0.6

logging:
  level: info  # debug, info, warn, error
  format: text # text, json

# Note: Secrets should NEVER be committed to config files.
# Use the keyring for secure storage:
#   wefts config set-key anthropic_api_key
#   wefts config set-key bedrock_access_key_id
#   wefts config set-key bedrock_secret_access_key
#   wefts config set-key redis_password
`
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds the settings of the dashboard server.
type Config struct {
	Port    string `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// Research backend
	ResearchAPIBase string        `yaml:"research_api_base"`
	BackendTimeout  time.Duration `yaml:"backend_timeout"`
	BackendRetryMax int           `yaml:"backend_retry_max"`

	// Push channel
	PushTransport     Transport     `yaml:"push_transport"`
	ResearchWSURL     string        `yaml:"research_ws_url"`
	NatsURL           string        `yaml:"nats_url"`
	NatsSubjectPrefix string        `yaml:"nats_subject_prefix"`
	PushReconnectMax  int           `yaml:"push_reconnect_max"`
	PushReconnectBase time.Duration `yaml:"push_reconnect_base"`
	PushReconnectCap  time.Duration `yaml:"push_reconnect_cap"`

	// Backend health probe (cron spec, empty disables it)
	HealthCheckSchedule string `yaml:"health_check_schedule"`

	// Dashboard live feed
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`

	// Server
	ServerShutdownTimeoutSeconds int `yaml:"server_shutdown_timeout_seconds"`

	// CORS
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

const (
	DefaultBackendTimeout    = 15 * time.Second
	DefaultPushReconnectBase = 500 * time.Millisecond
	DefaultPushReconnectCap  = 10 * time.Second
)

// Load reads .env, the environment and the optional CONFIG_FILE overlay.
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := FromEnv()

	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	configFile, err := os.Open(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Printf("Config file %v not found, skipping", configFilePath)
	case err != nil:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	default:
		defer configFile.Close()
		log.Printf("Loading config file: %v", configFilePath)
		if err := LoadConfigFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv builds a Config from environment variables and defaults only.
func FromEnv() *Config {
	return &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Research backend
		ResearchAPIBase: getEnvOrDefault("RESEARCH_API_BASE", "http://localhost:8000"),
		BackendTimeout:  getEnvAsDuration("BACKEND_TIMEOUT", DefaultBackendTimeout),
		BackendRetryMax: getEnvAsInt("BACKEND_RETRY_MAX", 2),

		// Push channel
		PushTransport:     Transport(getEnvOrDefault("PUSH_TRANSPORT", string(TransportWebSocket))),
		ResearchWSURL:     getEnvOrDefault("RESEARCH_WS_URL", "ws://localhost:8000/ws"),
		NatsURL:           getEnvOrDefault("NATS_URL", ""),
		NatsSubjectPrefix: getEnvOrDefault("NATS_SUBJECT_PREFIX", "research.updates"),
		PushReconnectMax:  getEnvAsInt("PUSH_RECONNECT_MAX", 5),
		PushReconnectBase: getEnvAsDuration("PUSH_RECONNECT_BASE", DefaultPushReconnectBase),
		PushReconnectCap:  getEnvAsDuration("PUSH_RECONNECT_CAP", DefaultPushReconnectCap),

		HealthCheckSchedule: getEnvOrDefault("HEALTH_CHECK_SCHEDULE", "@every 30s"),

		SubscriberBufferSize: getEnvAsInt("SUBSCRIBER_BUFFER_SIZE", 64),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	if err := c.PushTransport.Validate(); err != nil {
		return err
	}
	if err := validateURLString(c.ResearchAPIBase, "http", "https"); err != nil {
		return fmt.Errorf("RESEARCH_API_BASE: %w", err)
	}

	switch c.PushTransport {
	case TransportWebSocket:
		if err := validateURLString(c.ResearchWSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("RESEARCH_WS_URL: %w", err)
		}
	case TransportNATS:
		if c.NatsURL == "" {
			return errors.New("NATS_URL is required when PUSH_TRANSPORT is nats")
		}
		if c.NatsSubjectPrefix == "" {
			return errors.New("NATS_SUBJECT_PREFIX must not be empty")
		}
	}

	if c.BackendTimeout <= 0 {
		return errors.New("BACKEND_TIMEOUT must be positive")
	}
	if c.BackendRetryMax < 0 || c.PushReconnectMax < 0 {
		return errors.New("retry limits must not be negative")
	}
	if c.PushReconnectBase <= 0 || c.PushReconnectCap < c.PushReconnectBase {
		return errors.New("PUSH_RECONNECT_BASE must be positive and not exceed PUSH_RECONNECT_CAP")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile overlays YAML settings from reader onto config. Keys present in
// the file win over the environment.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	return nil
}

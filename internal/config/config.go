package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "smartcabinet/libs/config"
)

// HTTPConfig holds the operator API listen settings.
type HTTPConfig struct {
	Port string `yaml:"port" env:"CABINET_HTTP_PORT"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"CABINET_POSTGRES_DSN"`
}

// RedisConfig holds the optional bin-lease backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"CABINET_REDIS_ADDR"`
	Password string `yaml:"password" env:"CABINET_REDIS_PASSWORD"`
}

// AuthConfig holds operator API token settings. Empty secret disables auth.
type AuthConfig struct {
	Secret          string `yaml:"secret" env:"CABINET_AUTH_SECRET"`
	TokenTTLMinutes int    `yaml:"tokenTtlMinutes" env:"CABINET_TOKEN_TTL"`
}

// WebSocketConfig holds hardware bridge settings.
type WebSocketConfig struct {
	PingIntervalSeconds int `yaml:"pingIntervalSeconds" env:"CABINET_WS_PING_INTERVAL"`
	WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"CABINET_WS_WRITE_TIMEOUT"`
}

// OrchestrationConfig bounds the transaction engine's timing and retries.
type OrchestrationConfig struct {
	StepTimeoutSeconds      int `yaml:"stepTimeoutSeconds" env:"CABINET_STEP_TIMEOUT"`
	LockAckTimeoutSeconds   int `yaml:"lockAckTimeoutSeconds" env:"CABINET_LOCK_ACK_TIMEOUT"`
	LockMaxAttempts         int `yaml:"lockMaxAttempts" env:"CABINET_LOCK_MAX_ATTEMPTS"`
	BinFailThreshold        int `yaml:"binFailThreshold" env:"CABINET_BIN_FAIL_THRESHOLD"`
	RetryLimit              int `yaml:"retryLimit" env:"CABINET_RETRY_LIMIT"`
	RetryDelaySeconds       int `yaml:"retryDelaySeconds" env:"CABINET_RETRY_DELAY"`
	HeartbeatTimeoutSeconds int `yaml:"heartbeatTimeoutSeconds" env:"CABINET_HEARTBEAT_TIMEOUT"`
	MonitorIntervalSeconds  int `yaml:"monitorIntervalSeconds" env:"CABINET_MONITOR_INTERVAL"`
	OutboxIntervalSeconds   int `yaml:"outboxIntervalSeconds" env:"CABINET_OUTBOX_INTERVAL"`
}

// Config defines the orchestrator configuration.
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
}

// Load uses the shared config loader and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{Port: "8085"},
		WebSocket: WebSocketConfig{
			PingIntervalSeconds: 30,
			WriteTimeoutSeconds: 15,
		},
		Orchestration: OrchestrationConfig{
			StepTimeoutSeconds:      60,
			LockAckTimeoutSeconds:   10,
			LockMaxAttempts:         3,
			BinFailThreshold:        3,
			RetryLimit:              3,
			RetryDelaySeconds:       2,
			HeartbeatTimeoutSeconds: 30,
			MonitorIntervalSeconds:  10,
			OutboxIntervalSeconds:   1,
		},
	}

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database DSN is required")
	}

	return cfg, nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8085"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// TokenTTL returns the operator token lifetime.
func (c *Config) TokenTTL() time.Duration {
	if c.Auth.TokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// PingInterval returns websocket ping interval.
func (c *Config) PingInterval() time.Duration {
	return secondsOrDefault(c.WebSocket.PingIntervalSeconds, 30*time.Second)
}

// WriteTimeout returns websocket write timeout.
func (c *Config) WriteTimeout() time.Duration {
	return secondsOrDefault(c.WebSocket.WriteTimeoutSeconds, 15*time.Second)
}

// StepTimeout bounds each awaiting-hardware window.
func (c *Config) StepTimeout() time.Duration {
	return secondsOrDefault(c.Orchestration.StepTimeoutSeconds, 60*time.Second)
}

// LockAckTimeout bounds each lock acknowledgement wait.
func (c *Config) LockAckTimeout() time.Duration {
	return secondsOrDefault(c.Orchestration.LockAckTimeoutSeconds, 10*time.Second)
}

// RetryDelay is the pause before a failed step re-issues its open command.
func (c *Config) RetryDelay() time.Duration {
	return secondsOrDefault(c.Orchestration.RetryDelaySeconds, 2*time.Second)
}

// HeartbeatTimeout is the device staleness threshold.
func (c *Config) HeartbeatTimeout() time.Duration {
	return secondsOrDefault(c.Orchestration.HeartbeatTimeoutSeconds, 30*time.Second)
}

// MonitorInterval is the liveness sweep period.
func (c *Config) MonitorInterval() time.Duration {
	return secondsOrDefault(c.Orchestration.MonitorIntervalSeconds, 10*time.Second)
}

// OutboxInterval is the outbox dispatch period.
func (c *Config) OutboxInterval() time.Duration {
	return secondsOrDefault(c.Orchestration.OutboxIntervalSeconds, time.Second)
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

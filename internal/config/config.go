// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentrelay/internal/domain"
	"github.com/ashureev/agentrelay/internal/identity"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCAddr    string // "" disables the control plane
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	WorkspaceRoot  string
	MaxUploadBytes int64

	Agent     AgentConfig
	Stream    StreamConfig
	Retention RetentionConfig

	AllowedUsers []string // empty allows every valid operator id
}

// AgentConfig controls process execution.
type AgentConfig struct {
	Binary         string
	DefaultModel   domain.Model
	AgentTimeout   time.Duration
	CommandTimeout time.Duration
	MaxOutputBytes int
	Shell          string
}

// StreamConfig controls live output delivery.
type StreamConfig struct {
	Window        time.Duration
	MaxMessageLen int
}

// RetentionConfig controls background cleanup.
type RetentionConfig struct {
	SessionTTL       time.Duration
	SweepInterval    time.Duration
	HistoryRetention time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCAddr:       getEnv("GRPC_ADDR", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/agentrelay.db"),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		WorkspaceRoot:  getEnv("WORKSPACE_ROOT", "./data/workspaces"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),
		Agent: AgentConfig{
			Binary:         getEnv("AGENT_BINARY", "copilot"),
			DefaultModel:   domain.Model(getEnv("DEFAULT_MODEL", string(domain.DefaultModel))),
			AgentTimeout:   getEnvDuration("AGENT_TIMEOUT", 180*time.Second),
			CommandTimeout: getEnvDuration("COMMAND_TIMEOUT", 60*time.Second),
			MaxOutputBytes: getEnvInt("MAX_OUTPUT_BYTES", 1<<20),
			Shell:          getEnv("COMMAND_SHELL", "/bin/sh"),
		},
		Stream: StreamConfig{
			Window:        getEnvDuration("STREAM_WINDOW", time.Second),
			MaxMessageLen: getEnvInt("MAX_MESSAGE_LEN", 4000),
		},
		Retention: RetentionConfig{
			SessionTTL:       getEnvDuration("SESSION_TTL", 24*time.Hour),
			SweepInterval:    getEnvDuration("TTL_SWEEP_INTERVAL", 5*time.Minute),
			HistoryRetention: getEnvDuration("HISTORY_RETENTION", 7*24*time.Hour),
		},
		AllowedUsers: getEnvList("ALLOWED_USERS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT cannot be empty")
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("AGENT_BINARY cannot be empty")
	}
	if !c.Agent.DefaultModel.Valid() {
		return fmt.Errorf("DEFAULT_MODEL %q: %w", c.Agent.DefaultModel, domain.ErrUnknownModel)
	}
	if c.Agent.AgentTimeout <= 0 || c.Agent.CommandTimeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT and COMMAND_TIMEOUT must be > 0")
	}
	if c.Agent.MaxOutputBytes <= 0 {
		return fmt.Errorf("MAX_OUTPUT_BYTES must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.Stream.Window <= 0 {
		return fmt.Errorf("STREAM_WINDOW must be > 0")
	}
	// Room for a status line plus some output.
	if c.Stream.MaxMessageLen < 200 {
		return fmt.Errorf("MAX_MESSAGE_LEN must be >= 200")
	}
	for _, id := range c.AllowedUsers {
		if !identity.ValidID(id) {
			return fmt.Errorf("ALLOWED_USERS: %w: %q", domain.ErrInvalidIdentifier, id)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Session  SessionConfig  `toml:"session"`
	Identity IdentityConfig `toml:"identity"`
	Logging  LoggingConfig  `toml:"logging"`
	Ngrok    NgrokConfig    `toml:"ngrok"`
}

// ServerConfig contains gateway-related configuration
type ServerConfig struct {
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	EnableCORS  bool   `toml:"enable_cors"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// StoreConfig selects and configures the replica store backend
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "valkey".
	Backend       string `toml:"backend"`
	SQLitePath    string `toml:"sqlite_path"`
	ValkeyAddr    string `toml:"valkey_addr"`
	ValkeyDB      int    `toml:"valkey_db"`
	KeyPrefix     string `toml:"key_prefix"`
	RecordTTLMins int    `toml:"record_ttl_minutes"`
}

// SessionConfig contains session limits and the remote operation bounds.
// Every remote-touching coordinator call resolves within its bound; nothing
// blocks indefinitely.
type SessionConfig struct {
	MaxParticipants   int `toml:"max_participants"`
	TTLMinutes        int `toml:"ttl_minutes"`
	CreateTimeoutMS   int `toml:"create_timeout_ms"`
	WriteTimeoutMS    int `toml:"write_timeout_ms"`
	ReactionTimeoutMS int `toml:"reaction_timeout_ms"`
	AuthTimeoutMS     int `toml:"auth_timeout_ms"`
	ChatHistoryLimit  int `toml:"chat_history_limit"`
	ReactionLimit     int `toml:"reaction_limit"`
}

// IdentityConfig contains anonymous identity provider configuration
type IdentityConfig struct {
	Endpoint string `toml:"endpoint"`
	Secret   string `toml:"secret"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled   bool   `toml:"enabled"`
	AuthToken string `toml:"auth_token"`
	Domain    string `toml:"domain"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8090",
			Host:        "0.0.0.0",
			EnableCORS:  true,
			ReadTimeout: 30,
		},
		Store: StoreConfig{
			Backend:       "memory",
			SQLitePath:    "./jamlink.db",
			ValkeyAddr:    "127.0.0.1:6379",
			KeyPrefix:     "jam:",
			RecordTTLMins: 180,
		},
		Session: SessionConfig{
			MaxParticipants:   32,
			TTLMinutes:        120,
			CreateTimeoutMS:   10000,
			WriteTimeoutMS:    5000,
			ReactionTimeoutMS: 2000,
			AuthTimeoutMS:     5000,
			ChatHistoryLimit:  50,
			ReactionLimit:     20,
		},
		Identity: IdentityConfig{
			Endpoint: "",
			Secret:   "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Ngrok: NgrokConfig{
			Enabled:   false,
			AuthToken: "",
			Domain:    "",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Config file doesn't exist yet, create it with defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Jamlink Daemon Configuration
# This file contains all configuration options for the jamlink collaborative
# listening daemon. Edit the values below to customize your setup.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "valkey":
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required when backend=sqlite")
	}
	if c.Store.Backend == "valkey" && c.Store.ValkeyAddr == "" && os.Getenv("VALKEY_ADDR") == "" {
		return fmt.Errorf("valkey_addr is required when backend=valkey")
	}
	if c.Session.MaxParticipants < 2 {
		return fmt.Errorf("max_participants must allow at least a host and one guest")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("ttl_minutes must be positive")
	}
	for name, ms := range map[string]int{
		"create_timeout_ms":   c.Session.CreateTimeoutMS,
		"write_timeout_ms":    c.Session.WriteTimeoutMS,
		"reaction_timeout_ms": c.Session.ReactionTimeoutMS,
		"auth_timeout_ms":     c.Session.AuthTimeoutMS,
	} {
		if ms <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// CreateTimeout returns the session create/join bound as a duration.
func (c *SessionConfig) CreateTimeout() time.Duration {
	return time.Duration(c.CreateTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the light-write bound as a duration.
func (c *SessionConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// ReactionTimeout returns the reaction bound as a duration.
func (c *SessionConfig) ReactionTimeout() time.Duration {
	return time.Duration(c.ReactionTimeoutMS) * time.Millisecond
}

// AuthTimeout returns the identity acquisition bound as a duration.
func (c *SessionConfig) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMS) * time.Millisecond
}

// SessionTTL returns the session lifetime as a duration.
func (c *SessionConfig) SessionTTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

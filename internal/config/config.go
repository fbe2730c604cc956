// Package config loads client settings from an optional YAML file and the
// environment, and resolves the game server endpoint once at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default endpoints.
const (
	DefaultDevURL  = "ws://localhost:3001/ws"
	DefaultProdURL = "wss://bombafinal.onrender.com/ws"
)

// Config holds every setting of the terminal client.
type Config struct {
	// Host is the host the client considers itself to be running on. It only
	// drives endpoint selection.
	Host      string `yaml:"host"`
	ServerURL string `yaml:"server_url"` // explicit endpoint; skips selection
	DevURL    string `yaml:"dev_url"`
	ProdURL   string `yaml:"prod_url"`
	ClientID  string `yaml:"client_id"`

	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"` // empty disables the metrics server
	NATSURL     string `yaml:"nats_url"`     // empty disables the NATS bridge
	RedisAddr   string `yaml:"redis_addr"`   // empty disables the resume store
	PostgresDSN string `yaml:"postgres_dsn"` // empty disables transcripts

	// Endpoint is the resolved server URL. It is set by Load and never
	// changes afterwards.
	Endpoint string `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return Config{
		Host:              host,
		DevURL:            DefaultDevURL,
		ProdURL:           DefaultProdURL,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// DEFUSAL_CONFIG (default "defusal.yaml", a missing file is fine), then
// environment overrides. The endpoint is resolved last.
func Load() (*Config, error) {
	cfg := Defaults()

	path := getEnv("DEFUSAL_CONFIG", "defusal.yaml")
	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}

	cfg.Host = getEnv("DEFUSAL_HOST", cfg.Host)
	cfg.ServerURL = getEnv("DEFUSAL_SERVER_URL", cfg.ServerURL)
	cfg.DevURL = getEnv("DEFUSAL_DEV_URL", cfg.DevURL)
	cfg.ProdURL = getEnv("DEFUSAL_PROD_URL", cfg.ProdURL)
	cfg.ClientID = getEnv("DEFUSAL_CLIENT_ID", cfg.ClientID)
	cfg.ReconnectAttempts = getEnvAsInt("RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)
	cfg.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", cfg.ReconnectDelay)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Endpoint = cfg.ResolveEndpoint()
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("config: reconnect_attempts must not be negative, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("config: reconnect_delay must not be negative, got %s", c.ReconnectDelay)
	}
	for name, u := range map[string]string{"server_url": c.ServerURL, "dev_url": c.DevURL, "prod_url": c.ProdURL} {
		if u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("config: %s must be a ws:// or wss:// URL, got %q", name, u)
		}
	}
	return nil
}

// ResolveEndpoint picks the server URL: the explicit ServerURL if set,
// otherwise DevURL for loopback hosts and ProdURL for everything else.
func (c *Config) ResolveEndpoint() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	if IsLoopbackHost(c.Host) {
		return c.DevURL
	}
	return c.ProdURL
}

// IsLoopbackHost reports whether host names the local machine: localhost,
// any *.localhost name or a loopback IP (with or without brackets or port).
func IsLoopbackHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	host = strings.TrimSuffix(host, ".")

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("1500ms") or whole milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

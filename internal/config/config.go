// Package config loads the router configuration: a YAML file overlaid with
// MCPR_* environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 3282

	dirMode  = 0o700
	fileMode = 0o600
)

// Config is the top-level mcprouter.yaml structure.
type Config struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	AllowRemote bool     `yaml:"allow_remote"`
	DataDir     string   `yaml:"data_dir"`
	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Servers   []ServerConfig  `yaml:"servers"`
}

// RateLimitConfig overrides the default token bucket parameters.
type RateLimitConfig struct {
	Capacity         int64 `yaml:"capacity"`
	RefillRate       int64 `yaml:"refill_rate"`
	RefillIntervalMs int64 `yaml:"refill_interval_ms"`
}

// ServerConfig declares an MCP server in the config file. Declared servers
// are upserted into the store at startup, keyed by name.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		LogLevel: "info",
	}
}

// Load reads the config file if present, then applies environment
// overrides and validates. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MCPR_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("MCPR_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("MCPR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if !cfg.AllowRemote && !isLoopback(cfg.Host) {
		return fmt.Errorf("host %q is not loopback; set allow_remote to bind it", cfg.Host)
	}
	for i, srv := range cfg.Servers {
		if srv.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("servers[%d]: stdio transport requires a command", i)
			}
		case "sse", "http":
			if srv.URL == "" {
				return fmt.Errorf("servers[%d]: %s transport requires a url", i, srv.Transport)
			}
		default:
			return fmt.Errorf("servers[%d]: unsupported transport %q", i, srv.Transport)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ResolveDataDir returns the data directory, defaulting to ~/.mcprouter,
// and creates it owner-only.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".mcprouter")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// DatabasePath is the SQLite file inside the data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "mcprouter.db")
}

// KeyPath is the age identity file inside the data directory.
func KeyPath(dataDir string) string {
	return filepath.Join(dataDir, "keychain.key")
}

// KeychainPath is the encrypted secret store inside the data directory.
func KeychainPath(dataDir string) string {
	return filepath.Join(dataDir, "keychain.age")
}

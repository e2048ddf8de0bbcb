// Package config handles CLI, environment and TOML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/tailscale-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the relay itself and never forwarded.
var reservedRoutes = []string{"/healthz", "/proxy"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SocksAddr string `kong:"help='Local SOCKS5 endpoint of the overlay client (overrides config).',env='TS_SOCKS_ADDR'"`
	Hostname  string `kong:"help='Overlay machine name of this relay (overrides config).',env='TS_HOSTNAME'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Debug     bool   `kong:"help='Force debug logging.',env='DEBUG'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Socks     SocksConfig     `toml:"socks"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Tailscale TailscaleConfig `toml:"tailscale"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SocksConfig points at the SOCKS5 endpoint exposed by the overlay client.
type SocksConfig struct {
	Address            string `toml:"address"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// UpstreamConfig holds destination request settings.
type UpstreamConfig struct {
	TimeoutSeconds     int  `toml:"timeout_seconds"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// TailscaleConfig describes this relay's identity in the overlay network.
type TailscaleConfig struct {
	Hostname string `toml:"hostname"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus and per-invocation metrics settings.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Path      string `toml:"path"`
	Namespace string `toml:"namespace"`
	// EMF writes per-invocation counts to stdout in CloudWatch embedded metric format.
	EMF bool `toml:"emf"`
	// Services lists the service names kept as Prometheus labels. When empty,
	// the first MaxServices names seen are kept. Others are reported as "other".
	Services    []string `toml:"services"`
	MaxServices int      `toml:"max_services"`
}

// Load reads the optional TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/tailscale-proxy/config.toml then configs/config.toml. Without a file,
// defaults plus CLI/environment values are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.SocksAddr != "" {
		c.Socks.Address = cli.SocksAddr
	}
	if cli.Hostname != "" {
		c.Tailscale.Hostname = cli.Hostname
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Debug {
		c.Log.Level = "debug"
	}
}

func (c *Config) validate() error {
	if err := validation.ValidateStruct(&c.Server,
		validation.Field(&c.Server.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.Server.BodyMaxBytes, validation.Min(int64(0))),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := validation.ValidateStruct(&c.Socks,
		validation.Field(&c.Socks.Address, validation.By(validateHostPort)),
		validation.Field(&c.Socks.DialTimeoutSeconds, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("socks: %w", err)
	}

	if err := validation.ValidateStruct(&c.Upstream,
		validation.Field(&c.Upstream.TimeoutSeconds, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("upstream: %w", err)
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Log.Format, validation.In("json", "text")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if err := validation.ValidateStruct(&c.Metrics,
		validation.Field(&c.Metrics.Services, validation.Each(validation.Required)),
		validation.Field(&c.Metrics.MaxServices, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateHostPort accepts an empty value (default applies) or host:port.
func validateHostPort(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return errors.New("must be in host:port format")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("must have a port between 1 and 65535")
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 6 * 1024 * 1024 // 6 MB
	}
	if c.Socks.Address == "" {
		c.Socks.Address = "localhost:1055"
	}
	if c.Socks.DialTimeoutSeconds == 0 {
		c.Socks.DialTimeoutSeconds = 30
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "tailscale-service"
	}
	if c.Metrics.MaxServices == 0 {
		c.Metrics.MaxServices = 50
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

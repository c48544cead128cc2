// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/publicsuffix"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/flowrsvp-gateway/config.toml",
	"configs/config.toml",
}

// reservedRoutes are paths owned by the gateway and health handlers.
var reservedRoutes = []string{"/api/proxy", "/api/ping", "/proxy-to-gas", "/macros", "/healthz", "/gateway/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL string `kong:"help='Upstream script URL (overrides config).',env='UPSTREAM_URL'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Origins  OriginsConfig  `toml:"origins"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds the fixed upstream endpoint and its connection settings.
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// OriginsConfig describes the origin allow-list.
// A hostname is allowed when it equals ProductionHost, or when it ends with
// PreviewSuffix and starts with PreviewPrefix.
type OriginsConfig struct {
	ProductionHost string `toml:"production_host"`
	PreviewSuffix  string `toml:"preview_suffix"`
	PreviewPrefix  string `toml:"preview_prefix"`
}

// CORSConfig holds CORS response settings.
type CORSConfig struct {
	MaxAgeSeconds int `toml:"max_age_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/flowrsvp-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.UpstreamURL != "" {
		c.Upstream.BaseURL = cli.UpstreamURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate checks every section and reports all problems at once.
func (c *Config) validate() error {
	return errors.Join(
		c.Upstream.validate(),
		c.Server.validate(),
		c.Origins.validate(),
		nonNegative("cors.max_age_seconds", c.CORS.MaxAgeSeconds),
		c.Log.validate(),
		c.Metrics.validate(),
	)
}

func nonNegative(key string, v int) error {
	if v < 0 {
		return fmt.Errorf("%s must be non-negative; got %d", key, v)
	}
	return nil
}

func oneOf(key, v string, allowed ...string) error {
	if v == "" || slices.Contains(allowed, strings.ToLower(v)) {
		return nil
	}
	return fmt.Errorf("%s must be one of: %s; got %q", key, strings.Join(allowed, ", "), v)
}

func (u *UpstreamConfig) validate() error {
	if u.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	parsed, err := url.Parse(u.BaseURL)
	switch {
	case err != nil:
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	case parsed.Scheme != "https":
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", u.BaseURL)
	case parsed.Host == "":
		return fmt.Errorf("upstream.base_url has no host; got %q", u.BaseURL)
	}
	return errors.Join(
		nonNegative("upstream.timeout_seconds", u.TimeoutSeconds),
		nonNegative("upstream.idle_connections", u.IdleConnections),
	)
}

func (s *ServerConfig) validate() error {
	var errs []error
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 0-65535; got %d", s.Port))
	}
	if s.BodyMaxBytes < 0 {
		errs = append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", s.BodyMaxBytes))
	}
	return errors.Join(errs...)
}

func (l *LogConfig) validate() error {
	return errors.Join(
		oneOf("log.level", l.Level, "debug", "info", "warn", "error"),
		oneOf("log.format", l.Format, "json", "text"),
	)
}

// validate checks the metrics path only when metrics are served.
func (m *MetricsConfig) validate() error {
	if !m.Enabled || m.Path == "" {
		return nil
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'; got %q", m.Path)
	}
	for _, reserved := range reservedRoutes {
		if m.Path == reserved || strings.HasPrefix(m.Path, reserved+"/") {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", m.Path, reserved)
		}
	}
	return nil
}

func (o *OriginsConfig) validate() error {
	if strings.TrimSpace(o.ProductionHost) == "" {
		return fmt.Errorf("origins.production_host is required")
	}
	if strings.Contains(o.ProductionHost, "/") || strings.Contains(o.ProductionHost, ":") {
		return fmt.Errorf("origins.production_host must be a bare hostname; got %q", o.ProductionHost)
	}
	if o.PreviewSuffix == "" {
		if o.PreviewPrefix != "" {
			return fmt.Errorf("origins.preview_prefix is set but origins.preview_suffix is empty")
		}
		return nil
	}
	if !strings.HasPrefix(o.PreviewSuffix, ".") {
		return fmt.Errorf("origins.preview_suffix must start with '.'; got %q", o.PreviewSuffix)
	}

	// A bare public suffix (e.g. ".vercel.app") matches every tenant of the
	// hosting platform, so it is only acceptable when scoped by a prefix.
	domain := strings.ToLower(strings.TrimPrefix(o.PreviewSuffix, "."))
	if ps, _ := publicsuffix.PublicSuffix(domain); ps == domain && o.PreviewPrefix == "" {
		return fmt.Errorf("origins.preview_suffix %q is a public suffix; origins.preview_prefix is required", o.PreviewSuffix)
	}
	return nil
}

// setDefaults fills zero values. TOML cannot tell an explicit 0 from an
// omitted key, so zero always means unset.
func (c *Config) setDefaults() {
	setIfEmpty(&c.Server.Host, "0.0.0.0")
	setIfZero(&c.Server.Port, 8000)
	setIfZero(&c.Server.BodyMaxBytes, 1<<20)
	setIfZero(&c.Upstream.TimeoutSeconds, 30)
	setIfZero(&c.Upstream.IdleConnections, 16)
	setIfZero(&c.CORS.MaxAgeSeconds, 86400)
	setIfEmpty(&c.Log.Level, "info")
	setIfEmpty(&c.Log.Format, "json")
	setIfEmpty(&c.Metrics.Path, "/metrics")

	// Hostnames compare case-insensitively.
	c.Origins.ProductionHost = strings.ToLower(c.Origins.ProductionHost)
	c.Origins.PreviewSuffix = strings.ToLower(c.Origins.PreviewSuffix)
	c.Origins.PreviewPrefix = strings.ToLower(c.Origins.PreviewPrefix)
}

func setIfZero[T int | int64](field *T, v T) {
	if *field == 0 {
		*field = v
	}
}

func setIfEmpty(field *string, v string) {
	if *field == "" {
		*field = v
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
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
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

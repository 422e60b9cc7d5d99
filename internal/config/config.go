// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ilps-gateway/config.toml",
	"configs/config.toml",
}

// Upstream service names known to the gateway.
const (
	ServiceAuth      = "auth"
	ServiceTexts     = "texts"
	ServiceExercises = "exercises"
	ServiceManager   = "manager"
)

// requiredServices must all resolve to a base URL after loading.
var requiredServices = []string{ServiceAuth, ServiceTexts, ServiceExercises, ServiceManager}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string            `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string            `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int               `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string            `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Service  map[string]string `kong:"help='Upstream base URL override as name=url (overrides config).',env='GATEWAY_SERVICES'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig             `toml:"server"`
	Services map[string]ServiceConfig `toml:"services"`
	Upstream UpstreamConfig           `toml:"upstream"`
	Auth     AuthConfig               `toml:"auth"`
	Log      LogConfig                `toml:"log"`
	Metrics  MetricsConfig            `toml:"metrics"`
	Tracing  TracingConfig            `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8061); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	// Backend selects the limiter store: "memory" (per process) or "redis" (shared).
	Backend       string `toml:"backend"`
	RedisURL      string `toml:"redis_url"`
	WindowSeconds int    `toml:"window_seconds"`
}

// ServiceConfig locates one upstream service.
type ServiceConfig struct {
	Protocol string `toml:"protocol"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	// BaseURL, when set, wins over protocol/host/port.
	BaseURL string `toml:"base_url"`
}

// URL returns the service base URL.
func (s ServiceConfig) URL() string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/")
	}
	protocol := s.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s:%d", protocol, s.Host, s.Port)
}

// UpstreamConfig holds upstream connection settings shared by all services.
type UpstreamConfig struct {
	TimeoutSeconds        int           `toml:"timeout_seconds"`
	ConnectTimeoutSeconds int           `toml:"connect_timeout_seconds"`
	StreamTimeoutSeconds  int           `toml:"stream_timeout_seconds"`
	IdleConnections       int           `toml:"idle_connections"`
	Breaker               BreakerConfig `toml:"breaker"`
}

// Timeout is the ceiling for one ordinary upstream call.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// ConnectTimeout bounds connection establishment.
func (u UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(u.ConnectTimeoutSeconds) * time.Second
}

// StreamTimeout is the ceiling for a whole streaming transaction (connect plus reads).
func (u UpstreamConfig) StreamTimeout() time.Duration {
	return time.Duration(u.StreamTimeoutSeconds) * time.Second
}

// BreakerConfig controls the per-service circuit breaker.
type BreakerConfig struct {
	Enabled     bool `toml:"enabled"`
	Threshold   int  `toml:"threshold"`
	OpenSeconds int  `toml:"open_seconds"`
}

// AuthConfig holds bearer verification settings.
type AuthConfig struct {
	// PrecheckExpiry rejects JWT-shaped tokens whose exp claim is already in the
	// past without calling the identity service.
	PrecheckExpiry bool `toml:"precheck_expiry"`
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

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Endpoint is a resolved upstream service.
type Endpoint struct {
	Name    string
	BaseURL string
}

// Services is the read-only registry of upstream endpoints, keyed by name.
type Services map[string]Endpoint

// Get returns the named endpoint.
func (s Services) Get(name string) (Endpoint, error) {
	ep, ok := s[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("unknown upstream service %q", name)
	}
	return ep, nil
}

// Names returns the registered service names in sorted order.
func (s Services) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ilps-gateway/config.toml then configs/config.toml.
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.Service) > 0 && c.Services == nil {
		c.Services = make(map[string]ServiceConfig, len(cli.Service))
	}
	for name, baseURL := range cli.Service {
		svc := c.Services[name]
		svc.BaseURL = baseURL
		c.Services[name] = svc
	}
}

func (c *Config) validate() error {
	for _, name := range requiredServices {
		svc, ok := c.Services[name]
		if !ok {
			return fmt.Errorf("services.%s is required", name)
		}
		if svc.BaseURL == "" && svc.Host == "" {
			return fmt.Errorf("services.%s needs host or base_url", name)
		}
		if svc.BaseURL == "" && (svc.Port <= 0 || svc.Port > 65535) {
			return fmt.Errorf("services.%s.port must be 1–65535; got %d", name, svc.Port)
		}
		u, err := url.Parse(svc.URL())
		if err != nil {
			return fmt.Errorf("services.%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("services.%s must use http or https; got %q", name, svc.URL())
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.StreamTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.stream_timeout_seconds must be non-negative; got %d", c.Upstream.StreamTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.Breaker.Enabled && c.Upstream.Breaker.Threshold < 0 {
		return fmt.Errorf("upstream.breaker.threshold must be non-negative; got %d", c.Upstream.Breaker.Threshold)
	}

	rl := c.Server.RateLimit
	if rl.Enabled && rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", rl.RequestsPerSecond)
	}
	switch strings.ToLower(rl.Backend) {
	case "", "memory":
	case "redis":
		if rl.Enabled && rl.RedisURL == "" {
			return fmt.Errorf("server.rate_limit.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("server.rate_limit.backend must be one of: memory, redis; got %q", rl.Backend)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range ReservedPrefixes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// ReservedPrefixes are the route prefixes served by the gateway itself.
var ReservedPrefixes = []string{"/auth", "/texts", "/exercises", "/tasks", "/health", "/healthz", "/gateway/status"}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8061
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // audio uploads
	}
	if c.Server.RateLimit.Backend == "" {
		c.Server.RateLimit.Backend = "memory"
	}
	if c.Server.RateLimit.WindowSeconds == 0 {
		c.Server.RateLimit.WindowSeconds = 1
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.StreamTimeoutSeconds == 0 {
		c.Upstream.StreamTimeoutSeconds = 100
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.Breaker.Threshold == 0 {
		c.Upstream.Breaker.Threshold = 5
	}
	if c.Upstream.Breaker.OpenSeconds == 0 {
		c.Upstream.Breaker.OpenSeconds = 30
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
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "ilps-api-gateway"
	}
}

// Endpoints resolves the configured services into the endpoint registry.
func (c *Config) Endpoints() Services {
	out := make(Services, len(c.Services))
	for name, svc := range c.Services {
		out[name] = Endpoint{Name: name, BaseURL: svc.URL()}
	}
	return out
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

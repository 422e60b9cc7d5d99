package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// servicesTOML declares every required upstream service.
const servicesTOML = `
[services.auth]
host = "auth"
port = 8000

[services.texts]
host = "texts"
port = 8001

[services.exercises]
host = "exercises"
port = 8002

[services.manager]
protocol = "https"
host = "manager"
port = 8003
`

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to config.toml in a temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
timeout_seconds = 60
connect_timeout_seconds = 2
stream_timeout_seconds = 300
idle_connections = 50

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Upstream.Timeout() != 60*time.Second {
		t.Errorf("Upstream.Timeout() = %v, want %v", cfg.Upstream.Timeout(), 60*time.Second)
	}
	if cfg.Upstream.StreamTimeout() != 300*time.Second {
		t.Errorf("Upstream.StreamTimeout() = %v, want %v", cfg.Upstream.StreamTimeout(), 300*time.Second)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_Endpoints(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, servicesTOML)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	eps := cfg.Endpoints()
	tests := []struct {
		name string
		want string
	}{
		{ServiceAuth, "http://auth:8000"},
		{ServiceTexts, "http://texts:8001"},
		{ServiceExercises, "http://exercises:8002"},
		{ServiceManager, "https://manager:8003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := eps.Get(tt.name)
			if err != nil {
				t.Fatalf("Get(%q) error = %v", tt.name, err)
			}
			if ep.BaseURL != tt.want {
				t.Errorf("BaseURL = %q, want %q", ep.BaseURL, tt.want)
			}
			if ep.Name != tt.name {
				t.Errorf("Name = %q, want %q", ep.Name, tt.name)
			}
		})
	}

	if _, err := eps.Get("billing"); err == nil {
		t.Error("Get(billing) expected error for unknown service, got nil")
	}
	if got := strings.Join(eps.Names(), ","); got != "auth,exercises,manager,texts" {
		t.Errorf("Names() = %q, want sorted service names", got)
	}
}

func TestLoad_MissingService(t *testing.T) {
	path := writeConfig(t, `
[services.auth]
host = "auth"
port = 8000
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for missing services, got nil")
	}
	if !strings.Contains(err.Error(), "services.") {
		t.Errorf("error = %q, want mention of services", err)
	}
}

func TestLoad_ServiceBadScheme(t *testing.T) {
	path := writeConfig(t, strings.Replace(servicesTOML, `protocol = "https"`, `protocol = "ftp"`, 1))

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for ftp service URL, got nil")
	}
}

func TestLoad_ServiceBadPort(t *testing.T) {
	path := writeConfig(t, strings.Replace(servicesTOML, "port = 8000", "port = 0", 1))

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for zero service port, got nil")
	}
}

func TestLoad_ServiceBaseURLWins(t *testing.T) {
	path := writeConfig(t, strings.Replace(servicesTOML, "[services.texts]", "[services.texts]\nbase_url = \"http://catalog.internal/texts/\"", 1))

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Endpoints()[ServiceTexts].BaseURL; got != "http://catalog.internal/texts" {
		t.Errorf("texts BaseURL = %q, want %q", got, "http://catalog.internal/texts")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[log]
format = "xml"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log format, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, servicesTOML)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8061 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8061)
	}
	if cfg.Upstream.TimeoutSeconds != 30 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 30)
	}
	if cfg.Upstream.ConnectTimeoutSeconds != 5 {
		t.Errorf("Upstream.ConnectTimeoutSeconds = %d, want %d", cfg.Upstream.ConnectTimeoutSeconds, 5)
	}
	if cfg.Upstream.StreamTimeoutSeconds != 100 {
		t.Errorf("Upstream.StreamTimeoutSeconds = %d, want %d", cfg.Upstream.StreamTimeoutSeconds, 100)
	}
	if cfg.Server.RateLimit.Backend != "memory" {
		t.Errorf("RateLimit.Backend = %q, want %q", cfg.Server.RateLimit.Backend, "memory")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Tracing.ServiceName != "ilps-api-gateway" {
		t.Errorf("Tracing.ServiceName = %q, want %q", cfg.Tracing.ServiceName, "ilps-api-gateway")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/path/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server]
host = "0.0.0.0"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:   path,
		Host:     "127.0.0.1",
		Port:     9999,
		LogLevel: "debug",
		Service:  map[string]string{ServiceAuth: "http://127.0.0.1:7000"},
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 9999)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if got := cfg.Endpoints()[ServiceAuth].BaseURL; got != "http://127.0.0.1:7000" {
		t.Errorf("auth BaseURL = %q, want %q (CLI override)", got, "http://127.0.0.1:7000")
	}
}

func TestLoad_CLIServicesOnly(t *testing.T) {
	cli := &CLI{
		Config: writeConfig(t, "[log]\nlevel = \"info\"\n"),
		Service: map[string]string{
			ServiceAuth:      "http://a:1",
			ServiceTexts:     "http://b:2",
			ServiceExercises: "http://c:3",
			ServiceManager:   "http://d:4",
		},
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v; services from CLI only should be accepted", err)
	}
	if len(cfg.Endpoints()) != 4 {
		t.Errorf("len(Endpoints()) = %d, want 4", len(cfg.Endpoints()))
	}
}

func TestLoad_NegativePort(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server]
port = -1
`)

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_NegativeBodyMaxBytes(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server]
body_max_bytes = -1
`)

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for negative body_max_bytes, got nil")
	}
}

func TestLoad_NegativeTimeouts(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"timeout", "timeout_seconds"},
		{"connect", "connect_timeout_seconds"},
		{"stream", "stream_timeout_seconds"},
		{"idle", "idle_connections"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, servicesTOML+"\n[upstream]\n"+tt.key+" = -5\n")
			if _, err := Load(cliWithPath(path)); err == nil {
				t.Fatalf("Load() expected error for negative %s, got nil", tt.key)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server.rate_limit]
enabled = true
requests_per_second = 5.5
burst = 10
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 5.5 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 5.5", cfg.Server.RateLimit.RequestsPerSecond)
	}
	if cfg.Server.RateLimit.Burst != 10 {
		t.Errorf("RateLimit.Burst = %d, want 10", cfg.Server.RateLimit.Burst)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for zero requests_per_second, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestLoad_RateLimitConfig_RedisNeedsURL(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server.rate_limit]
enabled = true
requests_per_second = 10
backend = "redis"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for redis backend without redis_url, got nil")
	}
	if !strings.Contains(err.Error(), "redis_url") {
		t.Errorf("error = %q, want mention of redis_url", err)
	}
}

func TestLoad_RateLimitConfig_UnknownBackend(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[server.rate_limit]
backend = "memcached"
`)

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for unknown backend, got nil")
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permissions not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permissions not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, servicesTOML)

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, servicesTOML)
	path2 := writeConfig(t, servicesTOML)

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[metrics]
enabled = true
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathConflictsWithRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"texts exact", "/texts"},
		{"tasks sub", "/tasks/metrics"},
		{"healthz", "/healthz"},
		{"gateway status", "/gateway/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, servicesTOML+`
[metrics]
enabled = true
path = "`+tt.path+`"
`)

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, servicesTOML+`
[metrics]
enabled = false
path = "bad-no-slash"
`)

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

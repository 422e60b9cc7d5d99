package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"

	"ilps-gateway/internal/auth"
	"ilps-gateway/internal/config"
	"ilps-gateway/internal/handler"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/middleware"
	"ilps-gateway/internal/stream"
	"ilps-gateway/internal/telemetry"
	"ilps-gateway/internal/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("ilps-gateway"),
		kong.Description("API gateway for the ILPS backend services."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			logging.New,
			metrics.New,
			endpoints,
			newUpstreamClient,
			newGates,
			newRelay,
			newHandlers,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startTracing, startServer),
	).Run()
}

func endpoints(cfg *config.Config) config.Services {
	return cfg.Endpoints()
}

func newUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *upstream.Client {
	return upstream.NewClient(cfg, logger, m)
}

func newGates(client *upstream.Client, services config.Services, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (handler.Gates, error) {
	opts := []auth.Option{
		auth.WithExpiryPrecheck(cfg.Auth.PrecheckExpiry),
		auth.WithLogger(logger),
		auth.WithMetrics(m),
	}
	user, err := auth.NewGate(client, services, false, opts...)
	if err != nil {
		return handler.Gates{}, err
	}
	admin, err := auth.NewGate(client, services, true, opts...)
	if err != nil {
		return handler.Gates{}, err
	}
	return handler.Gates{User: user, Admin: admin}, nil
}

func newRelay(client *upstream.Client, services config.Services, logger *slog.Logger, m *metrics.Metrics) (*stream.Relay, error) {
	return stream.NewRelay(client, services, logger, m)
}

func newHandlers(
	client *upstream.Client,
	relay *stream.Relay,
	services config.Services,
	v handler.Version,
	logger *slog.Logger,
	m *metrics.Metrics,
) (handler.Handlers, error) {
	authH, err := handler.NewAuthHandler(client, services, logger)
	if err != nil {
		return handler.Handlers{}, err
	}
	texts, err := handler.NewTextsHandler(client, services)
	if err != nil {
		return handler.Handlers{}, err
	}
	exercises, err := handler.NewExercisesHandler(client, services, logger, m)
	if err != nil {
		return handler.Handlers{}, err
	}
	tasks, err := handler.NewTasksHandler(client, relay, services, logger, m)
	if err != nil {
		return handler.Handlers{}, err
	}
	return handler.Handlers{
		Health:    handler.NewHealthHandler(services, v),
		Auth:      authH,
		Texts:     texts,
		Exercises: exercises,
		Tasks:     tasks,
	}, nil
}

func newEcho(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) so task event streams are not cut off.
	// Streams are bounded by upstream.stream_timeout_seconds instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echo.WrapMiddleware(otelhttp.NewMiddleware(cfg.Tracing.ServiceName)))
	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
		logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	if rl := cfg.Server.RateLimit; rl.Enabled {
		store, err := middleware.NewRateLimiterStore(rl, logger)
		if err != nil {
			return nil, err
		}
		if closer, ok := store.(io.Closer); ok {
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					return closer.Close()
				},
			})
		}
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled",
			"backend", rl.Backend,
			"rps", rl.RequestsPerSecond,
			"burst", rl.Burst,
		)
	}

	return e, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startTracing(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) error {
	shutdown, err := telemetry.InitTracer(cfg.Tracing, os.Stdout, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return shutdown(ctx)
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, services config.Services, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			for _, name := range services.Names() {
				logger.Info("upstream service", "name", name, "base_url", services[name].BaseURL)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

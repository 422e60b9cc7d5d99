package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Task event streams are counted but kept out of the
// in-flight gauge and the duration histogram; the stream collectors cover them.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isEventStream(c.Path()) {
				err := next(c)
				m.RequestsTotal.WithLabelValues(labels(c, err)...).Inc()
				return err
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			lv := labels(c, err)
			m.RequestsTotal.WithLabelValues(lv...).Inc()
			m.RequestDuration.WithLabelValues(lv...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// labels returns method, status and path prefix for the finished request.
func labels(c echo.Context, err error) []string {
	return []string{
		metrics.NormalizeMethod(c.Request().Method),
		strconv.Itoa(responseStatus(c, err)),
		metrics.NormalizePath(c.Request().URL.Path),
	}
}

// isEventStream reports whether route is one of the long-lived task stream routes.
func isEventStream(route string) bool {
	return strings.HasSuffix(route, "/:id/stream") || strings.HasSuffix(route, "/:id/ws")
}

package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. WebSocket handshakes keep
// Connection and Upgrade, which the upgrade itself needs.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			upgrade := isWebSocketUpgrade(req.Header.Get("Connection"), req.Header.Get("Upgrade"))
			for _, h := range hopByHopHeaders {
				if upgrade && (h == "Connection" || h == "Upgrade") {
					continue
				}
				req.Header.Del(h)
			}

			// Set before the handler runs: streamed responses commit headers early.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}

func isWebSocketUpgrade(connection, upgrade string) bool {
	if !strings.EqualFold(upgrade, "websocket") {
		return false
	}
	for tok := range strings.SplitSeq(connection, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// Package auth verifies bearer credentials against the identity service.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/model"
	"ilps-gateway/internal/upstream"
)

// Option configures a Gate.
type Option func(*Gate)

// WithExpiryPrecheck rejects JWT-shaped tokens whose exp claim has passed
// without calling the identity service. Opaque tokens are always sent upstream.
func WithExpiryPrecheck(enabled bool) Option {
	return func(g *Gate) { g.precheck = enabled }
}

// WithLogger sets the fallback logger used when the request context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate checks a bearer token with the identity service and optionally requires
// a privileged identity. It is immutable after construction.
type Gate struct {
	client            upstream.Caller
	endpoint          config.Endpoint
	requirePrivileged bool
	precheck          bool
	now               func() time.Time
	logger            *slog.Logger
	metrics           *metrics.Metrics
}

// NewGate creates a Gate that verifies tokens against the auth service in services.
func NewGate(client upstream.Caller, services config.Services, requirePrivileged bool, opts ...Option) (*Gate, error) {
	ep, err := services.Get(config.ServiceAuth)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		client:            client,
		endpoint:          ep,
		requirePrivileged: requirePrivileged,
		now:               time.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "auth_gate")
	return g, nil
}

type verifyRequest struct {
	AccessToken string `json:"access_token"`
}

// Verify returns the identity behind token.
//
// Identity service 4xx answers become AuthenticationFailed (401) with the
// service's detail. 5xx answers pass through and an unreachable service stays 503.
// When the gate requires privilege and the identity lacks it, AuthorizationDenied
// is returned and the identity is withheld.
func (g *Gate) Verify(ctx context.Context, token string) (*model.Identity, error) {
	logger := logging.FromContext(ctx, g.logger)
	logger.Debug("authorization started")

	if g.precheck && g.expired(token) {
		g.record("unauthenticated")
		return nil, model.AuthenticationFailed("Token has expired")
	}

	resp, err := g.client.Call(ctx, g.endpoint, upstream.Request{
		Method: http.MethodPost,
		Path:   "/verify",
		JSON:   verifyRequest{AccessToken: token},
	})
	if err != nil {
		pe, ok := model.AsProxyError(err)
		if ok && pe.Kind == model.KindUpstreamRejected && pe.Status >= 400 && pe.Status < 500 {
			logger.Info("authorization interrupted", "status", pe.Status)
			g.record("unauthenticated")
			return nil, model.AuthenticationFailed(pe.Detail)
		}
		g.record("error")
		return nil, err
	}

	var identity model.Identity
	if err := resp.Decode(&identity); err != nil {
		g.record("error")
		return nil, err
	}
	logger.Info("user authenticated", "user", identity.Name)

	if g.requirePrivileged && !identity.IsPrivileged {
		logger.Info("user lacks rights for this resource", "user", identity.Name)
		g.record("forbidden")
		return nil, model.AuthorizationDenied()
	}

	g.record("allowed")
	return &identity, nil
}

// expired reports whether token parses as a JWT with an exp claim in the past.
// The signature is not checked; the identity service remains the authority.
func (g *Gate) expired(token string) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Before(g.now())
}

func (g *Gate) record(result string) {
	if g.metrics != nil {
		g.metrics.AuthDecisions.WithLabelValues(result).Inc()
	}
}

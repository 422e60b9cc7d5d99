package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/model"
	"ilps-gateway/internal/upstream"
)

// identityServer fakes the identity service's /verify endpoint.
type identityServer struct {
	*httptest.Server
	calls  atomic.Int32
	tokens chan string
}

func newIdentityServer(t *testing.T, status int, body string) *identityServer {
	t.Helper()
	s := &identityServer{tokens: make(chan string, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if r.URL.Path != "/verify" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req struct {
			AccessToken string `json:"access_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.tokens <- req.AccessToken
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestGate(t *testing.T, baseURL string, privileged bool, opts ...Option) *Gate {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Upstream: config.UpstreamConfig{TimeoutSeconds: 5, ConnectTimeoutSeconds: 1, IdleConnections: 4}}
	client := upstream.NewClient(cfg, logger, nil)
	services := config.Services{config.ServiceAuth: {Name: config.ServiceAuth, BaseURL: baseURL}}

	g, err := NewGate(client, services, privileged, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return g
}

func requireProxyError(t *testing.T, err error) *model.ProxyError {
	t.Helper()
	require.Error(t, err)
	pe, ok := model.AsProxyError(err)
	require.True(t, ok, "error %v is not a *model.ProxyError", err)
	return pe
}

const (
	userBody  = `{"id":"7c9e6679-7425-40de-944b-e07fc1f90ae7","name":"ann","is_admin":false}`
	adminBody = `{"id":"7c9e6679-7425-40de-944b-e07fc1f90ae8","name":"root","is_admin":true}`
)

func TestNewGate_MissingAuthService(t *testing.T) {
	_, err := NewGate(nil, config.Services{}, false)
	assert.Error(t, err)
}

func TestVerify_Success(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, userBody)
	g := newTestGate(t, srv.URL, false)

	id, err := g.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "ann", id.Name)
	assert.False(t, id.IsPrivileged)
	assert.Equal(t, "tok-1", <-srv.tokens)
}

func TestVerify_NumericIdentityID(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, `{"id": 42, "name": "alice", "is_admin": false}`)
	g := newTestGate(t, srv.URL, false)

	id, err := g.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "42", id.ID.String())
	assert.Equal(t, "alice", id.Name)
}

func TestVerify_PrivilegedRoute(t *testing.T) {
	t.Run("unprivileged identity denied", func(t *testing.T) {
		srv := newIdentityServer(t, http.StatusOK, userBody)
		g := newTestGate(t, srv.URL, true)

		id, err := g.Verify(context.Background(), "tok")
		assert.Nil(t, id)
		pe := requireProxyError(t, err)
		assert.Equal(t, http.StatusForbidden, pe.Status)
		assert.Equal(t, "Action is unavailable", pe.DetailString())
	})

	t.Run("privileged identity allowed", func(t *testing.T) {
		srv := newIdentityServer(t, http.StatusOK, adminBody)
		g := newTestGate(t, srv.URL, true)

		id, err := g.Verify(context.Background(), "tok")
		require.NoError(t, err)
		assert.True(t, id.IsPrivileged)
	})
}

func TestVerify_IdentityServiceRejects(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := newIdentityServer(t, status, `{"detail":"Could not validate credentials"}`)
			g := newTestGate(t, srv.URL, false)

			_, err := g.Verify(context.Background(), "bad")
			pe := requireProxyError(t, err)
			assert.Equal(t, model.KindAuthenticationFailed, pe.Kind)
			assert.Equal(t, http.StatusUnauthorized, pe.Status)
			assert.Equal(t, "Could not validate credentials", pe.DetailString())
			assert.Equal(t, "Bearer", pe.Header.Get("WWW-Authenticate"))
		})
	}
}

func TestVerify_IdentityServiceFailure(t *testing.T) {
	srv := newIdentityServer(t, http.StatusInternalServerError, `{"detail":"db down"}`)
	g := newTestGate(t, srv.URL, false)

	_, err := g.Verify(context.Background(), "tok")
	pe := requireProxyError(t, err)
	assert.Equal(t, http.StatusInternalServerError, pe.Status)
	assert.Equal(t, "db down", pe.DetailString())
}

func TestVerify_IdentityServiceUnreachable(t *testing.T) {
	g := newTestGate(t, "http://127.0.0.1:1", false)

	_, err := g.Verify(context.Background(), "tok")
	pe := requireProxyError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, pe.Status)
}

func TestVerify_MalformedIdentity(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, `not json`)
	g := newTestGate(t, srv.URL, false)

	_, err := g.Verify(context.Background(), "tok")
	pe := requireProxyError(t, err)
	assert.Equal(t, http.StatusBadGateway, pe.Status)
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestVerify_ExpiryPrecheck(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, userBody)
	g := newTestGate(t, srv.URL, false, WithExpiryPrecheck(true))

	_, err := g.Verify(context.Background(), signed(t, time.Now().Add(-time.Hour)))
	pe := requireProxyError(t, err)
	assert.Equal(t, http.StatusUnauthorized, pe.Status)
	assert.Equal(t, int32(0), srv.calls.Load(), "expired token must not reach the identity service")

	_, err = g.Verify(context.Background(), signed(t, time.Now().Add(time.Hour)))
	require.NoError(t, err)

	_, err = g.Verify(context.Background(), "opaque-token")
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.calls.Load())
}

func TestVerify_PrecheckDisabledSendsExpiredToken(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, userBody)
	g := newTestGate(t, srv.URL, false)

	_, err := g.Verify(context.Background(), signed(t, time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestMiddleware(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, userBody)
	g := newTestGate(t, srv.URL, false)
	e := echo.New()

	var seen *model.Identity
	next := func(c echo.Context) error {
		seen, _ = IdentityFrom(c)
		return c.NoContent(http.StatusNoContent)
	}

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/texts/", http.NoBody)
		c := e.NewContext(req, httptest.NewRecorder())

		err := g.Middleware()(next)(c)
		pe := requireProxyError(t, err)
		assert.Equal(t, http.StatusUnauthorized, pe.Status)
		assert.Equal(t, "Bearer", pe.Header.Get("WWW-Authenticate"))
		assert.Equal(t, int32(0), srv.calls.Load())
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/texts/", http.NoBody)
		req.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwYXNz")
		c := e.NewContext(req, httptest.NewRecorder())

		err := g.Middleware()(next)(c)
		pe := requireProxyError(t, err)
		assert.Equal(t, http.StatusUnauthorized, pe.Status)
		assert.Equal(t, int32(0), srv.calls.Load())
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/texts/", http.NoBody)
		req.Header.Set(echo.HeaderAuthorization, "Bearer tok-9")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, g.Middleware()(next)(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "ann", seen.Name)
		assert.Equal(t, "tok-9", <-srv.tokens)
	})
}

func TestMiddleware_DeniedDoesNotCallNext(t *testing.T) {
	srv := newIdentityServer(t, http.StatusOK, userBody)
	g := newTestGate(t, srv.URL, true)
	e := echo.New()

	called := false
	next := func(c echo.Context) error {
		called = true
		return nil
	}

	req := httptest.NewRequest(http.MethodDelete, "/texts/x", http.NoBody)
	req.Header.Set(echo.HeaderAuthorization, "Bearer tok")
	err := g.Middleware()(next)(e.NewContext(req, httptest.NewRecorder()))

	var pe *model.ProxyError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusForbidden, pe.Status)
	assert.False(t, called)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, "bearerToken(%q) ok", tt.header)
		assert.Equal(t, tt.want, got, "bearerToken(%q)", tt.header)
	}
}

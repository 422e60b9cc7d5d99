package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/upstream"
)

// AuthHandler forwards login and registration to the identity service.
type AuthHandler struct {
	client   upstream.Caller
	endpoint config.Endpoint
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(client upstream.Caller, services config.Services, logger *slog.Logger) (*AuthHandler, error) {
	ep, err := services.Get(config.ServiceAuth)
	if err != nil {
		return nil, err
	}
	return &AuthHandler{
		client:   client,
		endpoint: ep,
		logger:   logger.With("component", "auth_handler"),
	}, nil
}

// Login exchanges credentials for an access token.
func (h *AuthHandler) Login(c echo.Context) error {
	return h.forward(c, "/login", "user authentication")
}

// Register creates a user account.
func (h *AuthHandler) Register(c echo.Context) error {
	return h.forward(c, "/register", "user registration")
}

func (h *AuthHandler) forward(c echo.Context, path, action string) error {
	body, err := jsonBody(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	log := logging.FromContext(ctx, h.logger)
	log.Info(action + " started")

	resp, err := h.client.Call(ctx, h.endpoint, upstream.Request{
		Method: http.MethodPost,
		Path:   path,
		JSON:   body,
	})
	if err != nil {
		return err
	}

	log.Info(action + " complete")
	return respond(c, resp)
}

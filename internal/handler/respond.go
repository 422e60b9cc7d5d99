package handler

import (
	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/auth"
	"ilps-gateway/internal/model"
	"ilps-gateway/internal/upstream"
)

// respond writes a 2xx upstream response back with the upstream's status.
func respond(c echo.Context, resp *upstream.Response) error {
	if len(resp.Body) == 0 {
		return c.NoContent(resp.StatusCode)
	}
	body, err := resp.JSON()
	if err != nil {
		return err
	}
	return c.JSONBlob(resp.StatusCode, body)
}

// caller returns the identity the auth middleware stored for this request.
func caller(c echo.Context) (*model.Identity, error) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		return nil, model.AuthenticationFailed("Not authenticated")
	}
	return id, nil
}

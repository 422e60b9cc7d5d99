package auth

import (
	"strings"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/model"
)

const identityKey = "auth.identity"

// Middleware returns an Echo middleware that requires a verified bearer token.
// A missing or non-Bearer Authorization header fails with 401 before any
// upstream call is made.
func (g *Gate) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				g.record("unauthenticated")
				return model.AuthenticationFailed("Not authenticated")
			}

			identity, err := g.Verify(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.Set(identityKey, identity)
			return next(c)
		}
	}
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(c echo.Context) (*model.Identity, bool) {
	id, ok := c.Get(identityKey).(*model.Identity)
	return id, ok && id != nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

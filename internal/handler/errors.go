package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/model"
)

const internalErrorDetail = "Internal Server Error"

// NewErrorHandler returns the Echo error handler that renders every error as
// {"detail": ...} with its status. Proxy errors keep their headers; errors
// the gateway does not know are reported as a bare 500 and only logged.
func NewErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")

	return func(err error, c echo.Context) {
		log := logging.FromContext(c.Request().Context(), logger)

		if c.Response().Committed {
			log.Debug("error after response was committed", "err", err)
			return
		}

		status, detail, header := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				"err", err,
				"status", status,
				"path", c.Request().URL.Path,
			)
		}

		for key, vals := range header {
			for _, v := range vals {
				c.Response().Header().Add(key, v)
			}
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, map[string]any{"detail": detail})
		}
		if writeErr != nil {
			log.Error("writing error response", "err", writeErr)
		}
	}
}

// mapError resolves the status, client-facing detail and extra headers for err.
func mapError(err error) (int, any, http.Header) {
	var pe *model.ProxyError
	if errors.As(err, &pe) {
		return pe.Status, pe.Detail, pe.Header
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code >= http.StatusInternalServerError && he.Internal != nil {
			return he.Code, http.StatusText(he.Code), nil
		}
		return he.Code, httpErrorDetail(he), nil
	}

	return http.StatusInternalServerError, internalErrorDetail, nil
}

func httpErrorDetail(he *echo.HTTPError) any {
	switch msg := he.Message.(type) {
	case nil:
		return http.StatusText(he.Code)
	case string:
		return msg
	case error:
		return msg.Error()
	case fmt.Stringer:
		return msg.String()
	default:
		return msg
	}
}

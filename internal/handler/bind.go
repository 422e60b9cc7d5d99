package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/model"
)

const (
	defaultPage = 1
	defaultSize = 10
)

// fieldError is one entry of a 422 detail list. loc names where the bad
// input came from, e.g. ["path", "id"] or ["query", "size"].
type fieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func invalid(errs ...fieldError) error {
	return model.ValidationFailed(errs)
}

// pathID returns the canonical form of the UUID path parameter name.
func pathID(c echo.Context, name string) (string, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return "", invalid(fieldError{
			Loc:  []string{"path", name},
			Msg:  "Input should be a valid UUID",
			Type: "uuid_parsing",
		})
	}
	return id.String(), nil
}

// pageRequest binds the page and size query parameters. Both must be
// integers >= 1; absent parameters take their defaults.
func pageRequest(c echo.Context) (model.PageRequest, error) {
	var errs []fieldError
	page, fe := positiveQueryInt(c, "page", defaultPage)
	if fe != nil {
		errs = append(errs, *fe)
	}
	size, fe := positiveQueryInt(c, "size", defaultSize)
	if fe != nil {
		errs = append(errs, *fe)
	}
	if len(errs) > 0 {
		return model.PageRequest{}, invalid(errs...)
	}
	return model.PageRequest{Page: page, Size: size}, nil
}

func positiveQueryInt(c echo.Context, name string, def int) (int, *fieldError) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &fieldError{
			Loc:  []string{"query", name},
			Msg:  "Input should be a valid integer",
			Type: "int_parsing",
		}
	}
	if n < 1 {
		return 0, &fieldError{
			Loc:  []string{"query", name},
			Msg:  "Input should be greater than or equal to 1",
			Type: "greater_than_equal",
		}
	}
	return n, nil
}

// filters returns the query parameters other than page and size, which are
// forwarded upstream as they are.
func filters(c echo.Context) url.Values {
	out := url.Values{}
	for key, vals := range c.QueryParams() {
		if key == "page" || key == "size" {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}

// jsonBody reads the request body, which must be a JSON document.
func jsonBody(c echo.Context) (json.RawMessage, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if !json.Valid(data) {
		return nil, invalid(fieldError{
			Loc:  []string{"body"},
			Msg:  "Input should be a valid JSON document",
			Type: "json_invalid",
		})
	}
	return json.RawMessage(data), nil
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/enrich"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/pagination"
	"ilps-gateway/internal/upstream"
)

// catalog forwards CRUD on one catalog service. Lists are paginated; every
// other request addresses one entity by UUID.
type catalog struct {
	client   upstream.Caller
	pages    *pagination.Adapter
	endpoint config.Endpoint
}

func newCatalog(client upstream.Caller, services config.Services, service string) (catalog, error) {
	ep, err := services.Get(service)
	if err != nil {
		return catalog{}, err
	}
	return catalog{client: client, pages: pagination.New(client), endpoint: ep}, nil
}

// List returns one page of entities. Query parameters other than page and
// size, such as search and sort, are forwarded unchanged.
func (h catalog) List(c echo.Context) error {
	pr, err := pageRequest(c)
	if err != nil {
		return err
	}
	page, err := h.pages.List(c.Request().Context(), h.endpoint, "/", pr, filters(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// Get returns one entity.
func (h catalog) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	return h.call(c, upstream.Request{Method: http.MethodGet, Path: "/" + id})
}

// Create adds an entity.
func (h catalog) Create(c echo.Context) error {
	body, err := jsonBody(c)
	if err != nil {
		return err
	}
	return h.call(c, upstream.Request{Method: http.MethodPost, Path: "/", JSON: body})
}

// Update patches an entity.
func (h catalog) Update(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	body, err := jsonBody(c)
	if err != nil {
		return err
	}
	return h.call(c, upstream.Request{Method: http.MethodPatch, Path: "/" + id, JSON: body})
}

// Delete removes an entity.
func (h catalog) Delete(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	return h.call(c, upstream.Request{Method: http.MethodDelete, Path: "/" + id})
}

func (h catalog) call(c echo.Context, req upstream.Request) error {
	resp, err := h.client.Call(c.Request().Context(), h.endpoint, req)
	if err != nil {
		return err
	}
	return respond(c, resp)
}

// TextsHandler serves the learning text catalog.
type TextsHandler struct {
	catalog
}

// NewTextsHandler creates a TextsHandler.
func NewTextsHandler(client upstream.Caller, services config.Services) (*TextsHandler, error) {
	cat, err := newCatalog(client, services, config.ServiceTexts)
	if err != nil {
		return nil, err
	}
	return &TextsHandler{catalog: cat}, nil
}

// ExercisesHandler serves the exercise catalog. Exercises can embed the text
// they refer to.
type ExercisesHandler struct {
	catalog
	enricher *enrich.Enricher[json.RawMessage]
}

// exerciseEmbeds lists the kinds an exercise can embed.
func exerciseEmbeds() enrich.Registry[json.RawMessage] {
	return enrich.Registry[json.RawMessage]{
		"text": {Service: config.ServiceTexts, Path: enrich.FieldPath("text_id")},
	}
}

// NewExercisesHandler creates an ExercisesHandler.
// The metrics parameter is optional.
func NewExercisesHandler(client upstream.Caller, services config.Services, logger *slog.Logger, m *metrics.Metrics) (*ExercisesHandler, error) {
	cat, err := newCatalog(client, services, config.ServiceExercises)
	if err != nil {
		return nil, err
	}
	enricher, err := enrich.New(client, services, exerciseEmbeds(), logger, m)
	if err != nil {
		return nil, err
	}
	return &ExercisesHandler{catalog: cat, enricher: enricher}, nil
}

// Embedded returns an exercise together with the entities named in the
// comma-separated "entities" query parameter.
func (h *ExercisesHandler) Embedded(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	resp, err := h.client.Call(ctx, h.endpoint, upstream.Request{Method: http.MethodGet, Path: "/" + id})
	if err != nil {
		return err
	}
	item, err := resp.JSON()
	if err != nil {
		return err
	}

	out, err := h.enricher.Enrich(ctx, item, enrich.ParseEmbedRequest(c.QueryParam("entities")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

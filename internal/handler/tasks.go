package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/config"
	"ilps-gateway/internal/logging"
	"ilps-gateway/internal/metrics"
	"ilps-gateway/internal/stream"
	"ilps-gateway/internal/upstream"
)

// TasksHandler serves transcription tasks on the task manager. Every task
// request is scoped to the calling user.
type TasksHandler struct {
	client   upstream.Caller
	relay    *stream.Relay
	endpoint config.Endpoint
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewTasksHandler creates a TasksHandler.
// The metrics parameter is optional.
func NewTasksHandler(client upstream.Caller, relay *stream.Relay, services config.Services, logger *slog.Logger, m *metrics.Metrics) (*TasksHandler, error) {
	ep, err := services.Get(config.ServiceManager)
	if err != nil {
		return nil, err
	}
	return &TasksHandler{
		client:   client,
		relay:    relay,
		endpoint: ep,
		logger:   logger.With("component", "tasks_handler"),
		metrics:  m,
	}, nil
}

type userScope struct {
	UserID string `json:"user_id"`
}

// Create uploads an audio file for transcription. The multipart form must
// carry file, title and text_id; the caller's id is added as user_id.
func (h *TasksHandler) Create(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}

	form, err := bindTaskForm(c)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeTaskForm(mw, form, user.ID.String()))
	}()

	resp, err := h.client.Call(c.Request().Context(), h.endpoint, upstream.Request{
		Method:      http.MethodPost,
		Path:        "/transcribe",
		Body:        pr,
		ContentType: mw.FormDataContentType(),
	})
	_ = pr.Close()
	if err != nil {
		return err
	}

	logging.FromContext(c.Request().Context(), h.logger).Info("task created", "title", form.title)
	return respond(c, resp)
}

// List returns the caller's tasks.
func (h *TasksHandler) List(c echo.Context) error {
	user, err := caller(c)
	if err != nil {
		return err
	}
	return h.call(c, "/", user.ID.String())
}

// Get returns one of the caller's tasks.
func (h *TasksHandler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	user, err := caller(c)
	if err != nil {
		return err
	}
	return h.call(c, "/"+id, user.ID.String())
}

func (h *TasksHandler) call(c echo.Context, path, userID string) error {
	resp, err := h.client.Call(c.Request().Context(), h.endpoint, upstream.Request{
		Method: http.MethodPost,
		Path:   path,
		JSON:   userScope{UserID: userID},
	})
	if err != nil {
		return err
	}
	return respond(c, resp)
}

// Stream relays the task's status events as server-sent events. Errors from
// opening the upstream stream are returned before anything is written.
func (h *TasksHandler) Stream(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	user, err := caller(c)
	if err != nil {
		return err
	}

	s, err := h.relay.Open(c.Request().Context(), id, user.ID.String())
	if err != nil {
		return err
	}
	return stream.WriteSSE(c.Response(), s, h.metrics)
}

// WebSocket relays the same events as Stream over a WebSocket connection.
func (h *TasksHandler) WebSocket(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	user, err := caller(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	s, err := h.relay.Open(ctx, id, user.ID.String())
	if err != nil {
		return err
	}
	return stream.ServeWebSocket(c.Response(), c.Request(), s, cancel, h.metrics)
}

type taskForm struct {
	file   *multipart.FileHeader
	title  string
	textID string
}

func bindTaskForm(c echo.Context) (taskForm, error) {
	var errs []fieldError
	missing := func(name string) {
		errs = append(errs, fieldError{Loc: []string{"body", name}, Msg: "Field required", Type: "missing"})
	}

	file, err := c.FormFile("file")
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return taskForm{}, he
		}
		missing("file")
	}

	title := c.FormValue("title")
	if title == "" {
		missing("title")
	}

	var textID string
	switch raw := c.FormValue("text_id"); {
	case raw == "":
		missing("text_id")
	default:
		id, err := uuid.Parse(raw)
		if err != nil {
			errs = append(errs, fieldError{Loc: []string{"body", "text_id"}, Msg: "Input should be a valid UUID", Type: "uuid_parsing"})
			break
		}
		textID = id.String()
	}

	if len(errs) > 0 {
		return taskForm{}, invalid(errs...)
	}
	return taskForm{file: file, title: title, textID: textID}, nil
}

// writeTaskForm encodes the upload for the task manager and closes mw.
func writeTaskForm(mw *multipart.Writer, form taskForm, userID string) error {
	for _, f := range [][2]string{
		{"title", form.title},
		{"text_id", form.textID},
		{"user_id", userID},
	} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}

	src, err := form.file.Open()
	if err != nil {
		return fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	contentType := form.file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", multipart.FileContentDisposition("file", form.file.Filename))
	h.Set("Content-Type", contentType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy uploaded file: %w", err)
	}
	return mw.Close()
}

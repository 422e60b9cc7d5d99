package handler

import (
	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/auth"
)

// Gates holds the two access levels routes are protected with.
type Gates struct {
	User  *auth.Gate
	Admin *auth.Gate
}

// Handlers groups every route handler of the gateway.
type Handlers struct {
	Health    *HealthHandler
	Auth      *AuthHandler
	Texts     *TextsHandler
	Exercises *ExercisesHandler
	Tasks     *TasksHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, gates Gates, h Handlers) {
	user := gates.User.Middleware()
	admin := gates.Admin.Middleware()

	e.GET("/health", h.Health.Health)
	e.GET("/healthz", h.Health.Healthz)
	e.GET("/gateway/status", h.Health.Status)

	a := e.Group("/auth")
	a.POST("/login", h.Auth.Login)
	a.POST("/register", h.Auth.Register)

	texts := e.Group("/texts")
	texts.GET("", h.Texts.List, user)
	texts.GET("/", h.Texts.List, user)
	texts.GET("/:id", h.Texts.Get, user)
	texts.POST("", h.Texts.Create, admin)
	texts.POST("/", h.Texts.Create, admin)
	texts.PATCH("/:id", h.Texts.Update, admin)
	texts.DELETE("/:id", h.Texts.Delete, admin)

	ex := e.Group("/exercises")
	ex.GET("", h.Exercises.List, user)
	ex.GET("/", h.Exercises.List, user)
	ex.GET("/:id", h.Exercises.Get, user)
	ex.GET("/:id/embedded", h.Exercises.Embedded, user)
	ex.GET("/:id/embeded", h.Exercises.Embedded, user) // spelling served by earlier releases
	ex.POST("", h.Exercises.Create, admin)
	ex.POST("/", h.Exercises.Create, admin)
	ex.PATCH("/:id", h.Exercises.Update, admin)
	ex.DELETE("/:id", h.Exercises.Delete, admin)

	tasks := e.Group("/tasks")
	tasks.GET("", h.Tasks.List, user)
	tasks.GET("/", h.Tasks.List, user)
	tasks.POST("", h.Tasks.Create, user)
	tasks.POST("/", h.Tasks.Create, user)
	tasks.GET("/:id", h.Tasks.Get, user)
	tasks.GET("/:id/stream", h.Tasks.Stream, user)
	tasks.GET("/:id/ws", h.Tasks.WebSocket, user)
}

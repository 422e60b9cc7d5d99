package handler

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"ilps-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	services config.Services
	version  Version
	hostname func() (string, error)
	now      func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(services config.Services, v Version) *HealthHandler {
	return &HealthHandler{
		services: services,
		version:  v,
		hostname: os.Hostname,
		now:      time.Now,
	}
}

type hostInfo struct {
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
}

type healthReport struct {
	Status    string   `json:"status"`
	System    hostInfo `json:"system"`
	Timestamp string   `json:"timestamp"`
}

// Health reports the gateway as healthy together with facts about its host.
func (h *HealthHandler) Health(c echo.Context) error {
	hostname, err := h.hostname()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Health check failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, healthReport{
		Status: "healthy",
		System: hostInfo{
			Hostname:  hostname,
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			GoVersion: runtime.Version(),
		},
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	})
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information, including the upstream services it fronts.
func (h *HealthHandler) Status(c echo.Context) error {
	services := make(map[string]string, len(h.services))
	for _, name := range h.services.Names() {
		services[name] = h.services[name].BaseURL
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  string(h.version),
		"services": services,
	})
}

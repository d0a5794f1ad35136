// Package statusapi serves the status of a live run over HTTP.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ShayCichocki/buildfix/internal/orchestrator"
	"github.com/ShayCichocki/buildfix/pkg/models"
)

// Controller is the run the server reports on and controls.
type Controller interface {
	Status() orchestrator.Status
	Activity(limit int) []orchestrator.Event
	IsPaused() bool
	Pause()
	Resume()
	Stop()
}

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 500
)

// Config holds HTTP server configuration.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:9464".
	Addr string
	// Gatherer backs /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// Server exposes health, status, task and metrics endpoints.
type Server struct {
	echo   *echo.Echo
	ctrl   Controller
	logger *zap.Logger
	config *Config
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

// ControlResponse is the response body for the control endpoints.
type ControlResponse struct {
	Action string `json:"action"`
	Paused bool   `json:"paused"`
}

// ActivityEntry is one event in the GET /api/v1/activity feed.
type ActivityEntry struct {
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	UnitID     string    `json:"unit_id,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// NewServer creates a status server for ctrl.
func NewServer(ctrl Controller, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("controller cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Addr: "127.0.0.1:9464"}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, ctrl: ctrl, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/tasks", s.handleTasks)
	v1.GET("/tasks/:id", s.handleTask)
	v1.GET("/activity", s.handleActivity)
	v1.POST("/pause", s.handleControl)
	v1.POST("/resume", s.handleControl)
	v1.POST("/stop", s.handleControl)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", RunID: s.ctrl.Status().RunID})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Status())
}

// handleTasks lists task states, optionally filtered by ?status=.
func (s *Server) handleTasks(c echo.Context) error {
	tasks := s.ctrl.Status().Tasks
	filter := c.QueryParam("status")
	if filter == "" {
		return c.JSON(http.StatusOK, tasks)
	}
	if !models.TaskStatus(filter).Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter))
	}

	out := make([]models.TaskState, 0, len(tasks))
	for _, t := range tasks {
		if string(t.Status) == filter {
			out = append(out, t)
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleTask(c echo.Context) error {
	id := c.Param("id")
	for _, t := range s.ctrl.Status().Tasks {
		if t.ID == id {
			return c.JSON(http.StatusOK, t)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("task %q not found", id))
}

// handleActivity returns recent events, oldest first. ?limit= caps the count.
func (s *Server) handleActivity(c echo.Context) error {
	limit := defaultActivityLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
		}
		limit = min(n, maxActivityLimit)
	}

	events := s.ctrl.Activity(limit)
	out := make([]ActivityEntry, 0, len(events))
	for _, e := range events {
		out = append(out, ActivityEntry{
			Type:       string(e.Type),
			TaskID:     e.TaskID,
			UnitID:     e.UnitID,
			Attempt:    e.Attempt,
			ExitCode:   e.ExitCode,
			Message:    e.Message,
			Timestamp:  e.Timestamp,
			DurationMs: e.Duration.Milliseconds(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleControl(c echo.Context) error {
	path := c.Path()
	var action string
	switch path {
	case "/api/v1/pause":
		action = "pause"
		s.ctrl.Pause()
	case "/api/v1/resume":
		action = "resume"
		s.ctrl.Resume()
	case "/api/v1/stop":
		action = "stop"
		s.ctrl.Stop()
	default:
		return echo.NewHTTPError(http.StatusNotFound)
	}
	s.logger.Info("control request", zap.String("action", action), zap.String("remote", c.RealIP()))
	return c.JSON(http.StatusAccepted, ControlResponse{Action: action, Paused: s.ctrl.IsPaused()})
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address. It blocks until the server
// stops and returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting status server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.echo.Shutdown(ctx)
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

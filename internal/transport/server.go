// Package transport serves the HTTP API: every POST under /api becomes a
// Requesting.request action in a new flow, and the handler writes back
// whatever the rules answer it with.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/roach88/syncflow/internal/config"
	"github.com/roach88/syncflow/internal/ir"
)

// RequestAction is the action every inbound request invokes.
const RequestAction ir.ActionRef = "Requesting.request"

// maxBodySize caps request bodies.
const maxBodySize = 1 << 20

// Engine starts flows. *engine.Engine satisfies it.
type Engine interface {
	NewFlow() string
	Invoke(ctx context.Context, flowToken string, ref ir.ActionRef, args ir.IRObject) (ir.Completion, error)
}

// Responses waits for a request's answer. *concepts.Requesting satisfies it.
type Responses interface {
	Await(ctx context.Context, request string) (ir.IRObject, error)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	engine    Engine
	responses Responses
	config    config.ServerConfig
	metrics   *Metrics
}

// NewServer creates a server. Run the engine's event loop before serving:
// handlers block until the request action has executed.
func NewServer(eng Engine, responses Responses, cfg config.ServerConfig) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if responses == nil {
		return nil, fmt.Errorf("responses are required")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("request timeout must be positive")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		engine:    eng,
		responses: responses,
		config:    cfg,
		metrics:   NewMetrics(),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.logRequests)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	if s.config.RateLimit > 0 {
		api.Use(limit(rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.RateBurst)))
	}
	api.POST("/*", s.handleRequest)
}

// logRequests logs every request and records its metrics.
func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		duration := time.Since(start)
		status := c.Response().Status

		s.metrics.observe(c.Path(), status, duration)
		slog.Info("http request",
			"method", c.Request().Method,
			"uri", c.Request().RequestURI,
			"status", status,
			"duration", duration,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return nil
	}
}

// limit rejects requests beyond the limiter's rate with 429.
func limit(l *rate.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !l.Allow() {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			}
			return next(c)
		}
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of failures the transport itself produces.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRequest turns POST /api/<path> into Requesting.request with
// {path: "/<path>", ...body} and answers with the response fields. A
// response carrying error is a 400; no response in time is a 504.
func (s *Server) handleRequest(c echo.Context) error {
	path := "/" + strings.TrimPrefix(c.Param("*"), "/")

	args, err := readBody(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
	}
	args["path"] = ir.IRString(path)

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.RequestTimeout)
	defer cancel()

	flow := s.engine.NewFlow()
	comp, err := s.engine.Invoke(ctx, flow, RequestAction, args)
	if err != nil {
		return s.fail(c, path, flow, err)
	}
	if comp.IsError() {
		slog.Error("request action failed", "path", path, "flow_token", flow, "error", comp.ErrorMessage())
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "request could not be recorded"})
	}
	request, ok := comp.Result["request"].(ir.IRString)
	if !ok {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "request action returned no id"})
	}

	response, err := s.responses.Await(ctx, string(request))
	if err != nil {
		return s.fail(c, path, flow, err)
	}

	status := http.StatusOK
	if _, failed := response[ir.ErrorField]; failed {
		status = http.StatusBadRequest
	}
	return c.JSON(status, response)
}

func (s *Server) fail(c echo.Context, path, flow string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("request timed out", "path", path, "flow_token", flow, "timeout", s.config.RequestTimeout)
		return c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "request timed out"})
	}
	if errors.Is(err, context.Canceled) {
		return c.NoContent(499)
	}
	slog.Error("request failed", "path", path, "flow_token", flow, "error", err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}

// readBody decodes a JSON object body. An empty body is an empty object.
func readBody(body io.Reader) (ir.IRObject, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ir.IRObject{}, nil
	}
	var args ir.IRObject
	if err := args.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return args, nil
}

// Handler exposes the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()
	slog.Info("starting http server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

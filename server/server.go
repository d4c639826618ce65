// Package server exposes an aidetect.Pipeline over HTTP with echo.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	aidetect "github.com/anatolykoptev/go-aidetect"
)

const (
	defaultMaxUploadBytes = 20 << 20 // 20MB per image
	defaultBodyLimit      = "1G"     // whole request; a full batch of large images
)

// Options configures the HTTP surface.
type Options struct {
	Version        string // reported by GET /
	MaxUploadBytes int64  // per uploaded image (default: 20MB)
	BodyLimit      string // echo body limit for the whole request (default: "1G")

	// AllowPrivateURLs lets /analyze/url fetch loopback, private and
	// link-local hosts. Off by default.
	AllowPrivateURLs bool
}

// Server serves analysis requests.
type Server struct {
	pipeline *aidetect.Pipeline
	opts     Options
	echo     *echo.Echo
}

// New builds the echo instance and registers routes.
func New(p *aidetect.Pipeline, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = defaultBodyLimit
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			slog.Error("aidetect: handler panic", "request_id", requestID(c), "error", err.Error(), "stack", string(stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"request_id", v.RequestID, "method", v.Method, "uri", v.URI,
				"status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("aidetect: request failed", append(attrs, "error", v.Error.Error())...)
				return nil
			}
			slog.Info("aidetect: request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	e.Use(middleware.CORS())

	s := &Server{pipeline: p, opts: opts, echo: e}

	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	api := e.Group("/api/v1")
	api.POST("/analyze", s.handleAnalyze)
	api.POST("/analyze/batch", s.handleBatch)
	api.POST("/analyze/url", s.handleURL)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	slog.Info("aidetect: listening", "addr", addr)
	s.echo.Server.ReadHeaderTimeout = 10 * time.Second
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// errorHandler renders every error as an ErrorResponse.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := ErrorBody{Code: string(aidetect.CodeInternal), Message: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		body.Code = http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			body.Message = msg
		}
	}
	if status >= http.StatusInternalServerError {
		slog.Error("aidetect: request error", "request_id", requestID(c), "error", err.Error())
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: body})
	}
	if err != nil {
		slog.Debug("aidetect: write error response", "error", err.Error())
	}
}

// Package api exposes the HTTP surface: multipart intake, approval,
// the paginated gallery, and the operational endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vialcounter/internal/service"
)

// DefaultMaxUploadBytes caps request bodies when no explicit limit is set.
const DefaultMaxUploadBytes = 10 << 20

// Options carries server tunables.
type Options struct {
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server owns the echo instance and routes requests into the service.
type Server struct {
	echo   *echo.Echo
	svc    *service.Service
	logger *slog.Logger
}

// New builds the HTTP server around the given service.
func New(svc *service.Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := opts.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, svc: svc, logger: logger.With(slog.String("component", "api"))}
	e.HTTPErrorHandler = s.handleError

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	e.Use(metricsMiddleware())
	e.Use(middleware.BodyLimit(strconv.FormatInt(maxBytes, 10)))

	e.POST("/process-image", s.processImage)
	e.POST("/save-result", s.saveResult)
	e.GET("/all-results", s.allResults)
	e.POST("/admin/sweep-orphans", s.sweepOrphans)
	e.GET("/healthz", s.healthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Start begins serving on the given address and blocks.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the server be used as an http.Handler in tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogURI:      true,
		LogError:    true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			switch {
			case v.Status >= http.StatusInternalServerError:
				level = slog.LevelError
			case v.Status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

// errorBody is the single error shape the API emits.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps a pipeline error to its HTTP status.
func statusFor(err error) int {
	var (
		verr *service.ValidationError
		nf   *service.NotFoundError
		up   *service.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &up):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleError translates the error taxonomy into `{error, details?}` bodies.
// Client-caused statuses carry the reason; server-side failures log it and
// return a generic message.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		body := errorBody{Error: http.StatusText(he.Code)}
		if he.Code == http.StatusRequestEntityTooLarge {
			body.Error = "uploaded file exceeds the size limit"
		} else if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
		if jerr := c.JSON(he.Code, body); jerr != nil {
			s.logger.Error("write error response", slog.String("error", jerr.Error()))
		}
		return
	}

	status := statusFor(err)
	var body errorBody
	switch status {
	case http.StatusBadRequest:
		body = errorBody{Error: "invalid request", Details: err.Error()}
	case http.StatusNotFound:
		body = errorBody{Error: "not found", Details: err.Error()}
	case http.StatusBadGateway:
		body = errorBody{Error: "detection service unavailable"}
	default:
		var nerr *service.NormalizationError
		if errors.As(err, &nerr) {
			body = errorBody{Error: "image could not be processed"}
		} else {
			body = errorBody{Error: "internal server error"}
		}
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	if jerr := c.JSON(status, body); jerr != nil {
		s.logger.Error("write error response", slog.String("error", jerr.Error()))
	}
}

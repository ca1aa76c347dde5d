package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chatrelay/chatrelay/internal/auth"
	"github.com/chatrelay/chatrelay/internal/config"
)

// Handler registers routes on the Echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo   *echo.Echo
	cfg    config.ServerConfig
	logger *slog.Logger
}

// requestValidator adapts go-playground/validator to Echo's Validator.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// publicPath reports whether the route is reachable without a JWT.
// Provider webhooks authenticate with their own mechanisms, never ours.
func publicPath(path string) bool {
	if path == "/ping" || path == "/health" {
		return true
	}
	return strings.HasPrefix(path, "/webhooks/")
}

func NewServer(cfg config.Config, logger *slog.Logger, handlers []Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			)
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(cfg.Auth.JWTSecret, func(c echo.Context) bool {
		return publicPath(c.Request().URL.Path)
	}))

	for _, h := range handlers {
		h.Register(e)
	}

	return &Server{echo: e, cfg: cfg.Server, logger: logger}
}

func (s *Server) Start() error {
	addr := s.cfg.Addr
	s.logger.Info("http server listening", slog.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Package api exposes the JIT access service over HTTP.
package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/jit-access/internal/health"
	"github.com/p-blackswan/jit-access/internal/metrics"
	"github.com/p-blackswan/jit-access/internal/requestid"
	"github.com/p-blackswan/jit-access/internal/workflow"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr string
	Auth       AuthConfig
	RateLimit  RateLimitConfig
}

// Server is the API Fiber application.
type Server struct {
	app    *fiber.App
	config ServerConfig
	logger zerolog.Logger
}

// NewServer creates and configures the API server.
func NewServer(cfg ServerConfig, wf *workflow.Workflow, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		config: cfg,
		logger: logger.With().Str("component", "api_server").Logger(),
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.New(c.UserContext())
		c.SetUserContext(ctx)
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.RateLimit.RPS > 0 {
		app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	app.Use(NewAuthMiddleware(cfg.Auth, logger))

	// Request logging, skipping probe noise.
	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("api request")
		return c.Next()
	})

	handlers := NewHandlers(wf, logger)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/readyz", func(c *fiber.Ctx) error {
		if !checker.IsReady(c.UserContext()) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not_ready"})
		}
		return c.JSON(fiber.Map{"status": "ready"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	v1 := app.Group("/v1")
	v1.Post("/requests", handlers.Submit)
	v1.Get("/requests", handlers.List)
	v1.Get("/requests/:id", handlers.Get)
	v1.Post("/requests/:id/approve", handlers.Approve)
	v1.Post("/requests/:id/deny", handlers.Deny)
	v1.Post("/requests/:id/revoke", handlers.Revoke)
	v1.Get("/requests/:id/audit", handlers.Audit)

	return s
}

// App returns the Fiber app (for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening. Blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("API server starting")
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

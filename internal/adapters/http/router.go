package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/fiber/v2/middleware/timeout"
	"github.com/gofiber/websocket/v2"

	"github.com/samirrijal/safewatch/internal/pkg/metrics"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	// RateLimit is requests per minute per IP; 0 disables limiting.
	RateLimit      int
	RequestTimeout time.Duration
}

// DefaultRouterConfig returns the production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{RateLimit: 600, RequestTimeout: 15 * time.Second}
}

// SetupRoutes registers all REST, GraphQL, and WebSocket routes.
func SetupRoutes(app *fiber.App, deps *Dependencies, cfg RouterConfig) {
	// Prometheus metrics
	app.Use(metrics.Middleware())
	app.Get("/metrics", metrics.Handler())

	// Request ID
	app.Use(requestid.New())

	// Propagate request ID into slog context
	app.Use(RequestIDLogMiddleware(deps.Logger))

	// Access logs (structured HTTP request logging)
	app.Use(AccessLogMiddleware())

	// Location samples arrive at device cadence; limit per IP, not per user.
	if cfg.RateLimit > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit,
			Expiration: 1 * time.Minute,
			KeyGenerator: func(c *fiber.Ctx) string {
				return c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return newError(c, 429, "rate_limited", "too many requests, please try again later")
			},
		}))
	}

	// Security headers + API version
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-API-Version", "1.0.0")
		return c.Next()
	})

	// Health & readiness (no timeout, fast internal checks)
	app.Get("/v1/health", HealthHandler(deps))
	app.Get("/v1/ready", ReadyHandler(deps))

	wrap := func(h fiber.Handler) fiber.Handler {
		if cfg.RequestTimeout <= 0 {
			return h
		}
		return timeout.NewWithContext(h, cfg.RequestTimeout)
	}

	v1 := app.Group("/v1")
	v1.Post("/users/:user_id/locations", wrap(EvaluateLocationHandler(deps)))
	v1.Get("/users/:user_id/memberships", wrap(MembershipsHandler(deps)))
	v1.Get("/users/:user_id/zones", wrap(UserZonesHandler(deps)))
	v1.Get("/users/:user_id/events", wrap(UserEventsHandler(deps)))
	v1.Get("/zones/:id", wrap(GetZoneHandler(deps)))
	v1.Put("/zones/:id", wrap(PutZoneHandler(deps)))
	v1.Delete("/zones/:id", wrap(DeleteZoneHandler(deps)))
	v1.Get("/deliveries/failed", wrap(FailedDeliveriesHandler(deps)))
	v1.Get("/deliveries/stats", wrap(DeliveryStatsHandler(deps)))

	// GraphQL
	app.Post("/graphql", GraphQLHandler(deps))

	// WebSocket
	if deps.NATS != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws", websocket.New(WebSocketHandler(deps.NATS)))
	}
}

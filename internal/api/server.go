// Package api exposes the cache and its admin operations over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/j-veylop/repcache/internal/cache"
	"github.com/j-veylop/repcache/internal/logger"
	"github.com/j-veylop/repcache/internal/models"
	"github.com/j-veylop/repcache/internal/version"
)

// Service is the subset of the manager the HTTP layer needs.
type Service interface {
	Resolve(ctx context.Context, qt models.QueryType, key string, force bool) (*cache.Result, error)
	Expire(ctx context.Context, qt models.QueryType, key string) (bool, error)
	Invalidate(ctx context.Context, qt models.QueryType, key string) (bool, error)
	Clear(ctx context.Context, qt models.QueryType) (int64, error)
	Sweep(ctx context.Context) (int64, error)
	CacheStats(ctx context.Context) (*models.CacheStats, error)
	TopEntries(ctx context.Context, limit int) ([]models.CacheEntry, error)
	QuotaStatus(ctx context.Context) (models.QuotaStatus, error)
	RecentCalls(ctx context.Context, limit int) ([]models.APICall, error)
	Usage(ctx context.Context, hours int) (*models.UsageStats, error)
	RefreshWatchlist(ctx context.Context) (cache.BatchReport, error)
	Ping(ctx context.Context) error
}

// Config holds configuration for the HTTP server.
type Config struct {
	Addr string
	// AdminToken guards the admin routes. Empty leaves them open.
	AdminToken string
}

// Server is the HTTP front end.
type Server struct {
	app      *fiber.App
	svc      Service
	registry *prometheus.Registry
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
	config   Config
}

// New creates the server and registers every route.
func New(svc Service, registry *prometheus.Registry, config Config) *Server {
	s := &Server{
		svc:      svc,
		registry: registry,
		validate: validator.New(),
		log:      logger.Component("api"),
		now:      time.Now,
		config:   config,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "repcache " + version.GetVersion(),
		DisableStartupMessage: true,
		Immutable:             true,
		UnescapePath:          true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		JSONEncoder:           jsonAPI.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	if config.AdminToken == "" {
		s.log.Warn("admin routes are unauthenticated, set ADMIN_TOKEN to protect them")
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", s.metrics)

	v1 := s.app.Group("/api/v1")
	v1.Get("/enrich/:type/*", s.enrich)

	admin := v1.Group("/admin", s.requireAdmin)
	admin.Post("/refresh", s.refresh)
	admin.Post("/expire", s.expire)
	admin.Delete("/cache/:type/*", s.invalidate)
	admin.Delete("/cache", s.clear)
	admin.Post("/sweep", s.sweep)
	admin.Get("/cache/stats", s.cacheStats)
	admin.Get("/cache/top", s.top)
	admin.Get("/quota", s.quota)
	admin.Get("/calls", s.calls)
	admin.Get("/usage", s.usage)
	admin.Post("/watchlist/refresh", s.refreshWatchlist)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.log.Info("http server listening", "addr", s.config.Addr)
	return s.app.Listen(s.config.Addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
	)
	return err
}

func (s *Server) requireAdmin(c *fiber.Ctx) error {
	if s.config.AdminToken == "" {
		return c.Next()
	}
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
		return fiber.NewError(fiber.StatusUnauthorized, "Unauthorized")
	}
	return c.Next()
}

func (s *Server) health(c *fiber.Ctx) error {
	if err := s.svc.Ping(c.UserContext()); err != nil {
		s.log.Warn("health check failed", "error", err)
		return respond(c, fiber.StatusServiceUnavailable, "Unhealthy", fiber.Map{"status": "unhealthy"})
	}
	return respondOK(c, fiber.Map{
		"status":    "healthy",
		"version":   version.GetVersion(),
		"timestamp": s.now().Unix(),
	})
}

func (s *Server) metrics(c *fiber.Ctx) error {
	handler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return adaptor.HTTPHandler(handler)(c)
}

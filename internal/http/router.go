package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docbatch/internal/config"
	"docbatch/internal/metrics"
	"docbatch/internal/model"
)

// BatchStore is the read side of the unit store used by the API.
type BatchStore interface {
	Ping(ctx context.Context) error
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)
	ListUnits(ctx context.Context, batchID uuid.UUID, statuses ...model.UnitStatus) ([]model.Unit, error)
}

// Dispatcher accepts uploads and administrative batch operations.
type Dispatcher interface {
	Submit(ctx context.Context, archiveName string, r io.Reader) (model.Batch, error)
	Requeue(ctx context.Context, batchID uuid.UUID) (int, error)
	Delete(ctx context.Context, batchID uuid.UUID) error
}

// BundleBuilder rebuilds the archive of a finished batch.
type BundleBuilder interface {
	RebuildBundle(ctx context.Context, batchID uuid.UUID) (model.Batch, error)
}

// Deps are the collaborators the API needs. Redis may be nil.
type Deps struct {
	Store      BatchStore
	Dispatcher Dispatcher
	Bundles    BundleBuilder
	Redis      *redis.Client
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bodyLimit := cfg.Server.MaxUploadBytes
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}
	app := fiber.New(fiber.Config{
		AppName:               "docbatch",
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(requestLogger(logger))

	app.Get("/healthz", healthHandler(deps))

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	h := &batchHandlers{deps: deps, logger: logger}
	registerV1Routes(app.Group("/v1"), h)

	return &Server{
		app:    app,
		config: cfg,
		logger: logger,
	}
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("api listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerV1Routes(group fiber.Router, h *batchHandlers) {
	group.Post("/batches", h.submit)
	group.Get("/batches/:id", h.detail)
	group.Get("/batches/:id/download", h.download)
	group.Post("/batches/:id/bundle", h.rebuildBundle)
	group.Post("/batches/:id/requeue", h.requeue)
	group.Delete("/batches/:id", h.remove)
}

func healthHandler(deps Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		dbStatus := "ok"
		if err := deps.Store.Ping(ctx); err != nil {
			dbStatus = "error"
		}

		redisStatus := "disabled"
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		code := fiber.StatusOK
		if dbStatus != "ok" || redisStatus == "error" {
			status = "error"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	}
}

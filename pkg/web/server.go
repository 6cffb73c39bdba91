package web

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/convoflow/pkg/metrics"
)

// NewApp builds the fiber application with every route mounted. m may be nil.
func NewApp(handlers *APIHandlers, m *metrics.Metrics, log *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "convoflow"})

	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	if m != nil {
		app.Use(requestMetrics(m))
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/health", handlers.HealthCheck)

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("convoflow API")
	})

	handlers.Routes(app.Group("/orgs/:orgId"))

	log.Info("HTTP routes mounted", "module", "web", "routes", len(app.GetRoutes(true)))

	return app
}

// Routes mounts the organization scoped endpoints on r.
func (h *APIHandlers) Routes(r fiber.Router) {
	flows := r.Group("/flows")
	flows.Post("/", h.CreateFlow)
	flows.Get("/", h.ListFlows)
	flows.Get("/:flowId", h.GetFlow)
	flows.Patch("/:flowId", h.UpdateFlow)
	flows.Delete("/:flowId", h.DeleteFlow)
	flows.Post("/:flowId/publish", h.PublishFlow)
	flows.Post("/:flowId/unpublish", h.UnpublishFlow)
	flows.Get("/:flowId/executions", h.ListExecutions)
	flows.Get("/:flowId/jobs", h.ListFlowJobs)

	r.Get("/executions/:executionId", h.GetExecution)

	jobs := r.Group("/jobs")
	jobs.Get("/", h.ListJobs)
	jobs.Post("/", h.ScheduleFollowUp)
	jobs.Delete("/:jobId", h.CancelJob)

	r.Post("/events", h.ReceiveEvent)
	r.Get("/node-kinds", h.ListNodeKinds)
}

func requestMetrics(m *metrics.Metrics) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()

		var fiberErr *fiber.Error
		if err != nil && errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}

		m.RecordHTTPRequest(c.Method(), c.Route().Path, strconv.Itoa(status), time.Since(start))

		return err
	}
}

package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/queue"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger
	client queue.Client

	// Handlers
	taskHandler   *TaskHandler
	queueHandler  *QueueHandler
	resultHandler *ResultHandler
	leaseHandler  *LeaseHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config        *config.ServerConfig
	Logger        *slog.Logger
	Client        queue.Client
	TaskHandler   *TaskHandler
	QueueHandler  *QueueHandler
	ResultHandler *ResultHandler
	LeaseHandler  *LeaseHandler
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           deps.Config.ReadTimeout,
		WriteTimeout:          deps.Config.WriteTimeout,
		IdleTimeout:           deps.Config.IdleTimeout,
		ErrorHandler:          customErrorHandler,
	})

	s := &Server{
		app:           app,
		config:        deps.Config,
		logger:        deps.Logger,
		client:        deps.Client,
		taskHandler:   deps.TaskHandler,
		queueHandler:  deps.QueueHandler,
		resultHandler: deps.ResultHandler,
		leaseHandler:  deps.LeaseHandler,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// registerRoutes sets up all API routes. Handlers left nil in ServerDeps
// are not mounted.
func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.healthCheck)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	if s.taskHandler != nil {
		v1.Post("/tasks", s.taskHandler.Submit)
		v1.Get("/tasks/types", s.taskHandler.Types)
	}

	if s.queueHandler != nil {
		v1.Get("/queues", s.queueHandler.List)
		v1.Get("/queues/:name", s.queueHandler.Get)
	}

	// Task results from the status side channel
	if s.resultHandler != nil {
		v1.Get("/results", s.resultHandler.List)
		v1.Get("/results/:messageId", s.resultHandler.Get)
	}

	if s.leaseHandler != nil {
		v1.Get("/leases", s.leaseHandler.List)
	}
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	resp := map[string]any{"status": "healthy"}
	if s.client != nil {
		resp["queues"] = s.client.ListQueues(c.Context())
	}
	return Success(c, resp)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		code := ErrCodeInternalError
		if e.Code == fiber.StatusNotFound {
			code = ErrCodeNotFound
		}
		return Error(c, e.Code, code, e.Message)
	}

	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}

// Package api provides the REST control surface of a running test.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/types"
)

// Status is the response of GET /v1/status.
type Status struct {
	ID                  string         `json:"id"`
	State               types.RunState `json:"state"`
	Reason              string         `json:"reason,omitempty"`
	Running             bool           `json:"running"`
	VUs                 int            `json:"vus"`
	TargetVUs           int            `json:"target_vus"`
	MaxVUs              int            `json:"max_vus"`
	Stage               int            `json:"stage"`
	Iterations          int64          `json:"iterations"`
	ElapsedMs           int64          `json:"elapsed_ms"`
	ThresholdsBreached  []string       `json:"thresholds_breached,omitempty"`
	ThresholdsEvaluated int            `json:"thresholds_evaluated"`
}

// ControlSurface gives the API access to a running test without importing the
// engine. All functions must be safe for concurrent use.
type ControlSurface struct {
	GetStatus  func() Status
	GetMetrics func() []types.MetricSummary
	Stop       func(reason string)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Config holds the configuration for the control API.
type Config struct {
	// Address is the address to listen on (e.g., "localhost:6565").
	Address      string        `yaml:"address" env:"PERFSEC_API_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      "localhost:6565",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server represents the control API server.
type Server struct {
	app      *fiber.App
	cs       *ControlSurface
	config   *Config
	log      *zap.Logger
	gatherer prometheus.Gatherer
}

// NewServer creates a server. gatherer backs GET /metrics; nil uses the
// default Prometheus registry.
func NewServer(cs *ControlSurface, gatherer prometheus.Gatherer, config *Config, log *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "perfsec",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	s := &Server{app: app, cs: cs, config: config, log: log.Named("api"), gatherer: gatherer}
	s.app.Use(fiberrecover.New())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.app.Group("/v1")
	v1.Get("/status", s.getStatus)
	v1.Get("/metrics", s.getMetrics)
	v1.Post("/stop", s.stop)

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) getStatus(c *fiber.Ctx) error {
	if s.cs == nil || s.cs.GetStatus == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no run attached")
	}
	return c.JSON(s.cs.GetStatus())
}

func (s *Server) getMetrics(c *fiber.Ctx) error {
	if s.cs == nil || s.cs.GetMetrics == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no run attached")
	}
	return c.JSON(fiber.Map{"metrics": s.cs.GetMetrics()})
}

// StopRequest is the optional body of POST /v1/stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) stop(c *fiber.Ctx) error {
	if s.cs == nil || s.cs.Stop == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "no run attached")
	}
	var req StopRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if req.Reason == "" {
		req.Reason = "stopped via api"
	}
	s.log.Info("收到停止请求", zap.String("reason", req.Reason))
	s.cs.Stop(req.Reason)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"stopping": true, "reason": req.Reason})
}

// StartWithContext serves until ctx is done, then shuts down.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.app.ShutdownWithTimeout(time.Second)
	case err := <-errCh:
		return err
	}
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}

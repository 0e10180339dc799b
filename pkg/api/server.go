// Package api exposes the HTTP control plane: conversations, streaming,
// cost and breaker administration, workflows, and benchmarks.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conclave-ai/conclave/pkg/benchmark"
	"github.com/conclave-ai/conclave/pkg/breaker"
	"github.com/conclave-ai/conclave/pkg/budget"
	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/database"
	"github.com/conclave-ai/conclave/pkg/ledger"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/models"
	"github.com/conclave-ai/conclave/pkg/orchestrator"
	"github.com/conclave-ai/conclave/pkg/stream"
	"github.com/conclave-ai/conclave/pkg/workflow"
	"github.com/redis/go-redis/v9"
)

// ConversationRunner runs one conversation to completion. Satisfied by
// *orchestrator.Orchestrator.
type ConversationRunner interface {
	Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (models.ConversationResult, error)
}

// Deps wires the server's collaborators. DB, Redis, Streams, and Relay
// are optional; handlers that need a missing dependency return 503.
type Deps struct {
	Config     *config.Config
	Orch       ConversationRunner
	Workflows  *workflow.Executor
	Benchmarks *benchmark.Runner
	Suite      []benchmark.Scenario
	Breaker    *breaker.Breaker
	Ledger     *ledger.Ledger
	Monitor    *budget.Monitor
	Streams    *stream.Manager
	Relay      *stream.Publisher
	Fanout     *stream.Fanout
	DB         *database.Client
	Redis      *redis.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps Deps
	echo *echo.Echo
	http *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}
	s.echo = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	if s.deps.Metrics != nil {
		h := promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{})
		e.GET("/metrics", func(c *echo.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	v1 := e.Group("/api/v1")
	v1.GET("/health", s.healthHandler)

	v1.POST("/conversation", s.createConversationHandler)
	v1.GET("/conversation/stream", s.wsConversationHandler)

	v1.GET("/costs/current", s.currentCostHandler)
	v1.GET("/budget/status", s.budgetStatusHandler)
	v1.POST("/budget/limits", s.setBudgetLimitsHandler)
	v1.GET("/circuit-breaker", s.breakerViewHandler)
	v1.POST("/circuit-breaker/override", s.breakerOverrideHandler)

	v1.POST("/workflows/:id/execute", s.executeWorkflowHandler)
	v1.GET("/workflows/executions/:id", s.getExecutionHandler)
	v1.POST("/workflows/executions/:id/cancel", s.cancelExecutionHandler)

	v1.POST("/benchmark/run", s.runBenchmarkHandler)

	return e
}

// ServeHTTP implements http.Handler for tests and embedding.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr and serves until Shutdown. Returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting new requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

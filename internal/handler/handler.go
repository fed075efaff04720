// Package handler serves the HTTP API.
//
// Handlers are organized by resource (latency series, raw samples, servers,
// ingestion) and share one error envelope:
//
//	{"error": {"kind": "NotFound", "message": "..."}}
//
// The status code follows errors.HTTPStatus.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/inventory"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/query"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("http")

// SeriesQuerier answers latency queries.
type SeriesQuerier interface {
	GetSeries(ctx context.Context, req query.Request) (*query.Series, error)
	RawSamples(ctx context.Context, serverID string, since time.Time) ([]types.Sample, error)
}

// Ingester accepts sample batches.
type Ingester interface {
	Ingest(ctx context.Context, source string, samples []types.Sample) (ingestion.Result, error)
}

// Inventory lists servers and their load history.
type Inventory interface {
	Servers() []inventory.Server
	States(serverID string, since time.Time) ([]inventory.ServerState, error)
}

// Config holds handler dependencies. Ingester, Metrics and Health may be nil.
type Config struct {
	Query     SeriesQuerier
	Ingester  Ingester
	Inventory Inventory
	Metrics   *metrics.Metrics

	// Health reports backend health for /health.
	Health func(ctx context.Context) error

	// MaxIngestBatch bounds POST /api/samples.
	MaxIngestBatch int
}

// Handler is the HTTP request handler.
type Handler struct {
	query     SeriesQuerier
	ingester  Ingester
	inventory Inventory
	metrics   *metrics.Metrics
	health    func(ctx context.Context) error
	maxBatch  int
	started   time.Time
}

// New creates a handler.
func New(cfg Config) *Handler {
	if cfg.MaxIngestBatch <= 0 {
		cfg.MaxIngestBatch = 10_000
	}
	return &Handler{
		query:     cfg.Query,
		ingester:  cfg.Ingester,
		inventory: cfg.Inventory,
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		maxBatch:  cfg.MaxIngestBatch,
		started:   time.Now(),
	}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), h.observe())

	r.GET("/health", h.getHealth)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := r.Group("/api")
	{
		api.GET("/monitors/:serverId/latency", h.getLatency)
		api.GET("/tcping/:serverId", h.getRawSamples)
		api.GET("/servers", h.getServers)
		api.GET("/service/:serverId", h.getServerStates)
		if h.ingester != nil {
			api.POST("/samples", h.postSamples)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		writeError(c, errors.NewNotFound("route", c.Request.URL.Path))
	})

	return r
}

// =============================================================================
// Error Handling
// =============================================================================

// HandlerError is the JSON error body.
type HandlerError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error HandlerError `json:"error"`
}

// ToHandlerError maps any error to its JSON form.
func ToHandlerError(err error) HandlerError {
	kind := errors.Kind(err)
	if kind == "" || kind == errors.CodeName(errors.CodeUnknown) {
		kind = errors.CodeName(errors.CodeInternal)
	}
	return HandlerError{Kind: kind, Message: err.Error()}
}

func writeError(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(c.Request.Context()).Warn("request failed",
			"component", "http",
			"path", c.FullPath(),
			"status", status,
			"error", err)
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Error: ToHandlerError(err)})
}

func badParam(param string, format string, args ...any) error {
	return errors.NewInvalidRequest(param, fmt.Sprintf(format, args...))
}

// =============================================================================
// Health
// =============================================================================

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) getHealth(c *gin.Context) {
	resp := healthResponse{
		Status: "healthy",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	}

	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

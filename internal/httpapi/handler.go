// Package httpapi serves a read-only JSON view of a store backend.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/getpup/cqrsstore/es"
	"github.com/getpup/cqrsstore/es/store"
)

// Handler exposes events, snapshots and queries of any aggregate type
// stored in one backend. Payloads are returned as stored: inline when they
// are JSON, base64 otherwise.
type Handler struct {
	backend store.Backend
	logger  es.Logger
}

// NewHandler creates a handler over backend. logger may be nil.
func NewHandler(backend store.Backend, logger es.Logger) *Handler {
	return &Handler{backend: backend, logger: logger}
}

// RegisterRoutes registers the API routes on router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", h.Health)
	aggregates := router.Group("/aggregates/:type/:id")
	{
		aggregates.GET("/events", h.GetEvents)
		aggregates.GET("/snapshot", h.GetSnapshot)
		aggregates.GET("/queries/:query", h.GetQuery)
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// GetEvents returns the aggregate's events, optionally only those after
// the sequence given by the after query parameter.
func (h *Handler) GetEvents(c *gin.Context) {
	aggregateType, aggregateID := c.Param("type"), c.Param("id")

	var after int64
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = n
	}

	resp, err := LoadEvents(c.Request.Context(), h.backend, h.logger, aggregateType, aggregateID, after)
	if err != nil {
		h.fail(c, "failed to load events", aggregateType, aggregateID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetSnapshot returns the aggregate's snapshot, version 0 when none exists.
func (h *Handler) GetSnapshot(c *gin.Context) {
	aggregateType, aggregateID := c.Param("type"), c.Param("id")

	resp, err := LoadSnapshot(c.Request.Context(), h.backend, h.logger, aggregateType, aggregateID)
	if err != nil {
		h.fail(c, "failed to load snapshot", aggregateType, aggregateID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetQuery returns one query projection, version 0 when none exists.
func (h *Handler) GetQuery(c *gin.Context) {
	aggregateType, aggregateID, queryType := c.Param("type"), c.Param("id"), c.Param("query")

	resp, err := LoadQuery(c.Request.Context(), h.backend, h.logger, aggregateType, aggregateID, queryType)
	if err != nil {
		h.fail(c, "failed to load query", aggregateType, aggregateID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) fail(c *gin.Context, msg, aggregateType, aggregateID string, err error) {
	if h.logger != nil {
		h.logger.Error(c.Request.Context(), msg,
			"aggregate_type", aggregateType,
			"aggregate_id", aggregateID,
			"error", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

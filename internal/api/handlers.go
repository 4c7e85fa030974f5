// Package api is the admin HTTP/WS surface fronting the asset engine: a
// thin gin layer over the get orchestrator and update scheduler, plus a
// websocket stream of observer bus events for operators.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/listward/assetengine/internal/assets/get"
	"github.com/listward/assetengine/internal/assets/observer"
	"github.com/listward/assetengine/internal/assets/scheduler"
	"github.com/listward/assetengine/internal/assets/sourceregistry"
)

// Handlers wraps the collaborators an admin request may touch.
type Handlers struct {
	get       *get.Orchestrator
	scheduler *scheduler.Scheduler
	sources   *sourceregistry.Registry
	bus       *observer.Bus
}

// NewHandlers creates a Handlers bound to the given collaborators.
func NewHandlers(g *get.Orchestrator, s *scheduler.Scheduler, sources *sourceregistry.Registry, bus *observer.Bus) *Handlers {
	return &Handlers{get: g, scheduler: s, sources: sources, bus: bus}
}

// HandleGetAsset serves GET /assets/:key, resolving key via the get
// orchestrator (cache-first, falling back to the source registry).
func (h *Handlers) HandleGetAsset(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}

	opts := get.Options{NeedSourceURL: c.Query("sourceURL") == "true"}
	result := h.get.Get(c.Request.Context(), key, opts)
	if result.Error != "" {
		c.JSON(http.StatusNotFound, gin.H{"assetKey": key, "error": result.Error})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assetKey":  result.AssetKey,
		"content":   result.Content,
		"sourceURL": result.SourceURL,
	})
}

// HandleDeleteAsset serves DELETE /assets/:key, purging key from the
// source registry along with its cache entry and content blob.
func (h *Handlers) HandleDeleteAsset(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing key"})
		return
	}

	if err := h.sources.Unregister(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// updateRequest is the POST /update body.
type updateRequest struct {
	DelayMillis int64 `json:"delayMillis"`
	Auto        bool  `json:"auto"`
}

// HandleUpdateStart serves POST /update, starting a cycle or shortening the
// pacing of one already in progress.
func (h *Handlers) HandleUpdateStart(c *gin.Context) {
	var req updateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	requestID := uuid.NewString()
	c.Header("X-Request-Id", requestID)

	h.scheduler.UpdateStart(c.Request.Context(), scheduler.StartOptions{
		Delay: time.Duration(req.DelayMillis) * time.Millisecond,
		Auto:  req.Auto,
	})
	c.JSON(http.StatusAccepted, gin.H{"requestId": requestID})
}

// HandleUpdateStop serves POST /update/stop, cancelling the next scheduled
// tick without aborting any in-flight fetch.
func (h *Handlers) HandleUpdateStop(c *gin.Context) {
	h.scheduler.UpdateStop()
	c.Status(http.StatusNoContent)
}

// HandleStatus serves GET /status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     statusString(h.scheduler.Status()),
		"isUpdating": h.scheduler.IsUpdating(),
	})
}

func statusString(s scheduler.Status) string {
	if s == scheduler.Updating {
		return "updating"
	}
	return "idle"
}

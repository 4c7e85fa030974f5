package api

import (
	"github.com/gin-gonic/gin"
)

// NewEngine builds the gin engine serving the admin surface. debug toggles
// gin's own verbose logging mode, independent of the engine's own debug
// fetch mode.
func NewEngine(h *Handlers, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	RegisterRoutes(engine.Group("/"), h)
	return engine
}

// RegisterRoutes registers the admin surface under rg: asset retrieval,
// update control, status, and the live event stream.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	assets := rg.Group("/assets")
	{
		assets.GET("/:key", h.HandleGetAsset)
		assets.DELETE("/:key", h.HandleDeleteAsset)
	}

	update := rg.Group("/update")
	{
		update.POST("", h.HandleUpdateStart)
		update.POST("/stop", h.HandleUpdateStop)
	}

	rg.GET("/status", h.HandleStatus)
	rg.GET("/events", h.HandleEvents)
}

package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evdnx/trendcore/permission"
)

// permissionRequest is the body of POST /permission.
type permissionRequest struct {
	Allow  *bool      `json:"allow" binding:"required"`
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until"`
}

// newRouter builds the operator surface: the trade-permission gate and the
// Prometheus scrape endpoint.
func newRouter(gate *permission.Gate) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok\n")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/permission", func(c *gin.Context) {
		c.JSON(http.StatusOK, gate.Status())
	})
	r.POST("/permission", func(c *gin.Context) {
		var req permissionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !*req.Allow && req.Reason == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required when withholding permission"})
			return
		}
		gate.Set(*req.Allow, req.Reason, req.Until)
		c.JSON(http.StatusOK, gate.Status())
	})
	r.DELETE("/permission", func(c *gin.Context) {
		gate.Clear()
		c.JSON(http.StatusOK, gate.Status())
	})
	return r
}

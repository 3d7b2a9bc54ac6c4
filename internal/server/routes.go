package server

import (
	"github.com/gin-gonic/gin"

	"scantrack/internal/allocator"
)

// SetupRoutes wires the API onto a router.
func SetupRoutes(router *gin.Engine, svc *allocator.Service, metrics *Metrics) {
	router.GET("/healthz", Healthz())
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/instruments", ListInstruments(svc))
		v1.GET("/instruments/:name", GetInstrument(svc))
		v1.PUT("/instruments/:name", PutInstrument(svc))
		v1.GET("/instruments/:name/numbers", GetNumbers(svc, metrics))
		v1.POST("/instruments/:name/scan", AllocateScan(svc, metrics))
		v1.POST("/instruments/:name/paths", RenderPaths(svc))
		v1.GET("/instruments/:name/history", GetHistory(svc))
	}
}

package gateway

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/collabhub/internal/monitoring"
	"github.com/charlesng35/collabhub/pkg/response"
)

// MemoryStats is the process memory section of the /health body, in bytes.
type MemoryStats struct {
	Sys       uint64 `json:"sys"`
	HeapAlloc uint64 `json:"heapAlloc"`
	HeapInuse uint64 `json:"heapInuse"`
	HeapSys   uint64 `json:"heapSys"`
	StackSys  uint64 `json:"stackSys"`
}

// Status is the /health body.
type Status struct {
	Status      string      `json:"status"`
	Connections int64       `json:"connections"`
	Uptime      float64     `json:"uptime"`
	Memory      MemoryStats `json:"memory"`
}

func registerHealthRoutes(r *gin.Engine, rt *router, cfg Config) {
	started := cfg.StartedAt
	r.GET("/health", rt.plain(func(c *gin.Context) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		c.JSON(http.StatusOK, Status{
			Status:      "ok",
			Connections: rt.connections.Load(),
			Uptime:      time.Since(started).Seconds(),
			Memory: MemoryStats{
				Sys:       ms.Sys,
				HeapAlloc: ms.HeapAlloc,
				HeapInuse: ms.HeapInuse,
				HeapSys:   ms.HeapSys,
				StackSys:  ms.StackSys,
			},
		})
	}))

	mon := cfg.Monitoring
	if mon == nil || mon.Health() == nil {
		r.GET("/health/live", rt.plain(disabledHealthHandler))
		r.GET("/health/ready", rt.plain(disabledHealthHandler))
		return
	}

	manager := mon.Health()
	r.GET("/health/live", rt.plain(func(c *gin.Context) {
		writeHealthReport(c, manager.EvaluateLiveness(c.Request.Context()))
	}))
	r.GET("/health/ready", rt.plain(func(c *gin.Context) {
		writeHealthReport(c, manager.EvaluateReadiness(c.Request.Context()))
	}))
	r.GET("/health/summary", rt.plain(func(c *gin.Context) {
		response.Success(c, http.StatusOK, mon.Summary())
	}))
}

func disabledHealthHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"status":  "disabled",
	})
}

func writeHealthReport(c *gin.Context, report monitoring.HealthReport) {
	status := http.StatusOK
	if !report.Success {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"success":    report.Success,
		"status":     report.Status,
		"checks":     report.Checks,
		"checked_at": report.CheckedAt,
	})
}

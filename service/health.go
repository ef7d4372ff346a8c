package service

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health reports liveness plus basic host load.
func Health(started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
			"uptime": time.Since(started).Round(time.Second).String(),
		}
		// a zero interval compares against the previous call instead of blocking
		if usage, err := cpu.Percent(0, false); err == nil && len(usage) > 0 {
			info["cpu_usage"] = usage[0]
		}
		if memInfo, err := mem.VirtualMemory(); err == nil {
			info["memory_total"] = memInfo.Total
			info["memory_used"] = memInfo.Used
			info["memory_used_percent"] = memInfo.UsedPercent
		}
		c.JSON(http.StatusOK, info)
	}
}

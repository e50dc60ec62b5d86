package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/psantana5/trailscan/pkg/cleanup"
	"github.com/psantana5/trailscan/pkg/logging"
	"github.com/psantana5/trailscan/pkg/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var startTime = time.Now()

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status     string                     `json:"status"`
	Uptime     string                     `json:"uptime"`
	Dispatcher DispatcherHealth           `json:"dispatcher"`
	Jobs       map[models.JobStatus]int   `json:"jobs"`
	Batches    map[models.BatchStatus]int `json:"batches"`
	Host       HostHealth                 `json:"host"`
	Cleanup    *cleanup.Stats             `json:"cleanup,omitempty"`
}

type DispatcherHealth struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Limit  int `json:"limit"`
}

type HostHealth struct {
	CPUThreads     int     `json:"cpu_threads"`
	MemTotalBytes  uint64  `json:"mem_total_bytes,omitempty"`
	MemUsedPercent float64 `json:"mem_used_percent,omitempty"`
	Goroutines     int     `json:"goroutines"`
}

// Health returns service and host status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active, queued := h.dispatcher.Stats()
	stats := h.registry.Stats()

	resp := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(startTime).Round(time.Second).String(),
		Dispatcher: DispatcherHealth{
			Active: active,
			Queued: queued,
			Limit:  h.dispatcher.Limit(),
		},
		Jobs:    stats.JobsByStatus,
		Batches: stats.BatchesByStatus,
		Host:    hostHealth(r, h.logger),
	}
	if h.cleanup != nil {
		s := h.cleanup.GetStats()
		resp.Cleanup = &s
	}

	writeJSON(w, http.StatusOK, resp)
}

func hostHealth(r *http.Request, logger *logging.Logger) HostHealth {
	host := HostHealth{
		CPUThreads: runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}

	if n, err := cpu.CountsWithContext(r.Context(), true); err == nil && n > 0 {
		host.CPUThreads = n
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		host.MemTotalBytes = vm.Total
		host.MemUsedPercent = vm.UsedPercent
	} else {
		logger.Debug("Could not read host memory", logging.Fields{"error": err})
	}
	return host
}

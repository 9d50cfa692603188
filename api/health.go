package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/malwarebo/mentorpay/observability"
)

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type MetricsResponse struct {
	GoRoutines int                    `json:"goroutines"`
	Memory     Memory                 `json:"memory"`
	Uptime     string                 `json:"uptime"`
	Counters   []observability.Metric `json:"counters"`
}

type Memory struct {
	Alloc      uint64 `json:"alloc"`
	TotalAlloc uint64 `json:"total_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
}

// Pinger is satisfied by the database handle and the Redis cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

var startTime = time.Now()

type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

func CreateHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		timeout: 2 * time.Second,
	}
}

// HandleHealth reports 503 when any dependency fails its ping so that load
// balancers stop routing webhooks to an instance that cannot persist them.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
		Checks:    make(map[string]string, len(names)),
	}
	status := http.StatusOK

	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			response.Checks[name] = err.Error()
			response.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		response.Checks[name] = "ok"
	}

	writeJSON(w, status, response)
}

func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, http.StatusOK, MetricsResponse{
		GoRoutines: runtime.NumGoroutine(),
		Memory: Memory{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			NumGC:      m.NumGC,
		},
		Uptime:   time.Since(startTime).String(),
		Counters: observability.Snapshot(),
	})
}

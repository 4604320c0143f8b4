package handlers

import (
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/watzon/fngate/internal/functions"
	"github.com/watzon/fngate/internal/scheduler"
)

// HealthStatus grades the gateway and each of its parts.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is one entry in a health report.
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      HealthStatus               `json:"status"`
	Version     string                     `json:"version"`
	Uptime      string                     `json:"uptime"`
	Timestamp   string                     `json:"timestamp"`
	Maintenance bool                       `json:"maintenance"`
	Components  map[string]ComponentHealth `json:"components"`
}

// HealthHandlers reports whether the route table can actually be served:
// whether functions are loaded, whether the executables their runtimes
// need are on PATH, and whether scheduled runs are failing.
type HealthHandlers struct {
	registry    *functions.Registry
	scheduler   *scheduler.Scheduler
	maintenance Maintenance
	version     string
	started     time.Time

	// LookPath resolves runtime executables. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

func NewHealthHandlers(registry *functions.Registry, sched *scheduler.Scheduler, maintenance Maintenance, version string) *HealthHandlers {
	return &HealthHandlers{
		registry:    registry,
		scheduler:   sched,
		maintenance: maintenance,
		version:     version,
		started:     time.Now(),
		LookPath:    exec.LookPath,
	}
}

// Health answers 200 while any function can run and 503 otherwise.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]ComponentHealth{
		"functions": h.checkFunctions(),
		"runtimes":  h.checkRuntimes(),
	}
	if h.scheduler != nil {
		components["scheduler"] = h.checkScheduler()
	}

	resp := HealthResponse{
		Status:     worst(components),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}
	if h.maintenance != nil {
		resp.Maintenance = h.maintenance.Maintenance()
	}

	status := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}

func worst(components map[string]ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range components {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func (h *HealthHandlers) checkFunctions() ComponentHealth {
	if h.registry == nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "no function registry"}
	}
	n := len(h.registry.Table().Functions())
	if n == 0 {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "no functions loaded"}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d functions loaded", n)}
}

// checkRuntimes degrades when a runtime used by a loaded function has no
// executable. Those functions answer with a FatalError until it appears.
func (h *HealthHandlers) checkRuntimes() ComponentHealth {
	if h.registry == nil {
		return ComponentHealth{Status: HealthStatusHealthy}
	}
	commands := h.registry.Commands()
	if len(commands) == 0 {
		return ComponentHealth{Status: HealthStatusHealthy, Message: "native functions only"}
	}

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string
	for _, name := range names {
		if _, err := h.LookPath(commands[name]); err != nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", name, commands[name]))
		}
	}
	if len(missing) > 0 {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "missing executables: " + strings.Join(missing, ", ")}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: strings.Join(names, ", ")}
}

func (h *HealthHandlers) checkScheduler() ComponentHealth {
	schedules := h.scheduler.List()
	failing := 0
	for _, s := range schedules {
		if s.LastStatus == scheduler.StatusFailed {
			failing++
		}
	}
	if failing > 0 {
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("%d of %d schedules failed their last run", failing, len(schedules)),
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d schedules", len(schedules))}
}

// Liveness only proves the process is answering.
func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ProcessStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

type GatewayStats struct {
	Uptime    string         `json:"uptime"`
	Process   ProcessStats   `json:"process"`
	Functions int            `json:"functions"`
	ByRuntime map[string]int `json:"by_runtime"`
	Schedules int            `json:"schedules"`
}

// Stats summarizes the route table by runtime alongside process figures.
func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := GatewayStats{
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Process: ProcessStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAlloc:     m.Alloc,
			NumGC:        m.NumGC,
		},
		ByRuntime: make(map[string]int),
	}
	if h.registry != nil {
		defs := h.registry.Table().Functions()
		stats.Functions = len(defs)
		for _, def := range defs {
			rt := def.Runtime
			if rt == "" {
				rt = "native"
			}
			stats.ByRuntime[rt]++
		}
	}
	if h.scheduler != nil {
		stats.Schedules = h.scheduler.Len()
	}
	JSON(w, http.StatusOK, stats)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nexus-edge/machine-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/machine-gateway/internal/adapter/mqtt"
	"github.com/nexus-edge/machine-gateway/internal/arbiter"
	"github.com/nexus-edge/machine-gateway/internal/domain"
	"github.com/nexus-edge/machine-gateway/internal/health"
	"github.com/nexus-edge/machine-gateway/internal/service"
	"github.com/nexus-edge/machine-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// PollingView is the read side of the polling service.
type PollingView interface {
	Machines() []*service.MachineView
	MachineStatus(machineID int) (*service.MachineView, error)
	Stats() service.StatsSnapshot
}

// CommandView is the read side of the command service.
type CommandView interface {
	Stats() service.CommandStatsSnapshot
	Queue() *service.CommandQueue
}

// LinkView is the read side of the link pool.
type LinkView interface {
	MachineHealth(machineID int) (modbus.MachineHealth, bool)
	Stats() modbus.PoolStats
}

// MirrorView is the read side of the MQTT mirror.
type MirrorView interface {
	Stats() mqtt.StatsSnapshot
}

// Dependencies are the collaborators served by the router. Mirror and
// Metrics may be nil.
type Dependencies struct {
	Polling        PollingView
	Commands       CommandView
	Links          LinkView
	Arbiter        arbiter.Arbiter
	Mirror         MirrorView
	Health         *health.HealthChecker
	Metrics        http.Handler
	AllowedOrigins []string
	Version        string
	Logger         zerolog.Logger
}

// APIHandler serves status and machine views.
type APIHandler struct {
	deps      Dependencies
	startedAt time.Time
	logger    zerolog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(deps Dependencies) *APIHandler {
	return &APIHandler{
		deps:      deps,
		startedAt: time.Now(),
		logger:    logging.WithComponent(deps.Logger, "api"),
	}
}

// NewRouter builds the chi router for the gateway HTTP surface.
func NewRouter(deps Dependencies) http.Handler {
	h := NewAPIHandler(deps)
	mw := NewMiddleware(deps.AllowedOrigins, deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(mw.Logger)
	r.Use(mw.CORS)

	if deps.Health != nil {
		r.Get("/health", deps.Health.HealthHandler)
		r.Get("/health/live", deps.Health.LivenessHandler)
		r.Get("/health/ready", deps.Health.ReadinessHandler)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Get("/status", h.StatusHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/machines", h.MachinesHandler)
		r.Get("/machines/{id}", h.MachineHandler)
		r.Get("/commands", h.CommandsHandler)
	})
	return r
}

// StatusResponse aggregates the service counters.
type StatusResponse struct {
	Version  string                        `json:"version,omitempty"`
	Uptime   string                        `json:"uptime"`
	Polling  service.StatsSnapshot         `json:"polling"`
	Commands *service.CommandStatsSnapshot `json:"commands,omitempty"`
	Links    *modbus.PoolStats             `json:"links,omitempty"`
	Arbiter  *arbiter.Stats                `json:"arbiter,omitempty"`
	MQTT     *mqtt.StatsSnapshot           `json:"mqtt,omitempty"`
}

// StatusHandler returns the service counters.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Version: h.deps.Version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	}
	if h.deps.Polling != nil {
		resp.Polling = h.deps.Polling.Stats()
	}
	if h.deps.Commands != nil {
		stats := h.deps.Commands.Stats()
		resp.Commands = &stats
	}
	if h.deps.Links != nil {
		stats := h.deps.Links.Stats()
		resp.Links = &stats
	}
	if h.deps.Arbiter != nil {
		stats := h.deps.Arbiter.Stats()
		resp.Arbiter = &stats
	}
	if h.deps.Mirror != nil {
		stats := h.deps.Mirror.Stats()
		resp.MQTT = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// MachineResponse is a machine view joined with its link health.
type MachineResponse struct {
	*service.MachineView
	Policy arbiter.Policy        `json:"arbitration,omitempty"`
	Link   *modbus.MachineHealth `json:"link,omitempty"`
}

// MachinesHandler lists every machine poller.
func (h *APIHandler) MachinesHandler(w http.ResponseWriter, r *http.Request) {
	if h.deps.Polling == nil {
		writeJSON(w, http.StatusOK, []MachineResponse{})
		return
	}
	views := h.deps.Polling.Machines()
	out := make([]MachineResponse, 0, len(views))
	for _, v := range views {
		out = append(out, h.machineResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

// MachineHandler returns one machine with its latest snapshot.
func (h *APIHandler) MachineHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "machine id must be a positive integer")
		return
	}
	if h.deps.Polling == nil {
		writeError(w, http.StatusNotFound, domain.ErrMachineNotFound.Error())
		return
	}

	view, err := h.deps.Polling.MachineStatus(id)
	if errors.Is(err, domain.ErrMachineNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int("machine_id", id).Msg("Failed to read machine status")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, h.machineResponse(view))
}

func (h *APIHandler) machineResponse(v *service.MachineView) MachineResponse {
	resp := MachineResponse{MachineView: v}
	if h.deps.Arbiter != nil {
		resp.Policy = h.deps.Arbiter.Policy()
	}
	if h.deps.Links != nil {
		if link, ok := h.deps.Links.MachineHealth(v.MachineID); ok {
			resp.Link = &link
		}
	}
	return resp
}

// CommandsResponse lists machines with a command waiting for their writer.
type CommandsResponse struct {
	Pending []int `json:"pending"`
	Count   int   `json:"count"`
}

// CommandsHandler returns the pending command queue.
func (h *APIHandler) CommandsHandler(w http.ResponseWriter, r *http.Request) {
	resp := CommandsResponse{Pending: []int{}}
	if h.deps.Commands != nil {
		if ids := h.deps.Commands.Queue().Pending(); ids != nil {
			resp.Pending = ids
		}
	}
	resp.Count = len(resp.Pending)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

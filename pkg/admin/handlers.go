package admin

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/session"
)

// ProxyStats exposes the forwarder's aggregate counters to the admin
// surface.
type ProxyStats interface {
	Pending() int64
	TotalRequests() int64
	TotalErrors() int64
	Retries() int64
	StartTime() time.Time
}

// Handler serves the read-only JSON endpoints the terminal dashboard
// polls. Every response is a consistent snapshot taken under the
// registry's and store's read locks.
type Handler struct {
	registry *backend.Registry
	store    *session.Store
	stats    ProxyStats
	strategy string
}

// NewHandler creates the admin handler.
func NewHandler(registry *backend.Registry, store *session.Store, stats ProxyStats, strategy string) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		stats:    stats,
		strategy: strategy,
	}
}

// Register mounts the admin routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/backends", h.handleBackends)
	mux.HandleFunc("GET /admin/queue", h.handleQueue)
	mux.HandleFunc("GET /admin/sessions", h.handleSessions)
	mux.HandleFunc("GET /admin/sessions/{id}", h.handleSession)
	mux.HandleFunc("GET /admin/bottleneck", h.handleBottleneck)
	mux.HandleFunc("GET /admin/stats", h.handleStats)
}

// BackendView is the JSON-safe projection of a backend snapshot. GPU load
// and latency EMA are pointers because they are unknown (NaN internally)
// until the first probe or completed request.
type BackendView struct {
	ID                  string     `json:"id"`
	Model               string     `json:"model"`
	Endpoint            string     `json:"endpoint"`
	URL                 string     `json:"url"`
	Partition           string     `json:"partition,omitempty"`
	State               string     `json:"state"`
	InFlight            int64      `json:"in_flight"`
	GPULoad             *float64   `json:"gpu_load,omitempty"`
	EMALatencyMS        *float64   `json:"ema_latency_ms,omitempty"`
	Requests            int64      `json:"requests"`
	Errors              int64      `json:"errors"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastProbeAt         *time.Time `json:"last_probe_at,omitempty"`
	LastOKAt            *time.Time `json:"last_ok_at,omitempty"`
}

func viewOf(s backend.Snapshot) BackendView {
	v := BackendView{
		ID:                  s.ID,
		Model:               s.Model,
		Endpoint:            s.Endpoint,
		URL:                 s.URL(),
		Partition:           s.Partition,
		State:               string(s.State),
		InFlight:            s.InFlight,
		Requests:            s.RequestCount,
		Errors:              s.ErrorCount,
		ConsecutiveFailures: s.ConsecutiveFailures,
	}
	if !math.IsNaN(s.Load) {
		load := s.Load
		v.GPULoad = &load
	}
	if !math.IsNaN(s.EMALatencyMS) {
		ema := s.EMALatencyMS
		v.EMALatencyMS = &ema
	}
	if !s.LastProbeAt.IsZero() {
		t := s.LastProbeAt
		v.LastProbeAt = &t
	}
	if !s.LastOKAt.IsZero() {
		t := s.LastOKAt
		v.LastOKAt = &t
	}
	return v
}

// handleBackends serves GET /admin/backends.
func (h *Handler) handleBackends(w http.ResponseWriter, r *http.Request) {
	snapshots := h.registry.List()
	views := make([]BackendView, 0, len(snapshots))
	for _, s := range snapshots {
		views = append(views, viewOf(s))
	}
	writeJSON(w, views)
}

// handleQueue serves GET /admin/queue: global load counters plus a
// one-minute rolling request rate.
func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	count, errors, meanLatency := h.store.WindowStats(time.Minute)

	writeJSON(w, map[string]any{
		"pending":         h.stats.Pending(),
		"in_flight":       h.registry.TotalInFlight(),
		"requests_per_s":  float64(count) / 60.0,
		"mean_latency_ms": meanLatency,
		"errors_last_min": errors,
	})
}

// handleSessions serves GET /admin/sessions with optional limit and since
// (RFC 3339) query parameters.
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}

	writeJSON(w, h.store.ListSessions(limit, since))
}

// handleSession serves GET /admin/sessions/{id}: the session's turn
// records, oldest first.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	records, ok := h.store.GetSession(id)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session not found: " + id})
		return
	}
	writeJSON(w, records)
}

// handleBottleneck serves GET /admin/bottleneck. Without a session query
// parameter the diagnosis covers the global window.
func (h *Handler) handleBottleneck(w http.ResponseWriter, r *http.Request) {
	scope := "global"
	var records []session.TurnRecord

	if id := r.URL.Query().Get("session"); id != "" {
		scope = id
		records, _ = h.store.GetSession(id)
	} else {
		records = h.store.GlobalWindow()
	}

	writeJSON(w, session.Diagnose(scope, records, h.registry.MeanLoad()))
}

// handleStats serves GET /admin/stats: proxy-level aggregates plus
// per-model pool stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.stats.StartTime())
	total := h.stats.TotalRequests()
	errors := h.stats.TotalErrors()

	errorRate := 0.0
	if total > 0 {
		errorRate = float64(errors) / float64(total) * 100
	}
	requestsPerMinute := 0.0
	if uptime > 0 {
		requestsPerMinute = float64(total) / uptime.Minutes()
	}

	type pool struct {
		Model    string        `json:"model"`
		Backends []BackendView `json:"backends"`
	}
	pools := make(map[string]*pool)
	var poolOrder []string
	for _, s := range h.registry.List() {
		p, ok := pools[s.Model]
		if !ok {
			p = &pool{Model: s.Model}
			pools[s.Model] = p
			poolOrder = append(poolOrder, s.Model)
		}
		p.Backends = append(p.Backends, viewOf(s))
	}
	poolList := make([]pool, 0, len(poolOrder))
	for _, name := range poolOrder {
		poolList = append(poolList, *pools[name])
	}

	writeJSON(w, map[string]any{
		"uptime_seconds":      uptime.Seconds(),
		"total_requests":      total,
		"total_errors":        errors,
		"error_rate":          errorRate,
		"requests_per_minute": requestsPerMinute,
		"retries":             h.stats.Retries(),
		"strategy":            h.strategy,
		"models":              h.registry.Models(),
		"pools":               poolList,
		"dropped_events":      h.registry.DroppedEvents(),
		"live_sessions":       h.store.Len(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

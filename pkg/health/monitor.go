package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

// probeBodyLimit caps how much of a probe response body is read.
const probeBodyLimit = 64 * 1024

// loadResponse is the backend's load-reporting payload. The probe reads
// only gpu_utilization, and a body without it still counts as a
// successful probe; the other fields are not used.
type loadResponse struct {
	GPUUtilization *float64 `json:"gpu_utilization"`
	InFlight       *int     `json:"in_flight"`
	ModelName      string   `json:"model_name"`
}

// Monitor periodically probes every registered backend and applies the
// results to the registry. Probes run concurrently so a slow backend
// never delays the others.
type Monitor struct {
	registry *backend.Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a health monitor. interval is the time between probe
// sweeps, timeout the per-probe deadline.
func NewMonitor(registry *backend.Registry, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		registry: registry,
		client: &http.Client{
			// Per-probe deadlines come from the request context; the
			// client-level timeout is a backstop.
			Timeout: timeout + time.Second,
		},
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default().With("component", "health.monitor"),
	}
}

// Start probes all backends immediately, then on every interval tick until
// the context is cancelled. It blocks; run it on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("health monitor started",
		"interval", m.interval.String(),
		"probe_timeout", m.timeout.String(),
	)

	// Bootstrap sweep before the first tick so cold backends get their
	// initial verdict promptly.
	m.ProbeAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every non-removed backend concurrently and waits for all
// probes to finish.
func (m *Monitor) ProbeAll(ctx context.Context) {
	snapshots := m.registry.List()

	var wg sync.WaitGroup
	for _, s := range snapshots {
		if s.State == backend.StateRemoved {
			continue
		}
		wg.Add(1)
		go func(s backend.Snapshot) {
			defer wg.Done()
			m.registry.ApplyProbe(s.ID, m.probe(ctx, s))
		}(s)
	}
	wg.Wait()
}

// probe checks a single backend. It hits the load endpoint first; when the
// backend does not implement it, liveness falls back to the health
// endpoint and the stored load is left unchanged.
func (m *Monitor) probe(ctx context.Context, s backend.Snapshot) backend.ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, implemented := m.probeLoad(probeCtx, s)
	if implemented {
		return result
	}
	return m.probeLiveness(probeCtx, s)
}

// probeLoad fetches the load endpoint. The second return value is false
// when the backend does not serve the endpoint at all.
func (m *Monitor) probeLoad(ctx context.Context, s backend.Snapshot) (backend.ProbeResult, bool) {
	url := fmt.Sprintf("%s/metrics/load", s.URL())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backend.ProbeResult{OK: false, Load: math.NaN()}, true
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("load probe failed", "backend", s.ID, "error", err)
		return backend.ProbeResult{OK: false, Load: math.NaN()}, true
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
		return backend.ProbeResult{}, false
	case resp.StatusCode >= 500:
		return backend.ProbeResult{OK: false, Load: math.NaN()}, true
	}

	// Absence of gpu_utilization is tolerated: the probe still counts as
	// a success and the stored load stays as-is.
	load := math.NaN()
	body, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit))
	if err == nil {
		var parsed loadResponse
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.GPUUtilization != nil {
			load = *parsed.GPUUtilization
		}
	}

	return backend.ProbeResult{OK: true, Load: load}, true
}

// probeLiveness falls back to the plain health endpoint; the body is
// irrelevant.
func (m *Monitor) probeLiveness(ctx context.Context, s backend.Snapshot) backend.ProbeResult {
	url := fmt.Sprintf("%s/health", s.URL())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backend.ProbeResult{OK: false, Load: math.NaN()}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("liveness probe failed", "backend", s.ID, "error", err)
		return backend.ProbeResult{OK: false, Load: math.NaN()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))

	return backend.ProbeResult{OK: resp.StatusCode < 500, Load: math.NaN()}
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JiHyuk-Byun/agent-infra/pkg/admin"
	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
	"github.com/JiHyuk-Byun/agent-infra/pkg/proxy"
	"github.com/JiHyuk-Byun/agent-infra/pkg/routing"
	"github.com/JiHyuk-Byun/agent-infra/pkg/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *backend.Registry) {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	registry := backend.NewRegistry()
	strategy, _ := routing.ParseStrategy(cfg.Proxy.Strategy)
	engine := routing.NewEngine(strategy, registry)
	store := session.NewStore(128, 4096, time.Hour)
	forwarder := proxy.NewForwarder(cfg, registry, engine, store, nil)
	adminHandler := admin.NewHandler(registry, store, forwarder, cfg.Proxy.Strategy)

	srv := NewServer(&cfg.Proxy, registry, forwarder, adminHandler, "/metrics", nil)
	ts := httptest.NewServer(srv.setupRoutes())
	t.Cleanup(ts.Close)

	return ts, registry
}

func TestHealthzAlways200(t *testing.T) {
	ts, registry := newTestServer(t)

	// No backends at all: still 200, body reports degradation.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status        string `json:"status"`
		HealthyModels int    `json:"healthy_models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}

	// A healthy backend flips the body status.
	registry.Upsert(backend.Descriptor{ID: "m-0", Model: "m", Endpoint: "127.0.0.1:5900"})
	registry.ApplyProbe("m-0", backend.ProbeResult{OK: true})

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.HealthyModels != 1 {
		t.Errorf("body = %+v, want healthy with 1 model", body)
	}
}

func TestIndexListsBackends(t *testing.T) {
	ts, registry := newTestServer(t)
	registry.Upsert(backend.Descriptor{ID: "m-0", Model: "m", Endpoint: "127.0.0.1:5900"})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Models   []string            `json:"models"`
		Backends map[string][]string `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Models) != 1 || body.Models[0] != "m" {
		t.Errorf("models = %v", body.Models)
	}
	if urls := body.Backends["m"]; len(urls) != 1 || urls[0] != "http://127.0.0.1:5900" {
		t.Errorf("backends = %v", body.Backends)
	}
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing from response")
	}
}

func TestBindErrorType(t *testing.T) {
	err := &BindError{Addr: ":80", Err: http.ErrServerClosed}
	if err.Error() == "" || err.Unwrap() != http.ErrServerClosed {
		t.Error("BindError must wrap the underlying error")
	}
}

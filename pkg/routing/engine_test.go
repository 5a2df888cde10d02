package routing

import (
	"errors"
	"testing"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

func testRegistry(t *testing.T, model string, replicas int) *backend.Registry {
	t.Helper()
	r := backend.NewRegistry()
	for i := 0; i < replicas; i++ {
		r.Upsert(backend.Descriptor{
			ID:       backend.ID(model, i),
			Model:    model,
			Endpoint: "127.0.0.1:5900",
		})
	}
	return r
}

func TestEngineRoundRobinDistribution(t *testing.T) {
	r := testRegistry(t, "m", 3)
	e := NewEngine(RoundRobin, r)

	want := []string{"m-0", "m-1", "m-2", "m-0", "m-1", "m-2"}
	for i, w := range want {
		sel, err := e.Select(Context{Model: "m"})
		if err != nil {
			t.Fatalf("Select %d: %v", i, err)
		}
		if sel.ID != w {
			t.Errorf("call %d: selected %s, want %s", i, sel.ID, w)
		}
	}
}

func TestEngineUnknownModel(t *testing.T) {
	r := testRegistry(t, "m", 1)
	e := NewEngine(RoundRobin, r)

	_, err := e.Select(Context{Model: "other"})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Select(other) error = %v, want ErrUnknownModel", err)
	}
}

func TestEngineNoBackendAvailable(t *testing.T) {
	r := testRegistry(t, "m", 1)
	e := NewEngine(RoundRobin, r)

	// Flip the only backend unhealthy: the model is still known but has
	// no selectable candidates.
	for i := 0; i < 3; i++ {
		r.ApplyProbe("m-0", backend.ProbeResult{OK: false})
	}

	_, err := e.Select(Context{Model: "m"})
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("Select error = %v, want ErrNoBackendAvailable", err)
	}
}

func TestEngineExclusion(t *testing.T) {
	r := testRegistry(t, "m", 2)
	e := NewEngine(LeastConnections, r)

	sel, err := e.Select(Context{Model: "m", Exclude: []string{"m-0"}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.ID != "m-1" {
		t.Errorf("selected %s, want m-1", sel.ID)
	}

	_, err = e.Select(Context{Model: "m", Exclude: []string{"m-0", "m-1"}})
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("Select with all excluded = %v, want ErrNoBackendAvailable", err)
	}
}

func TestEngineNeverMutatesRegistry(t *testing.T) {
	r := testRegistry(t, "m", 2)
	e := NewEngine(LeastConnections, r)

	for i := 0; i < 10; i++ {
		if _, err := e.Select(Context{Model: "m"}); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}

	// In-flight accounting belongs to the forwarder via ObserveStart.
	for _, s := range r.List() {
		if s.InFlight != 0 {
			t.Errorf("backend %s in_flight = %d after selections, want 0", s.ID, s.InFlight)
		}
	}
}

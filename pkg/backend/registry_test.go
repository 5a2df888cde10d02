package backend

import (
	"math"
	"sync"
	"testing"
	"time"
)

func testDescriptor(model string, replica int) Descriptor {
	return Descriptor{
		ID:       ID(model, replica),
		Model:    model,
		Endpoint: "127.0.0.1:5900",
	}
}

func TestRegistryUpsertAndList(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))
	r.Upsert(testDescriptor("llama", 1))
	r.Upsert(testDescriptor("qwen", 0))

	if got := len(r.List()); got != 3 {
		t.Fatalf("List() returned %d backends, want 3", got)
	}

	candidates := r.ListForModel("llama")
	if len(candidates) != 2 {
		t.Fatalf("ListForModel(llama) returned %d, want 2", len(candidates))
	}
	// Sorted by id.
	if candidates[0].ID != "llama-0" || candidates[1].ID != "llama-1" {
		t.Errorf("candidates out of order: %s, %s", candidates[0].ID, candidates[1].ID)
	}
	// New backends start unknown and selectable.
	for _, c := range candidates {
		if c.State != StateUnknown {
			t.Errorf("new backend state = %s, want unknown", c.State)
		}
		if !c.Selectable() {
			t.Error("unknown backend should be selectable")
		}
	}
}

func TestRegistryUpsertPreservesStats(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))

	tok, err := r.ObserveStart("llama-0")
	if err != nil {
		t.Fatalf("ObserveStart: %v", err)
	}
	r.ObserveEnd(tok, 100*time.Millisecond, true)

	// Re-registration with a new endpoint keeps the latency stats.
	d := testDescriptor("llama", 0)
	d.Endpoint = "127.0.0.1:6000"
	r.Upsert(d)

	s, ok := r.Get("llama-0")
	if !ok {
		t.Fatal("backend disappeared after upsert")
	}
	if s.Endpoint != "127.0.0.1:6000" {
		t.Errorf("endpoint = %s, want updated value", s.Endpoint)
	}
	if s.RequestCount != 1 {
		t.Errorf("request count = %d, want 1 (stats must survive upsert)", s.RequestCount)
	}
	if math.IsNaN(s.EMALatencyMS) {
		t.Error("latency EMA lost on upsert")
	}
}

func TestRegistryHealthTransitions(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))

	// One success flips unknown to healthy.
	r.ApplyProbe("llama-0", ProbeResult{OK: true, Load: 0.5})
	s, _ := r.Get("llama-0")
	if s.State != StateHealthy {
		t.Fatalf("state after success = %s, want healthy", s.State)
	}
	if s.Load != 0.5 {
		t.Errorf("load = %g, want 0.5", s.Load)
	}
	if s.ConsecutiveFailures != 0 {
		t.Errorf("healthy backend has %d consecutive failures, want 0", s.ConsecutiveFailures)
	}

	// Two failures are not enough.
	r.ApplyProbe("llama-0", ProbeResult{OK: false, Load: math.NaN()})
	r.ApplyProbe("llama-0", ProbeResult{OK: false, Load: math.NaN()})
	s, _ = r.Get("llama-0")
	if s.State != StateHealthy {
		t.Fatalf("state after 2 failures = %s, want healthy", s.State)
	}

	// Third failure flips unhealthy.
	r.ApplyProbe("llama-0", ProbeResult{OK: false, Load: math.NaN()})
	s, _ = r.Get("llama-0")
	if s.State != StateUnhealthy {
		t.Fatalf("state after 3 failures = %s, want unhealthy", s.State)
	}
	if len(r.ListForModel("llama")) != 0 {
		t.Error("unhealthy backend must not be selectable")
	}

	// One success recovers.
	r.ApplyProbe("llama-0", ProbeResult{OK: true, Load: math.NaN()})
	s, _ = r.Get("llama-0")
	if s.State != StateHealthy {
		t.Fatalf("state after recovery = %s, want healthy", s.State)
	}
	// NaN load leaves the stored value unchanged.
	if s.Load != 0.5 {
		t.Errorf("load = %g, want 0.5 (NaN probe must not clobber)", s.Load)
	}
}

func TestRegistryObserveBalance(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				tok, err := r.ObserveStart("llama-0")
				if err != nil {
					t.Errorf("ObserveStart: %v", err)
					return
				}
				r.ObserveEnd(tok, time.Millisecond, true)
			}
		}()
	}
	wg.Wait()

	s, _ := r.Get("llama-0")
	if s.InFlight != 0 {
		t.Errorf("in_flight = %d after balanced start/end, want 0", s.InFlight)
	}
	if s.RequestCount != workers*perWorker {
		t.Errorf("request count = %d, want %d", s.RequestCount, workers*perWorker)
	}
}

func TestRegistryInBandFailures(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))
	r.ApplyProbe("llama-0", ProbeResult{OK: true, Load: math.NaN()})

	for i := 0; i < 3; i++ {
		tok, err := r.ObserveStart("llama-0")
		if err != nil {
			t.Fatalf("ObserveStart: %v", err)
		}
		r.ObserveEnd(tok, time.Millisecond, false)
	}

	s, _ := r.Get("llama-0")
	if s.State != StateUnhealthy {
		t.Errorf("state after 3 in-band failures = %s, want unhealthy", s.State)
	}
	if s.ErrorCount != 3 {
		t.Errorf("error count = %d, want 3", s.ErrorCount)
	}
}

func TestRegistryRemoveDrains(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))

	tok, err := r.ObserveStart("llama-0")
	if err != nil {
		t.Fatalf("ObserveStart: %v", err)
	}

	if !r.Remove("llama-0") {
		t.Fatal("Remove returned false for existing backend")
	}

	// Removed but not yet drained: still present, never selectable.
	s, ok := r.Get("llama-0")
	if !ok {
		t.Fatal("backend freed before drain")
	}
	if s.State != StateRemoved {
		t.Fatalf("state = %s, want removed", s.State)
	}
	if len(r.ListForModel("llama")) != 0 {
		t.Error("removed backend must not be selectable")
	}
	if _, err := r.ObserveStart("llama-0"); err == nil {
		t.Error("ObserveStart on removed backend should fail")
	}

	// Last in-flight completes: entry is freed.
	r.ObserveEnd(tok, time.Millisecond, true)
	if _, ok := r.Get("llama-0"); ok {
		t.Error("backend not freed after drain")
	}
}

func TestRegistryMaxInFlight(t *testing.T) {
	r := NewRegistry()
	d := testDescriptor("llama", 0)
	d.MaxInFlight = 1
	r.Upsert(d)

	tok, err := r.ObserveStart("llama-0")
	if err != nil {
		t.Fatalf("ObserveStart: %v", err)
	}

	// At the cap: filtered from candidates and rejected on start.
	if len(r.ListForModel("llama")) != 0 {
		t.Error("backend at in-flight cap must be filtered from candidates")
	}
	if _, err := r.ObserveStart("llama-0"); err == nil {
		t.Error("ObserveStart past the cap should fail")
	}

	r.ObserveEnd(tok, time.Millisecond, true)
	if len(r.ListForModel("llama")) != 1 {
		t.Error("backend should be selectable again after drain")
	}
}

func TestRegistryDrainingExcluded(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))
	r.MarkDraining("llama-0")

	if len(r.ListForModel("llama")) != 0 {
		t.Error("draining backend must not be selectable")
	}
	if _, err := r.ObserveStart("llama-0"); err == nil {
		t.Error("ObserveStart on draining backend should fail")
	}
}

func TestRegistryResolveModel(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("Meta-Llama-3-8B", 0))

	tests := []struct {
		name  string
		query string
		want  string
		ok    bool
	}{
		{"exact", "Meta-Llama-3-8B", "Meta-Llama-3-8B", true},
		{"substring", "llama-3", "Meta-Llama-3-8B", true},
		{"superstring", "meta-llama-3-8b-instruct", "Meta-Llama-3-8B", true},
		{"miss", "qwen", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.ResolveModel(tt.query)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ResolveModel(%q) = (%q, %v), want (%q, %v)",
					tt.query, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRegistrySubscribe(t *testing.T) {
	r := NewRegistry()
	events, cancel := r.Subscribe(16)
	defer cancel()

	r.Upsert(testDescriptor("llama", 0))
	r.ApplyProbe("llama-0", ProbeResult{OK: true, Load: 0.4})
	r.Remove("llama-0")

	wantTypes := []EventType{EventAdded, EventStateChanged, EventLoadChanged, EventRemoved}
	for i, want := range wantTypes {
		select {
		case ev := <-events:
			if ev.Type != want {
				t.Errorf("event[%d].Type = %s, want %s", i, ev.Type, want)
			}
			if ev.BackendID != "llama-0" {
				t.Errorf("event[%d].BackendID = %s, want llama-0", i, ev.BackendID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, want)
		}
	}
}

func TestRegistrySlowSubscriberDrops(t *testing.T) {
	r := NewRegistry()
	_, cancel := r.Subscribe(1)
	defer cancel()

	// The subscriber never reads: everything past the buffered event is
	// dropped rather than blocking the registry.
	for i := 0; i < 10; i++ {
		r.Upsert(testDescriptor("llama", i))
	}

	if r.DroppedEvents() == 0 {
		t.Error("expected dropped events for slow subscriber")
	}
}

func TestRegistryMeanLoad(t *testing.T) {
	r := NewRegistry()
	r.Upsert(testDescriptor("llama", 0))
	r.Upsert(testDescriptor("llama", 1))
	r.Upsert(testDescriptor("llama", 2))

	if !math.IsNaN(r.MeanLoad()) {
		t.Error("MeanLoad() with no reported loads should be NaN")
	}

	r.ApplyProbe("llama-0", ProbeResult{OK: true, Load: 0.2})
	r.ApplyProbe("llama-1", ProbeResult{OK: true, Load: 0.6})

	if got := r.MeanLoad(); math.Abs(got-0.4) > 1e-9 {
		t.Errorf("MeanLoad() = %g, want 0.4", got)
	}
}

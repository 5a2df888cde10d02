package routing

import (
	"math"
	"testing"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

// snap builds a candidate snapshot for strategy tests.
func snap(id string, inFlight int64, load, ema float64) backend.Snapshot {
	return backend.Snapshot{
		ID:           id,
		Model:        "m",
		Endpoint:     "127.0.0.1:5900",
		State:        backend.StateHealthy,
		InFlight:     inFlight,
		Load:         load,
		EMALatencyMS: ema,
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Strategy
		wantErr bool
	}{
		{"round robin", "round_robin", RoundRobin, false},
		{"least connections", "least_connections", LeastConnections, false},
		{"least latency", "least_latency", LeastLatency, false},
		{"least load", "least_load", LeastLoad, false},
		{"unknown", "random", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStrategy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStrategy(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRoundRobinSequence(t *testing.T) {
	candidates := []backend.Snapshot{
		snap("b0", 0, math.NaN(), math.NaN()),
		snap("b1", 0, math.NaN(), math.NaN()),
		snap("b2", 0, math.NaN(), math.NaN()),
	}

	want := []string{"b0", "b1", "b2", "b0", "b1", "b2"}
	for i, w := range want {
		got := RoundRobin.Select(candidates, uint64(i))
		if got.ID != w {
			t.Errorf("call %d: selected %s, want %s", i, got.ID, w)
		}
	}
}

func TestLeastConnections(t *testing.T) {
	tests := []struct {
		name       string
		candidates []backend.Snapshot
		want       string
	}{
		{
			name: "fewest in flight wins",
			candidates: []backend.Snapshot{
				snap("b0", 5, math.NaN(), 100),
				snap("b1", 2, math.NaN(), 100),
				snap("b2", 9, math.NaN(), 100),
			},
			want: "b1",
		},
		{
			name: "tie broken by latency",
			candidates: []backend.Snapshot{
				snap("b0", 2, math.NaN(), 150),
				snap("b1", 2, math.NaN(), 80),
			},
			want: "b1",
		},
		{
			name: "full tie broken by id",
			candidates: []backend.Snapshot{
				snap("b0", 2, math.NaN(), 100),
				snap("b1", 2, math.NaN(), 100),
			},
			want: "b0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LeastConnections.Select(tt.candidates, 0)
			if got.ID != tt.want {
				t.Errorf("selected %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestLeastLatency(t *testing.T) {
	tests := []struct {
		name       string
		candidates []backend.Snapshot
		want       string
	}{
		{
			name: "lowest ema wins",
			candidates: []backend.Snapshot{
				snap("b0", 0, math.NaN(), 200),
				snap("b1", 0, math.NaN(), 50),
			},
			want: "b1",
		},
		{
			name: "nan treated as infinity",
			candidates: []backend.Snapshot{
				snap("b0", 0, math.NaN(), math.NaN()),
				snap("b1", 0, math.NaN(), 500),
			},
			want: "b1",
		},
		{
			name: "tie broken by in flight",
			candidates: []backend.Snapshot{
				snap("b0", 4, math.NaN(), 100),
				snap("b1", 1, math.NaN(), 100),
			},
			want: "b1",
		},
		{
			name: "all nan falls back to first id",
			candidates: []backend.Snapshot{
				snap("b0", 0, math.NaN(), math.NaN()),
				snap("b1", 0, math.NaN(), math.NaN()),
			},
			want: "b0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LeastLatency.Select(tt.candidates, 0)
			if got.ID != tt.want {
				t.Errorf("selected %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestLeastLoadComposite(t *testing.T) {
	// (load, in_flight, ema) = (0.9,1,100), (0.2,5,120), (0.5,0,80):
	// the idle mid-load backend has the lowest composite score.
	candidates := []backend.Snapshot{
		snap("b0", 1, 0.9, 100),
		snap("b1", 5, 0.2, 120),
		snap("b2", 0, 0.5, 80),
	}

	got := LeastLoad.Select(candidates, 0)
	if got.ID != "b2" {
		t.Errorf("selected %s, want b2 (lowest composite)", got.ID)
	}
}

func TestLeastLoadUnknownLoadUsesMean(t *testing.T) {
	// b1's unknown load is imputed as the mean of known loads (0.5), so
	// the idle low-load backend still wins.
	candidates := []backend.Snapshot{
		snap("b0", 0, 0.1, 100),
		snap("b1", 0, math.NaN(), 100),
		snap("b2", 0, 0.9, 100),
	}

	got := LeastLoad.Select(candidates, 0)
	if got.ID != "b0" {
		t.Errorf("selected %s, want b0", got.ID)
	}
}

func TestLeastLoadNoKnownLoadFallsBack(t *testing.T) {
	// No candidate reported a load: degrade to least connections.
	candidates := []backend.Snapshot{
		snap("b0", 7, math.NaN(), 100),
		snap("b1", 2, math.NaN(), 100),
	}

	got := LeastLoad.Select(candidates, 0)
	if got.ID != "b1" {
		t.Errorf("selected %s, want b1 (least connections fallback)", got.ID)
	}
}

func TestStrategyDeterminism(t *testing.T) {
	candidates := []backend.Snapshot{
		snap("b0", 3, 0.4, 120),
		snap("b1", 1, 0.7, 90),
		snap("b2", 1, 0.2, 200),
	}

	for _, strategy := range Strategies {
		for counter := uint64(0); counter < 5; counter++ {
			first := strategy.Select(candidates, counter)
			for i := 0; i < 10; i++ {
				if got := strategy.Select(candidates, counter); got.ID != first.ID {
					t.Errorf("%s not deterministic: %s then %s", strategy, first.ID, got.ID)
				}
			}
		}
	}
}

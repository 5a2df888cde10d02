package routing

import (
	"math"

	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
)

// Strategy is the load balancing strategy tag. Each strategy maps a
// candidate snapshot list plus a per-model counter to one backend; the
// decision is pure and deterministic given identical inputs.
type Strategy string

const (
	// RoundRobin cycles through the candidate list sorted by id using a
	// per-model monotonic counter.
	RoundRobin Strategy = "round_robin"

	// LeastConnections picks the backend with the fewest in-flight
	// requests. Ties break by lowest latency EMA, then id.
	LeastConnections Strategy = "least_connections"

	// LeastLatency picks the backend with the lowest latency EMA (NaN
	// treated as +Inf). Ties break by in-flight count, then id.
	LeastLatency Strategy = "least_latency"

	// LeastLoad picks the backend with the lowest composite of GPU load,
	// normalized in-flight count, and normalized latency EMA.
	LeastLoad Strategy = "least_load"
)

// Strategies lists the valid strategy tags.
var Strategies = []Strategy{RoundRobin, LeastConnections, LeastLatency, LeastLoad}

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", &InvalidStrategyError{Strategy: name}
}

// Composite score weights for LeastLoad.
const (
	loadWeight     = 0.6
	inFlightWeight = 0.3
	latencyWeight  = 0.1

	// normEpsilon keeps the normalization divisor positive when every
	// candidate reports zero.
	normEpsilon = 1e-9
)

// Select chooses one backend from the candidate list. Candidates must be
// non-empty, pre-filtered for selectability, and sorted by id; counter is
// the per-model monotonic counter maintained by the Engine. Select never
// mutates registry state.
func (s Strategy) Select(candidates []backend.Snapshot, counter uint64) backend.Snapshot {
	if len(candidates) == 1 {
		return candidates[0]
	}

	switch s {
	case RoundRobin:
		return candidates[counter%uint64(len(candidates))]
	case LeastConnections:
		return selectLeastConnections(candidates)
	case LeastLatency:
		return selectLeastLatency(candidates)
	case LeastLoad:
		return selectLeastLoad(candidates)
	default:
		// Unknown tags are rejected at config load; fall back to the first
		// candidate rather than panic on the hot path.
		return candidates[0]
	}
}

// selectLeastConnections returns the argmin over in-flight counts, ties
// broken by latency EMA then id. Candidates are id-sorted, so the first
// winner of a full scan is the deterministic choice.
func selectLeastConnections(candidates []backend.Snapshot) backend.Snapshot {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.InFlight < best.InFlight {
			best = c
			continue
		}
		if c.InFlight == best.InFlight && lessLatency(c.EMALatencyMS, best.EMALatencyMS) {
			best = c
		}
	}
	return best
}

// selectLeastLatency returns the argmin over latency EMA with NaN treated
// as +Inf, ties broken by in-flight count then id.
func selectLeastLatency(candidates []backend.Snapshot) backend.Snapshot {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if lessLatency(c.EMALatencyMS, best.EMALatencyMS) {
			best = c
			continue
		}
		if sameLatency(c.EMALatencyMS, best.EMALatencyMS) && c.InFlight < best.InFlight {
			best = c
		}
	}
	return best
}

// selectLeastLoad scores each candidate as
//
//	0.6*load + 0.3*normalize(in_flight) + 0.1*normalize(ema_latency)
//
// where normalize divides by the candidate maximum. A backend with unknown
// load uses the mean of the known loads; when no candidate has a known
// load the strategy degrades to least connections.
func selectLeastLoad(candidates []backend.Snapshot) backend.Snapshot {
	var loadSum float64
	var loadKnown int
	var maxInFlight, maxLatency float64

	for _, c := range candidates {
		if !math.IsNaN(c.Load) {
			loadSum += c.Load
			loadKnown++
		}
		if float64(c.InFlight) > maxInFlight {
			maxInFlight = float64(c.InFlight)
		}
		if !math.IsNaN(c.EMALatencyMS) && c.EMALatencyMS > maxLatency {
			maxLatency = c.EMALatencyMS
		}
	}

	if loadKnown == 0 {
		return selectLeastConnections(candidates)
	}
	meanLoad := loadSum / float64(loadKnown)

	score := func(c backend.Snapshot) float64 {
		load := c.Load
		if math.IsNaN(load) {
			load = meanLoad
		}
		latency := c.EMALatencyMS
		if math.IsNaN(latency) {
			latency = 0
		}
		return loadWeight*load +
			inFlightWeight*float64(c.InFlight)/(maxInFlight+normEpsilon) +
			latencyWeight*latency/(maxLatency+normEpsilon)
	}

	best := candidates[0]
	bestScore := score(best)
	for _, c := range candidates[1:] {
		if s := score(c); s < bestScore {
			best = c
			bestScore = s
		}
	}
	return best
}

// lessLatency compares latency EMAs with NaN ordered last.
func lessLatency(a, b float64) bool {
	switch {
	case math.IsNaN(a):
		return false
	case math.IsNaN(b):
		return true
	default:
		return a < b
	}
}

// sameLatency reports whether two latency EMAs compare equal for
// tie-breaking, treating two NaNs as equal.
func sameLatency(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

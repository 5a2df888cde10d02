package backend

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// State represents the lifecycle state of a backend.
type State string

const (
	// StateUnknown is the initial state before the first probe completes.
	// Unknown backends are selectable so cold traffic can flow during the
	// bootstrap window.
	StateUnknown State = "unknown"

	// StateHealthy indicates the backend is serving traffic.
	StateHealthy State = "healthy"

	// StateUnhealthy indicates the backend failed consecutive probes or
	// in-band requests and is excluded from selection.
	StateUnhealthy State = "unhealthy"

	// StateDraining indicates the backend is finishing in-flight requests
	// before removal and accepts no new traffic.
	StateDraining State = "draining"

	// StateRemoved indicates the backend has been removed from the pool.
	// It is freed once its in-flight count drains to zero.
	StateRemoved State = "removed"
)

// unhealthyThreshold is the number of consecutive failures that flips a
// backend from healthy to unhealthy. One successful probe flips it back.
const unhealthyThreshold = 3

// emaAlpha is the smoothing factor for the exponential moving average of
// request latency.
const emaAlpha = 0.2

// DefaultLatencyWindow is the default capacity of the per-backend latency
// ring.
const DefaultLatencyWindow = 64

// ID derives the stable backend identifier from the model name and replica
// index.
func ID(model string, replica int) string {
	return fmt.Sprintf("%s-%d", model, replica)
}

// Descriptor carries the endpoint-level fields of a backend. It is the
// input to Registry.Upsert; runtime statistics live on the registry's
// internal representation and survive re-registration.
type Descriptor struct {
	// ID is the stable identifier, derived from (model name, replica index).
	ID string

	// Model is the logical model name clients use in the request body.
	Model string

	// Endpoint is the locally reachable host:port, post-tunneling.
	Endpoint string

	// Partition is the cluster partition the backend runs on (optional).
	Partition string

	// MaxInFlight caps outstanding requests. Zero means unlimited.
	MaxInFlight int
}

// Snapshot is an immutable copy of a backend's observable state, used by
// selection and the admin surface. Load is NaN when no probe has reported
// GPU utilization yet; EMALatencyMS is NaN before the first completed
// request.
type Snapshot struct {
	ID                  string
	Model               string
	Endpoint            string
	Partition           string
	State               State
	InFlight            int64
	MaxInFlight         int
	Load                float64
	EMALatencyMS        float64
	RequestCount        int64
	ErrorCount          int64
	ConsecutiveFailures int
	LastProbeAt         time.Time
	LastOKAt            time.Time
}

// URL returns the HTTP base URL for the backend.
func (s Snapshot) URL() string {
	return "http://" + s.Endpoint
}

// Selectable reports whether this backend may receive new traffic: state
// healthy or unknown, and below the in-flight cap when one is set.
func (s Snapshot) Selectable() bool {
	if s.State != StateHealthy && s.State != StateUnknown {
		return false
	}
	if s.MaxInFlight > 0 && s.InFlight >= int64(s.MaxInFlight) {
		return false
	}
	return true
}

// backend is the registry-internal mutable representation. Each backend
// carries its own lock so updates to different backends never serialize
// against each other.
type backend struct {
	mu sync.Mutex

	id          string
	model       string
	endpoint    string
	partition   string
	maxInFlight int

	state               State
	inFlight            int64
	load                float64 // NaN = unknown
	latency             *Window
	emaLatencyMS        float64 // NaN until first sample
	requestCount        int64
	errorCount          int64
	consecutiveFailures int
	lastProbeAt         time.Time
	lastOKAt            time.Time
}

func newBackend(d Descriptor) *backend {
	return &backend{
		id:           d.ID,
		model:        d.Model,
		endpoint:     d.Endpoint,
		partition:    d.Partition,
		maxInFlight:  d.MaxInFlight,
		state:        StateUnknown,
		load:         math.NaN(),
		latency:      NewWindow(DefaultLatencyWindow),
		emaLatencyMS: math.NaN(),
	}
}

// snapshotLocked copies the observable state. Caller must hold b.mu.
func (b *backend) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                  b.id,
		Model:               b.model,
		Endpoint:            b.endpoint,
		Partition:           b.partition,
		State:               b.state,
		InFlight:            b.inFlight,
		MaxInFlight:         b.maxInFlight,
		Load:                b.load,
		EMALatencyMS:        b.emaLatencyMS,
		RequestCount:        b.requestCount,
		ErrorCount:          b.errorCount,
		ConsecutiveFailures: b.consecutiveFailures,
		LastProbeAt:         b.lastProbeAt,
		LastOKAt:            b.lastOKAt,
	}
}

// recordFailureLocked bumps the consecutive failure counter and returns true if
// the state transitioned to unhealthy. Caller must hold b.mu.
func (b *backend) recordFailureLocked() bool {
	b.consecutiveFailures++
	if b.consecutiveFailures >= unhealthyThreshold &&
		(b.state == StateHealthy || b.state == StateUnknown) {
		b.state = StateUnhealthy
		return true
	}
	return false
}

// recordSuccessLocked resets the failure counter and returns true if the state
// transitioned to healthy. Caller must hold b.mu.
func (b *backend) recordSuccessLocked(now time.Time) bool {
	b.consecutiveFailures = 0
	b.lastOKAt = now
	if b.state == StateUnhealthy || b.state == StateUnknown {
		b.state = StateHealthy
		return true
	}
	return false
}

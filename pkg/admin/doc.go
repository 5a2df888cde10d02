// Package admin serves the read-only control surface under /admin/.
//
// The terminal dashboard polls these endpoints for backend snapshots,
// queue counters, session listings, and bottleneck diagnoses. All
// endpoints return consistent snapshots and never mutate state.
package admin

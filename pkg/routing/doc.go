// Package routing implements the backend selection engine.
//
// A Strategy is a tagged value with one Select operation over an immutable
// candidate snapshot; the four strategies (round_robin, least_connections,
// least_latency, least_load) are deterministic given identical snapshots
// and counters. The Engine binds a strategy to the backend registry and
// owns the per-model round-robin counters.
package routing

// Package session tracks per-session turn telemetry.
//
// Completed requests append a TurnRecord to the owning session's
// fixed-capacity ring and a global rolling window. The store feeds the
// admin surface: session listings, per-session turn history, and the
// bottleneck diagnosis that classifies which pipeline stage (pre, queue,
// inference, post) dominates end-to-end latency. A cron-driven sweeper
// evicts idle sessions.
package session

// Package proxy implements the OpenAI-compatible HTTP ingress.
//
// The Forwarder accepts chat/completions requests, resolves the model to
// a backend pool, selects a replica via the routing engine, and relays
// the request. Responses stream through verbatim with incremental
// flushing for Server-Sent Events. Failures before the first forwarded
// byte fail over to a different candidate up to the retry budget; after
// the first byte every error is terminal. Each terminal outcome emits a
// turn record into the session store.
package proxy

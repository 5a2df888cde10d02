// Agent-infra proxy is a load-balancing reverse proxy for pools of
// GPU-backed language-model inference servers.
//
// It accepts OpenAI-compatible chat-completions traffic, picks a backend
// replica per request using a configurable strategy, relays streaming and
// non-streaming responses verbatim, and records per-session turn timings
// for bottleneck diagnosis. A read-only /admin surface feeds the terminal
// dashboard.
//
// Usage:
//
//	# Start the proxy with a config file
//	agent-infra run --config config.yaml
//
//	# Start standalone with explicit backends
//	agent-infra run --backends "llama=127.0.0.1:5900,127.0.0.1:5901"
//
//	# Validate a configuration file
//	agent-infra validate --config config.yaml
//
//	# Show version information
//	agent-infra version
package main

func main() {
	Execute()
}

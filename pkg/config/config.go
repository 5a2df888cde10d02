package config

import "time"

// Config is the root configuration structure for the agent-infra proxy.
// It contains the proxy server settings, the model serving definitions the
// cluster launches, the cluster endpoint source, tracking header names, and
// telemetry settings.
type Config struct {
	// Proxy contains the load-balancing proxy server configuration.
	Proxy ProxyConfig `yaml:"proxy"`

	// Models contains the model serving configurations. Each entry expands
	// into `replicas` backend endpoints starting at `base_port`.
	Models []ModelConfig `yaml:"models"`

	// Cluster describes where backend endpoints come from. The proxy only
	// consumes the endpoint list; job submission and tunneling are handled
	// by external collaborators.
	Cluster ClusterConfig `yaml:"cluster"`

	// Headers contains the configurable header names used for session,
	// task, and client tracking.
	Headers HeadersConfig `yaml:"headers"`

	// Sessions contains turn-tracking retention settings.
	Sessions SessionsConfig `yaml:"sessions"`

	// Telemetry contains logging and metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProxyConfig contains configuration for the load-balancing proxy server.
type ProxyConfig struct {
	// Port is the TCP port the proxy listens on.
	// Default: 5800
	Port int `yaml:"port"`

	// Strategy is the load balancing strategy. One of "round_robin",
	// "least_connections", "least_latency", "least_load".
	// Default: "least_load"
	Strategy string `yaml:"strategy"`

	// HealthCheckIntervalS is the interval between backend health probes,
	// in seconds.
	// Default: 30
	HealthCheckIntervalS int `yaml:"health_check_interval_s"`

	// RequestTimeoutS is the end-to-end deadline for a proxied request,
	// in seconds.
	// Default: 300
	RequestTimeoutS int `yaml:"request_timeout_s"`

	// ProbeTimeoutS is the timeout for a single health probe, in seconds.
	// Default: 3
	ProbeTimeoutS int `yaml:"probe_timeout_s"`

	// ConnectTimeoutS is the timeout for establishing an upstream
	// connection, in seconds.
	// Default: 5
	ConnectTimeoutS int `yaml:"connect_timeout_s"`

	// MaxRetries is the number of failover attempts after the first
	// upstream failure, each against a different candidate.
	// Default: 1
	MaxRetries int `yaml:"max_retries"`

	// MaxInFlight caps outstanding requests per backend. Zero means
	// unlimited. A backend at its cap is filtered out of selection.
	// Default: 0
	MaxInFlight int `yaml:"max_in_flight"`
}

// ModelConfig contains the serving configuration for one logical model.
// Replica endpoints are derived as base_port, base_port+1, ... on localhost
// unless the cluster supplies explicit endpoints.
type ModelConfig struct {
	// Name is the model alias clients use in the request body.
	Name string `yaml:"name"`

	// ModelPath is the HuggingFace path or local path of the model weights.
	ModelPath string `yaml:"model_path"`

	// BasePort is the first local port for this model's replicas.
	// Default: 5900
	BasePort int `yaml:"base_port"`

	// Replicas is the number of backend replicas.
	// Default: 1
	Replicas int `yaml:"replicas"`

	// TensorParallelSize is passed through to the backend launcher. The
	// proxy treats it as opaque metadata.
	// Default: 1
	TensorParallelSize int `yaml:"tensor_parallel_size"`

	// GPUMemoryUtilization is the fraction of GPU memory the backend may
	// use, in (0, 1].
	// Default: 0.85
	GPUMemoryUtilization float64 `yaml:"gpu_memory_utilization"`

	// Partition is the cluster partition the replicas run on (optional,
	// informational).
	Partition string `yaml:"partition"`
}

// ClusterConfig describes the endpoint source. The core proxy never talks
// to the scheduler itself; it reads the endpoint list the collaborators
// maintain.
type ClusterConfig struct {
	// Type is the cluster provider type ("slurm" or "local").
	// Default: "local"
	Type string `yaml:"type"`

	// SSHHost is the SSH host used by the tunnel collaborator (optional,
	// informational).
	SSHHost string `yaml:"ssh_host"`

	// EndpointsFile is an optional YAML file listing live backend
	// endpoints. When set, the proxy watches it and reconciles the
	// registry on every change.
	EndpointsFile string `yaml:"endpoints_file"`
}

// HeadersConfig contains the configurable header names for request
// tracking. Different agent frameworks use different header names.
type HeadersConfig struct {
	// Session is the session identifier header.
	// Default: "X-Session-ID"
	Session string `yaml:"session"`

	// Task is the task identifier header.
	// Default: "X-Task-ID"
	Task string `yaml:"task"`

	// Client is the client process identifier header.
	// Default: "X-Client-ID"
	Client string `yaml:"client"`

	// TimingPre is the agent-reported pre-request timing header, in float
	// milliseconds.
	// Default: "X-Timing-Pre-Ms"
	TimingPre string `yaml:"timing_pre"`

	// TimingPost is the agent-reported post-request timing header, in
	// float milliseconds.
	// Default: "X-Timing-Post-Ms"
	TimingPost string `yaml:"timing_post"`
}

// SessionsConfig contains retention settings for the session/turn store.
type SessionsConfig struct {
	// ExpireS is the idle time after which a session becomes eligible for
	// eviction, in seconds.
	// Default: 1800 (30 minutes)
	ExpireS int `yaml:"expire_s"`

	// SessionRing is the per-session turn ring capacity.
	// Default: 128
	SessionRing int `yaml:"session_ring"`

	// GlobalRing is the global rolling window capacity.
	// Default: 4096
	GlobalRing int `yaml:"global_ring"`
}

// TelemetryConfig contains observability configuration.
type TelemetryConfig struct {
	// Logging contains structured logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics contains Prometheus metrics settings.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	// The AGENT_INFRA_LOG environment variable takes precedence.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is the log output format ("json" or "text").
	// Default: "text"
	Format string `yaml:"format"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled controls whether the /metrics endpoint is served.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the metrics endpoint path.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the Prometheus metric namespace.
	// Default: "agent_infra"
	Namespace string `yaml:"namespace"`
}

// GetModel returns the model config with the given name, or nil.
func (c *Config) GetModel(name string) *ModelConfig {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i]
		}
	}
	return nil
}

// HealthCheckInterval returns the probe interval as a time.Duration.
func (p *ProxyConfig) HealthCheckInterval() time.Duration {
	return time.Duration(p.HealthCheckIntervalS) * time.Second
}

// RequestTimeout returns the request deadline as a time.Duration.
func (p *ProxyConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutS) * time.Second
}

// ProbeTimeout returns the probe timeout as a time.Duration.
func (p *ProxyConfig) ProbeTimeout() time.Duration {
	return time.Duration(p.ProbeTimeoutS) * time.Second
}

// ConnectTimeout returns the upstream connect timeout as a time.Duration.
func (p *ProxyConfig) ConnectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutS) * time.Second
}

// Expire returns the session idle expiry as a time.Duration.
func (s *SessionsConfig) Expire() time.Duration {
	return time.Duration(s.ExpireS) * time.Second
}

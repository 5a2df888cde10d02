package config

// Default values for configuration fields.
const (
	// Proxy defaults
	DefaultProxyPort            = 5800
	DefaultStrategy             = "least_load"
	DefaultHealthCheckIntervalS = 30
	DefaultRequestTimeoutS      = 300
	DefaultProbeTimeoutS        = 3
	DefaultConnectTimeoutS      = 5
	DefaultMaxRetries           = 1

	// Model defaults
	DefaultBasePort             = 5900
	DefaultReplicas             = 1
	DefaultTensorParallelSize   = 1
	DefaultGPUMemoryUtilization = 0.85

	// Cluster defaults
	DefaultClusterType = "local"

	// Header name defaults
	DefaultSessionHeader    = "X-Session-ID"
	DefaultTaskHeader       = "X-Task-ID"
	DefaultClientHeader     = "X-Client-ID"
	DefaultTimingPreHeader  = "X-Timing-Pre-Ms"
	DefaultTimingPostHeader = "X-Timing-Post-Ms"

	// Session store defaults
	DefaultSessionExpireS = 1800
	DefaultSessionRing    = 128
	DefaultGlobalRing     = 4096

	// Telemetry defaults
	DefaultLoggingLevel     = "info"
	DefaultLoggingFormat    = "text"
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "agent_infra"
)

// ApplyDefaults fills in default values for any unset configuration fields.
// It is called by LoadConfig before validation.
func ApplyDefaults(cfg *Config) {
	// Proxy defaults
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = DefaultProxyPort
	}
	if cfg.Proxy.Strategy == "" {
		cfg.Proxy.Strategy = DefaultStrategy
	}
	if cfg.Proxy.HealthCheckIntervalS == 0 {
		cfg.Proxy.HealthCheckIntervalS = DefaultHealthCheckIntervalS
	}
	if cfg.Proxy.RequestTimeoutS == 0 {
		cfg.Proxy.RequestTimeoutS = DefaultRequestTimeoutS
	}
	if cfg.Proxy.ProbeTimeoutS == 0 {
		cfg.Proxy.ProbeTimeoutS = DefaultProbeTimeoutS
	}
	if cfg.Proxy.ConnectTimeoutS == 0 {
		cfg.Proxy.ConnectTimeoutS = DefaultConnectTimeoutS
	}
	if cfg.Proxy.MaxRetries == 0 {
		cfg.Proxy.MaxRetries = DefaultMaxRetries
	}

	// Model defaults
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.BasePort == 0 {
			m.BasePort = DefaultBasePort
		}
		if m.Replicas == 0 {
			m.Replicas = DefaultReplicas
		}
		if m.TensorParallelSize == 0 {
			m.TensorParallelSize = DefaultTensorParallelSize
		}
		if m.GPUMemoryUtilization == 0 {
			m.GPUMemoryUtilization = DefaultGPUMemoryUtilization
		}
	}

	// Cluster defaults
	if cfg.Cluster.Type == "" {
		cfg.Cluster.Type = DefaultClusterType
	}

	// Header defaults
	if cfg.Headers.Session == "" {
		cfg.Headers.Session = DefaultSessionHeader
	}
	if cfg.Headers.Task == "" {
		cfg.Headers.Task = DefaultTaskHeader
	}
	if cfg.Headers.Client == "" {
		cfg.Headers.Client = DefaultClientHeader
	}
	if cfg.Headers.TimingPre == "" {
		cfg.Headers.TimingPre = DefaultTimingPreHeader
	}
	if cfg.Headers.TimingPost == "" {
		cfg.Headers.TimingPost = DefaultTimingPostHeader
	}

	// Session store defaults
	if cfg.Sessions.ExpireS == 0 {
		cfg.Sessions.ExpireS = DefaultSessionExpireS
	}
	if cfg.Sessions.SessionRing == 0 {
		cfg.Sessions.SessionRing = DefaultSessionRing
	}
	if cfg.Sessions.GlobalRing == 0 {
		cfg.Sessions.GlobalRing = DefaultGlobalRing
	}

	// Telemetry defaults
	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLoggingFormat
	}
	if cfg.Telemetry.Metrics.Enabled == nil {
		enabled := true
		cfg.Telemetry.Metrics.Enabled = &enabled
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Telemetry.Metrics.Namespace == "" {
		cfg.Telemetry.Metrics.Namespace = DefaultMetricsNamespace
	}
}

package config

import (
	"fmt"
	"strings"
)

// knownStrategies are the accepted load balancing strategy names.
var knownStrategies = []string{"round_robin", "least_connections", "least_latency", "least_load"}

// FieldError ties one validation failure to the dotted path of the field
// that caused it, so operators can jump straight to the offending line.
type FieldError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationError aggregates every FieldError found in one validation
// pass. Validate reports all problems at once rather than stopping at the
// first, so a broken config can be fixed in a single edit.
type ValidationError struct {
	Errors []FieldError
}

// Error implements the error interface. A single failure renders on one
// line; multiple failures render as a bulleted list.
func (e ValidationError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "configuration validation failed"
	case 1:
		return "configuration validation failed: " + e.Errors[0].Error()
	}

	lines := make([]string, 0, len(e.Errors)+1)
	lines = append(lines, fmt.Sprintf("configuration validation failed with %d errors:", len(e.Errors)))
	for _, fe := range e.Errors {
		lines = append(lines, "  - "+fe.Error())
	}
	return strings.Join(lines, "\n") + "\n"
}

// Validate checks every section of the configuration. It returns nil when
// the config is usable, or a ValidationError carrying the complete list of
// offending fields.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateProxy(&cfg.Proxy)...)
	errs = append(errs, validateModels(cfg.Models)...)
	errs = append(errs, validateCluster(&cfg.Cluster)...)
	errs = append(errs, validateHeaders(&cfg.Headers)...)
	errs = append(errs, validateSessions(&cfg.Sessions)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateProxy(p *ProxyConfig) []FieldError {
	var errs []FieldError

	if p.Port < 1 || p.Port > 65535 {
		errs = append(errs, FieldError{
			Field:   "proxy.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", p.Port),
		})
	}

	valid := false
	for _, s := range knownStrategies {
		if p.Strategy == s {
			valid = true
			break
		}
	}
	if !valid {
		errs = append(errs, FieldError{
			Field: "proxy.strategy",
			Message: fmt.Sprintf("unknown strategy %q (valid: %s)",
				p.Strategy, strings.Join(knownStrategies, ", ")),
		})
	}

	if p.HealthCheckIntervalS < 1 {
		errs = append(errs, FieldError{
			Field:   "proxy.health_check_interval_s",
			Message: "must be at least 1 second",
		})
	}
	if p.RequestTimeoutS < 1 {
		errs = append(errs, FieldError{
			Field:   "proxy.request_timeout_s",
			Message: "must be at least 1 second",
		})
	}
	if p.ProbeTimeoutS < 1 {
		errs = append(errs, FieldError{
			Field:   "proxy.probe_timeout_s",
			Message: "must be at least 1 second",
		})
	}
	if p.ConnectTimeoutS < 1 {
		errs = append(errs, FieldError{
			Field:   "proxy.connect_timeout_s",
			Message: "must be at least 1 second",
		})
	}
	if p.MaxRetries < 0 {
		errs = append(errs, FieldError{
			Field:   "proxy.max_retries",
			Message: "must not be negative",
		})
	}
	if p.MaxInFlight < 0 {
		errs = append(errs, FieldError{
			Field:   "proxy.max_in_flight",
			Message: "must not be negative",
		})
	}

	return errs
}

func validateModels(models []ModelConfig) []FieldError {
	var errs []FieldError

	seen := make(map[string]bool)
	for i, m := range models {
		prefix := fmt.Sprintf("models[%d]", i)

		if m.Name == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: "is required",
			})
		} else if seen[m.Name] {
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate model name %q", m.Name),
			})
		}
		seen[m.Name] = true

		if m.BasePort < 1 || m.BasePort > 65535 {
			errs = append(errs, FieldError{
				Field:   prefix + ".base_port",
				Message: fmt.Sprintf("must be between 1 and 65535, got %d", m.BasePort),
			})
		}
		if m.Replicas < 1 {
			errs = append(errs, FieldError{
				Field:   prefix + ".replicas",
				Message: "must be at least 1",
			})
		}
		if m.TensorParallelSize < 1 {
			errs = append(errs, FieldError{
				Field:   prefix + ".tensor_parallel_size",
				Message: "must be at least 1",
			})
		}
		if m.GPUMemoryUtilization <= 0 || m.GPUMemoryUtilization > 1 {
			errs = append(errs, FieldError{
				Field:   prefix + ".gpu_memory_utilization",
				Message: fmt.Sprintf("must be in (0, 1], got %g", m.GPUMemoryUtilization),
			})
		}
	}

	return errs
}

func validateCluster(c *ClusterConfig) []FieldError {
	var errs []FieldError

	if c.Type != "slurm" && c.Type != "local" {
		errs = append(errs, FieldError{
			Field:   "cluster.type",
			Message: fmt.Sprintf("must be \"slurm\" or \"local\", got %q", c.Type),
		})
	}

	return errs
}

func validateHeaders(h *HeadersConfig) []FieldError {
	var errs []FieldError

	fields := map[string]string{
		"headers.session":     h.Session,
		"headers.task":        h.Task,
		"headers.client":      h.Client,
		"headers.timing_pre":  h.TimingPre,
		"headers.timing_post": h.TimingPost,
	}
	for field, val := range fields {
		if val == "" {
			errs = append(errs, FieldError{Field: field, Message: "must not be empty"})
		}
	}

	return errs
}

func validateSessions(s *SessionsConfig) []FieldError {
	var errs []FieldError

	if s.ExpireS < 1 {
		errs = append(errs, FieldError{
			Field:   "sessions.expire_s",
			Message: "must be at least 1 second",
		})
	}
	if s.SessionRing < 1 {
		errs = append(errs, FieldError{
			Field:   "sessions.session_ring",
			Message: "must be at least 1",
		})
	}
	if s.GlobalRing < 1 {
		errs = append(errs, FieldError{
			Field:   "sessions.global_ring",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateTelemetry(t *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch t.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", t.Logging.Level),
		})
	}

	switch t.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("must be \"json\" or \"text\", got %q", t.Logging.Format),
		})
	}

	if t.Metrics.Path != "" && !strings.HasPrefix(t.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "must start with /",
		})
	}

	return errs
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// parseConfig reads and unmarshals a YAML file and applies defaults, but
// performs no validation. Callers validate once, after any overrides have
// been applied.
func parseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any
// errors. Unknown keys in the file are ignored.
func LoadConfig(path string) (*Config, error) {
	cfg, err := parseConfig(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigOrDefault loads configuration from the given path, falling back
// to an all-defaults configuration if the file does not exist. Any other
// read or parse error is still returned.
func LoadConfigOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		var cfg Config
		ApplyDefaults(&cfg)
		return &cfg, nil
	}
	return LoadConfig(path)
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. The variables read are
// AGENT_INFRA_PROXY_PORT, AGENT_INFRA_PROXY_STRATEGY,
// AGENT_INFRA_PROXY_REQUEST_TIMEOUT_S, AGENT_INFRA_CLUSTER_ENDPOINTS_FILE
// and AGENT_INFRA_LOG; when set, they take precedence over the file. Other
// fields have no environment override.
//
// The loading sequence is:
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate final configuration
//
// Validation runs only on the final result, so an invalid file value that
// an environment variable corrects (e.g. a bad telemetry.logging.level
// fixed via AGENT_INFRA_LOG) does not abort the load.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := parseConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("AGENT_INFRA_PROXY_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.Port = i
		}
	}
	if val := os.Getenv("AGENT_INFRA_PROXY_STRATEGY"); val != "" {
		cfg.Proxy.Strategy = val
	}
	if val := os.Getenv("AGENT_INFRA_PROXY_REQUEST_TIMEOUT_S"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.RequestTimeoutS = i
		}
	}
	if val := os.Getenv("AGENT_INFRA_CLUSTER_ENDPOINTS_FILE"); val != "" {
		cfg.Cluster.EndpointsFile = val
	}

	// AGENT_INFRA_LOG is the documented short form for the log level.
	if val := os.Getenv("AGENT_INFRA_LOG"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
}

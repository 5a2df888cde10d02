// Package config provides configuration loading, defaults, and validation
// for the agent-infra proxy.
//
// Configuration is loaded from a YAML file, defaults are applied for any
// unset fields, and the result is validated before use. Environment
// variables with the AGENT_INFRA_ prefix override file values.
//
// Example:
//
//	cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//	if err != nil {
//	    // a ValidationError lists every offending field
//	}
package config

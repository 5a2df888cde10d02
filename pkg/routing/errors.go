package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoBackendAvailable is returned when every candidate for a model
	// is unhealthy, draining, removed, or at capacity.
	ErrNoBackendAvailable = errors.New("no backend available")

	// ErrUnknownModel is returned when the requested model has no
	// registered backends at all.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidStrategy is returned when an unknown strategy name is
	// configured.
	ErrInvalidStrategy = errors.New("invalid strategy")
)

// NoBackendAvailableError is returned when a model is known but no backend
// is currently selectable.
type NoBackendAvailableError struct {
	// Model is the requested model.
	Model string

	// Excluded contains backend ids that were excluded from this decision
	// (failed earlier attempts during failover).
	Excluded []string
}

// Error implements the error interface.
func (e *NoBackendAvailableError) Error() string {
	if len(e.Excluded) == 0 {
		return fmt.Sprintf("no backend available for model %q", e.Model)
	}
	return fmt.Sprintf("no backend available for model %q (excluded: %s)",
		e.Model, strings.Join(e.Excluded, ", "))
}

// Is implements error matching for errors.Is().
func (e *NoBackendAvailableError) Is(target error) bool {
	return target == ErrNoBackendAvailable
}

// UnknownModelError is returned when the requested model is not served by
// any registered backend.
type UnknownModelError struct {
	// Model is the requested model name.
	Model string

	// AvailableModels lists the models currently served.
	AvailableModels []string
}

// Error implements the error interface.
func (e *UnknownModelError) Error() string {
	if len(e.AvailableModels) == 0 {
		return fmt.Sprintf("unknown model %q", e.Model)
	}
	return fmt.Sprintf("unknown model %q (available: %s)",
		e.Model, strings.Join(e.AvailableModels, ", "))
}

// Is implements error matching for errors.Is().
func (e *UnknownModelError) Is(target error) bool {
	return target == ErrUnknownModel
}

// InvalidStrategyError is returned when the configured strategy name is
// not recognized.
type InvalidStrategyError struct {
	// Strategy is the invalid strategy name.
	Strategy string
}

// Error implements the error interface.
func (e *InvalidStrategyError) Error() string {
	names := make([]string, len(Strategies))
	for i, s := range Strategies {
		names[i] = string(s)
	}
	return fmt.Sprintf("invalid strategy %q (valid: %s)",
		e.Strategy, strings.Join(names, ", "))
}

// Is implements error matching for errors.Is().
func (e *InvalidStrategyError) Is(target error) bool {
	return target == ErrInvalidStrategy
}

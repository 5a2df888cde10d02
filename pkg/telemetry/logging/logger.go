// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
)

// Setup installs the default slog logger per the telemetry configuration.
// The AGENT_INFRA_LOG environment variable, when set, overrides the
// configured level.
func Setup(cfg config.LoggingConfig) error {
	levelName := cfg.Level
	if env := os.Getenv("AGENT_INFRA_LOG"); env != "" {
		levelName = env
	}

	level, err := ParseLevel(levelName)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
}

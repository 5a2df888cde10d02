package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JiHyuk-Byun/agent-infra/pkg/cli"
	"github.com/JiHyuk-Byun/agent-infra/pkg/server"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agent-infra",
	Short: "Load-balancing proxy for GPU inference backends",
	Long: `Agent-infra fronts a pool of GPU-backed language-model inference
servers for multi-turn agent workloads.

It provides:
  - OpenAI-compatible chat-completions ingress with streaming passthrough
  - Four load balancing strategies with health-aware failover
  - Per-session turn telemetry and bottleneck diagnosis
  - A read-only /admin surface for the terminal dashboard`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and maps well-known error types to the
// documented process exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var configErr *cli.ConfigError
		var bindErr *server.BindError
		switch {
		case errors.As(err, &configErr):
			os.Exit(cli.ExitConfig)
		case errors.As(err, &bindErr):
			os.Exit(cli.ExitBind)
		default:
			os.Exit(1)
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JiHyuk-Byun/agent-infra/pkg/cli"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the proxy.

Exits with code 2 and lists every offending field when the configuration
is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return cli.NewConfigError(cfgFile, err.Error())
		}

		fmt.Printf("configuration valid: %d model(s), strategy %s, port %d\n",
			len(cfg.Models), cfg.Proxy.Strategy, cfg.Proxy.Port)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/JiHyuk-Byun/agent-infra/pkg/admin"
	"github.com/JiHyuk-Byun/agent-infra/pkg/backend"
	"github.com/JiHyuk-Byun/agent-infra/pkg/cli"
	"github.com/JiHyuk-Byun/agent-infra/pkg/cluster"
	"github.com/JiHyuk-Byun/agent-infra/pkg/config"
	"github.com/JiHyuk-Byun/agent-infra/pkg/health"
	"github.com/JiHyuk-Byun/agent-infra/pkg/proxy"
	"github.com/JiHyuk-Byun/agent-infra/pkg/routing"
	"github.com/JiHyuk-Byun/agent-infra/pkg/server"
	"github.com/JiHyuk-Byun/agent-infra/pkg/session"
	"github.com/JiHyuk-Byun/agent-infra/pkg/telemetry/logging"
	"github.com/JiHyuk-Byun/agent-infra/pkg/telemetry/metrics"
)

var runFlags struct {
	port     int
	strategy string
	logLevel string
	backends []string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the load-balancing proxy",
	Long: `Start the load-balancing proxy with the specified configuration.

Backends come from the configured models (base_port + replica index), an
optional endpoints file maintained by the cluster launcher, or explicit
--backends specs for standalone use.

Examples:
  # Start with default config
  agent-infra run

  # Start with custom config
  agent-infra run --config /etc/agent-infra/config.yaml

  # Standalone with explicit backends
  agent-infra run --backends "llama=127.0.0.1:5900,127.0.0.1:5901" --strategy round_robin

  # Validate config without starting
  agent-infra run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runFlags.port, "port", "p", 0, "override proxy port")
	runCmd.Flags().StringVar(&runFlags.strategy, "strategy", "", "override load balancing strategy")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringArrayVar(&runFlags.backends, "backends", nil, "backend specs: model=host:port[,host:port...]")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting the proxy")
}

func runServer(cmd *cobra.Command, args []string) error {
	// A .env in the working directory may carry AGENT_INFRA_* overrides.
	_ = godotenv.Load(".env")

	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError(cfgFile, err.Error())
	}

	// Apply flag overrides.
	if runFlags.port != 0 {
		cfg.Proxy.Port = runFlags.port
	}
	if runFlags.strategy != "" {
		cfg.Proxy.Strategy = runFlags.strategy
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return cli.NewConfigError(cfgFile, err.Error())
	}

	if err := logging.Setup(cfg.Telemetry.Logging); err != nil {
		return cli.NewConfigError(cfgFile, err.Error())
	}

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	strategy, err := routing.ParseStrategy(cfg.Proxy.Strategy)
	if err != nil {
		return cli.NewConfigError(cfgFile, err.Error())
	}

	// Backend pool.
	registry := backend.NewRegistry()

	var endpoints []cluster.Endpoint
	if len(runFlags.backends) > 0 {
		endpoints, err = cluster.ParseBackendSpecs(runFlags.backends)
		if err != nil {
			return cli.NewConfigError(cfgFile, err.Error())
		}
	} else {
		endpoints = cluster.FromConfig(cfg.Models)
	}
	added, _ := cluster.SyncRegistry(registry, endpoints, cfg.Proxy.MaxInFlight)
	slog.Info("backend pool initialized", "backends", added, "models", registry.Models())

	// Request path.
	engine := routing.NewEngine(strategy, registry)
	store := session.NewStore(cfg.Sessions.SessionRing, cfg.Sessions.GlobalRing, cfg.Sessions.Expire())

	var recorder proxy.MetricsRecorder
	var metricsHandler http.Handler
	if *cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		recorder = metrics.NewRequestMetrics(&cfg.Telemetry.Metrics, promRegistry)
		metrics.NewBackendCollector(&cfg.Telemetry.Metrics, registry, promRegistry)
		metricsHandler = metrics.Handler(promRegistry)
	}

	forwarder := proxy.NewForwarder(cfg, registry, engine, store, recorder)
	adminHandler := admin.NewHandler(registry, store, forwarder, cfg.Proxy.Strategy)

	ctx, received := cli.SetupSignalHandler()

	// Background tasks: health probing, session eviction, endpoint watch.
	monitor := health.NewMonitor(registry, cfg.Proxy.HealthCheckInterval(), cfg.Proxy.ProbeTimeout())
	go monitor.Start(ctx)

	sweeper := session.NewSweeper(store)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	if cfg.Cluster.EndpointsFile != "" {
		watcher, err := cluster.NewWatcher(cfg.Cluster.EndpointsFile, registry, cfg.Proxy.MaxInFlight)
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				slog.Error("endpoints watcher exited", "error", err)
			}
		}()
	}

	srv := server.NewServer(
		&cfg.Proxy,
		registry,
		forwarder,
		adminHandler,
		cfg.Telemetry.Metrics.Path,
		metricsHandler,
	)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	// A SIGINT-triggered shutdown exits 130 per convention; SIGTERM is a
	// clean stop.
	select {
	case sig := <-received:
		if sig == os.Interrupt {
			os.Exit(cli.ExitInterrupted)
		}
	default:
	}
	return nil
}

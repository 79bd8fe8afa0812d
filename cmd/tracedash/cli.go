package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tracedash/internal/config"
	"tracedash/internal/dashboard"
	"tracedash/internal/logging"
	"tracedash/internal/observability"
	"tracedash/internal/trace"
	"tracedash/internal/tracesvc"
	id "tracedash/internal/utils/id"
)

// CLI holds state shared by every subcommand.
type CLI struct {
	configPath string
	verbose    bool
	quiet      bool

	cfg  config.Config
	meta config.Metadata
	obs  *observability.Provider
	out  io.Writer
}

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "tracedash",
		Short: "Live execution traces for multi-agent document pipelines",
		Long: fmt.Sprintf(`%s

tracedash starts agent runs against a trace service, polls their progress and
streams every step to dashboards over SSE and WebSocket.

%s
  tracedash serve                     # Dashboard API on :8080 (simulated pipeline)
  tracedash serve --with-backend      # Dashboard plus the simulated backend on :8090
  tracedash backend                   # Only the simulated backend
  tracedash run "classify lease.pdf"  # Follow one run in the terminal
  tracedash config init               # Write tracedash.yaml with defaults`,
			bold("tracedash"),
			bold("EXAMPLES:")),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", "", "Config file (default: ./tracedash.yaml or ~/.tracedash/tracedash.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&cli.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newServeCommand(cli))
	rootCmd.AddCommand(newBackendCommand(cli))
	rootCmd.AddCommand(newRunCommand(cli))
	rootCmd.AddCommand(newConfigCommand(cli))

	return rootCmd
}

// initialize loads configuration and sets up logging, metrics and tracing.
func (cli *CLI) initialize(cmd *cobra.Command) error {
	cli.out = cmd.OutOrStdout()

	overrides := map[string]any{}
	switch {
	case cli.verbose:
		overrides["observability.logging.level"] = "debug"
	case cli.quiet:
		overrides["observability.logging.level"] = "warn"
	}

	cfg, meta, err := config.Load(config.WithConfigFile(cli.configPath), config.WithOverrides(overrides))
	if err != nil {
		return err
	}
	cli.cfg, cli.meta = cfg, meta

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	cli.obs = obs
	logging.SetDefault(obs.Logger)

	if meta.ConfigFile != "" {
		logging.NewComponentLogger("Config").Debug("Loaded config from %s", meta.ConfigFile)
	}
	return nil
}

// shutdown flushes telemetry; errors are logged, not returned.
func (cli *CLI) shutdown() {
	if cli.obs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.obs.Shutdown(ctx); err != nil {
		logging.NewComponentLogger("Main").Warn("Telemetry shutdown: %v", err)
	}
}

// newSimulator builds the simulated document pipeline.
func (cli *CLI) newSimulator() *tracesvc.Simulator {
	return tracesvc.NewSimulator(cli.cfg.Simulator,
		tracesvc.WithLogger(logging.NewComponentLogger("Simulator")),
		tracesvc.WithIDGenerator(id.NewGenerator(cli.cfg.IDStrategy())),
	)
}

// newService returns the trace service selected by service.mode.
func (cli *CLI) newService() trace.Service {
	if cli.cfg.Service.Mode == config.ServiceModeHTTP {
		return tracesvc.NewHTTPClient(cli.cfg.Service.BaseURL, cli.cfg.Service.Timeout,
			tracesvc.WithHTTPLogger(logging.NewComponentLogger("TraceServiceClient")),
			tracesvc.WithHTTPTracer(cli.obs.Tracer.Tracer()),
		)
	}
	return cli.newSimulator()
}

// newSession wires a dashboard session over service.
func (cli *CLI) newSession(service trace.Service) (*dashboard.Session, error) {
	return dashboard.New(service, cli.cfg.History, logging.NewComponentLogger("Dashboard"),
		trace.WithMetrics(cli.obs.Metrics),
		trace.WithTracer(cli.obs.Tracer.Tracer()),
		trace.WithPollerConfig(cli.cfg.TracePoller()),
		trace.WithStartRetry(cli.cfg.StartRetry()),
	)
}

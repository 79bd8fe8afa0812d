package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tracedash/internal/dashboard"
	"tracedash/internal/logging"
	serverhttp "tracedash/internal/server/http"
	"tracedash/internal/trace"
	"tracedash/internal/tracesvc"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(cli *CLI) *cobra.Command {
	var withBackend bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API",
		Long: `Run the dashboard API: REST endpoints under /api/traces, live streams over
SSE (/api/traces/:id/events) and WebSocket (/api/traces/:id/ws), /health and
/metrics.

With --with-backend the simulated trace backend is started as well and the
dashboard reaches it over HTTP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.shutdown()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return cli.serve(ctx, withBackend)
		},
	}
	cmd.Flags().BoolVar(&withBackend, "with-backend", false, "Also serve the simulated backend on server.backend_addr")
	return cmd
}

func (cli *CLI) serve(ctx context.Context, withBackend bool) error {
	logger := logging.NewComponentLogger("Serve")
	g, ctx := errgroup.WithContext(ctx)

	var service trace.Service
	if withBackend {
		listener, err := net.Listen("tcp", cli.cfg.Server.BackendAddr)
		if err != nil {
			return fmt.Errorf("backend: listen on %s: %w", cli.cfg.Server.BackendAddr, err)
		}
		backend := cli.newBackendServer(cli.newSimulator())
		g.Go(func() error { return backend.Serve(ctx, listener) })

		baseURL := localURL(listener.Addr())
		logger.Info("Dashboard reaches the simulated backend at %s", baseURL)
		service = tracesvc.NewHTTPClient(baseURL, cli.cfg.Service.Timeout,
			tracesvc.WithHTTPLogger(logging.NewComponentLogger("TraceServiceClient")),
			tracesvc.WithHTTPTracer(cli.obs.Tracer.Tracer()),
		)
	} else {
		service = cli.newService()
	}

	session, err := cli.newSession(service)
	if err != nil {
		return err
	}
	defer closeSession(session, logger)

	g.Go(func() error {
		loaded, err := session.LoadHistory(ctx)
		if err != nil {
			logger.Warn("Trace history unavailable, retrying on first start: %v", err)
			return nil
		}
		logger.Info("Loaded %d historical traces", loaded)
		return nil
	})

	router := serverhttp.NewRouter(serverhttp.RouterDeps{
		Session: session,
		Obs:     cli.obs,
		Logger:  logging.NewComponentLogger("API"),
	}, cli.cfg.Server.RouterConfig)
	dashboardServer := serverhttp.NewServer("dashboard", cli.cfg.Server.Addr, router, logger)
	g.Go(func() error { return dashboardServer.Run(ctx) })

	return g.Wait()
}

func (cli *CLI) newBackendServer(service trace.Service) *serverhttp.Server {
	logger := logging.NewComponentLogger("Backend")
	router := serverhttp.NewBackendRouter(service, cli.obs, logger, cli.cfg.Server.RouterConfig)
	return serverhttp.NewServer("backend", cli.cfg.Server.BackendAddr, router, logger)
}

func closeSession(session *dashboard.Session, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		logger.Warn("Session close: %v", err)
	}
}

// localURL turns a listener address such as [::]:8090 into a dialable URL.
func localURL(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "http://" + addr.String()
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func newBackendCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Serve the simulated trace backend",
		Long: `Serve the simulated document pipeline over the trace service API:

  POST /v1/traces               start a run
  GET  /v1/traces/:id/updates   steps since the previous call
  GET  /v1/traces               finished runs, newest first

Point a dashboard at it with service.mode=http and service.base_url.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.shutdown()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return cli.newBackendServer(cli.newSimulator()).Run(ctx)
		},
	}
}

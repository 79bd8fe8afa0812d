package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "tracedash/internal/errors"
	"tracedash/internal/logging"
	"tracedash/internal/trace"
)

func newRunCommand(cli *CLI) *cobra.Command {
	var (
		timeout time.Duration
		params  []string
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Start a trace and follow it in the terminal",
		Long: `Start a trace for goal and print every step as it arrives.

Examples:
  tracedash run "classify lease.pdf"
  tracedash run "score vendor contract" --param document=contract.pdf --timeout 2m`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli.quiet = true
			if err := cli.initialize(cmd); err != nil {
				return err
			}
			defer cli.shutdown()

			runContext, err := parseParams(params)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return cli.runTrace(ctx, strings.Join(args, " "), runContext)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop following after this long (0 waits for the run to finish)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Run context entry as key=value (repeatable)")
	return cmd
}

func parseParams(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", value)
		}
		params[key] = val
	}
	return params, nil
}

func (cli *CLI) runTrace(ctx context.Context, goal string, params map[string]any) error {
	logger := logging.NewComponentLogger("Run")
	session, err := cli.newSession(cli.newService())
	if err != nil {
		return err
	}
	defer closeSession(session, logger)

	traceID, err := session.StartTrace(ctx, goal, params)
	if err != nil {
		return fmt.Errorf("could not start trace: %s", apperrors.FormatForUser(err))
	}

	renderer := newTraceRenderer(cli.out)
	renderer.header(traceID, goal)
	unsubscribe := session.SubscribeToTrace(traceID, renderer.update)
	defer unsubscribe()
	if rec, ok := session.GetTrace(traceID); ok {
		renderer.update(rec)
	}

	select {
	case <-renderer.done:
	case <-ctx.Done():
		session.ClearCurrentTrace()
		return fmt.Errorf("stopped following trace %s: %w", traceID, ctx.Err())
	}

	rec, _ := renderer.result()
	if rec.Status == trace.StatusFailed {
		return fmt.Errorf("trace %s failed", traceID)
	}
	return nil
}

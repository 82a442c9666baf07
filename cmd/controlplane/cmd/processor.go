package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wdvr/gpu-devpod-controlplane/internal/app"
	"github.com/wdvr/gpu-devpod-controlplane/internal/healthserver"
	"github.com/wdvr/gpu-devpod-controlplane/internal/reservation"
)

func newProcessorCmd() *cobra.Command {
	var workers int
	var withHealthServer bool

	cmd := &cobra.Command{
		Use:   "processor",
		Short: "Run the Reservation Processor, consuming the reservation and disk-ops queues",
		RunE: func(c *cobra.Command, args []string) error {
			return runProcessor(c.Context(), workers, withHealthServer)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 0, "number of poll-loop workers (0 = default of 4)")
	cmd.Flags().BoolVar(&withHealthServer, "with-health-server", true, "serve /healthz and /metrics alongside the processor")
	return cmd
}

func runProcessor(ctx context.Context, workers int, withHealthServer bool) error {
	a, err := app.Bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	p := reservation.New(a.Cfg, a.Pool, a.ReserveQueue, a.DiskQueue, a.CG, a.CA, a.Keys, workers, a.Log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx) })

	if withHealthServer {
		srv := healthserver.New(a.Pool, a.Metrics, a.Log)
		g.Go(func() error { return serveHealth(ctx, srv, a.Cfg.MetricsAddr) })
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("processor run failed: %w", err)
	}
	return nil
}

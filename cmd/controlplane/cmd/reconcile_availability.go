package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/wdvr/gpu-devpod-controlplane/internal/app"
	"github.com/wdvr/gpu-devpod-controlplane/internal/availability"
	"github.com/wdvr/gpu-devpod-controlplane/internal/healthserver"
)

func newReconcileAvailabilityCmd() *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "reconcile-availability",
		Short: "Run the Availability Reconciler once, or continuously with --loop",
		Long: `Recomputes gpu_types availability columns from cloud ASG/node state and
reconciles the disks catalog against cloud's authoritative volume inventory.
Intended to be invoked by an external CronJob (one pass, default) or run
as an in-process ticker (--loop) sized by AVAILABILITY_RECONCILE_SECONDS.`,
		RunE: func(c *cobra.Command, args []string) error {
			return runReconcileAvailability(c.Context(), loop)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "run continuously on AVAILABILITY_RECONCILE_SECONDS instead of exiting after one pass")
	return cmd
}

func runReconcileAvailability(ctx context.Context, loop bool) error {
	a, err := app.Bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	r := availability.New(a.Cfg, a.Pool, a.CG, a.CA, a.Log)

	runOnce := func(ctx context.Context) {
		stats, err := r.Reconcile(ctx)
		if err != nil {
			a.Log.Error(err, "availability reconcile pass failed")
			return
		}
		a.Metrics.VolumesSynced.Set(float64(stats.VolumesSynced))
		a.Log.Info("availability reconcile pass complete",
			"gpuTypesReconciled", stats.GPUTypesReconciled,
			"volumesSynced", stats.VolumesSynced,
			"errors", stats.Errors)
	}

	if !loop {
		runOnce(ctx)
		return nil
	}

	go func() {
		srv := healthserver.New(a.Pool, a.Metrics, a.Log)
		if err := serveHealth(ctx, srv, a.Cfg.MetricsAddr); err != nil {
			a.Log.Error(err, "health server exited")
		}
	}()

	ticker := time.NewTicker(a.Cfg.AvailabilityReconcileInterval)
	defer ticker.Stop()
	runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce(ctx)
		}
	}
}

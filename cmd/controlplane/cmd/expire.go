package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/wdvr/gpu-devpod-controlplane/internal/app"
	"github.com/wdvr/gpu-devpod-controlplane/internal/expiry"
	"github.com/wdvr/gpu-devpod-controlplane/internal/healthserver"
)

func newExpireCmd() *cobra.Command {
	var loop bool

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Run the Expiry & Warning Engine once, or continuously with --loop",
		Long: `Ticks every active reservation for pre-expiry warnings and OOM
detection, expires reservations past their expiry_time, retries idempotent
post-expiry cleanup, and hard-deletes volumes past their soft-delete
retention window.`,
		RunE: func(c *cobra.Command, args []string) error {
			return runExpire(c.Context(), loop)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "run continuously on EXPIRY_TICK_SECONDS instead of exiting after one pass")
	return cmd
}

func runExpire(ctx context.Context, loop bool) error {
	a, err := app.Bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	e := expiry.New(a.Cfg, a.Pool, a.CG, a.CA, a.Log)

	runOnce := func(ctx context.Context) {
		stats, err := e.Tick(ctx)
		if err != nil {
			a.Log.Error(err, "expiry tick failed")
			return
		}
		a.Metrics.ExpirationsTotal.Add(float64(stats.Expired))
		a.Log.Info("expiry tick complete",
			"active", stats.Active,
			"warningsSent", stats.WarningsSent,
			"oomDetections", stats.OOMDetections,
			"expired", stats.Expired,
			"hardDeleted", stats.HardDeleted,
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

	ticker := time.NewTicker(a.Cfg.ExpiryTickInterval)
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

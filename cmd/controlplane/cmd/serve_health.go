package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wdvr/gpu-devpod-controlplane/internal/app"
	"github.com/wdvr/gpu-devpod-controlplane/internal/healthserver"
)

func newServeHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-health",
		Short: "Serve /healthz, /readyz, and /metrics standalone",
		Long: `Runs only the health/metrics HTTP server, for deployments that split
it into its own sidecar rather than embedding it in processor/
reconcile-availability/expire via --with-health-server or --loop.`,
		RunE: func(c *cobra.Command, args []string) error {
			return runServeHealth(c.Context())
		},
	}
	return cmd
}

func runServeHealth(ctx context.Context) error {
	a, err := app.Bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := healthserver.New(a.Pool, a.Metrics, a.Log)
	return serveHealth(ctx, srv, a.Cfg.MetricsAddr)
}

// Package cmd assembles the controlplane CLI: a one-binary-many-
// subcommands shape, a cobra root command with one subcommand per
// subsystem, each sharing internal/app's bootstrap instead of
// duplicating client wiring.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controlplane",
		Short: "GPU dev-pod reservation control plane",
		Long: `controlplane runs the Reservation Processor, Availability Reconciler,
and Expiry & Warning Engine that together admit, schedule, and expire GPU
development pod reservations against a shared Postgres store and a
Kubernetes cluster.`,
		RunE: func(c *cobra.Command, args []string) error {
			return c.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newProcessorCmd())
	cmd.AddCommand(newReconcileAvailabilityCmd())
	cmd.AddCommand(newExpireCmd())
	cmd.AddCommand(newServeHealthCmd())
	return cmd
}

// Execute runs the root command, installing a bootstrap logger so any
// error before a subcommand builds its own (config-aware) logger is
// still reported structurally.
func Execute(ctx context.Context) {
	logger := zap.New()
	ctrl.SetLogger(logger)
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Error(err, "command execution failed")
		os.Exit(1)
	}
}

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <code>",
		Short: "Re-drives extraction over a code's incomplete sections",
		Long: `Assesses how many of the code's sections are complete and re-runs
extraction over the gap set, halving the worker count after each pass.
If the code still does not converge, a failure report is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := a.Reconciler().Reconcile(ctx, args[0])
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			a.Logger.Info("reconciliation finished",
				zap.String("code", report.Code),
				zap.Bool("converged", report.Success),
				zap.Float64("completion_rate", report.Final.CompletionRate),
				zap.Int("attempts", len(report.Attempts)))

			if !report.Success {
				return fmt.Errorf("%s did not converge: %.1f%% complete", report.Code, report.Final.CompletionRate)
			}
			return nil
		},
	}
}

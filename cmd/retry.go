package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/pipeline"
)

func newRetryCmd() *cobra.Command {
	var (
		section string
		force   bool
		limit   int
		types   []string
	)

	cmd := &cobra.Command{
		Use:   "retry <code>",
		Short: "Retries failed sections from the ledger",
		Long: `Replays extraction for sections in the failure ledger. With --section
a single section is retried; otherwise every pending failure is, oldest
first. Multi-version failures are resolved through the headless
browser.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Retries may hit version selectors, so the browser pool is
			// started up front.
			if _, err := a.StartHeadless(); err != nil {
				return err
			}
			l := a.Ledger()
			code := args[0]

			if section != "" {
				outcome, err := l.RetryOne(ctx, code, section, force)
				if err != nil {
					return fmt.Errorf("retry %s:%s: %w", code, section, err)
				}
				a.Logger.Info("retry finished",
					zap.String("section", section),
					zap.Bool("success", outcome.Success),
					zap.Bool("cached", outcome.Cached),
					zap.String("error", outcome.ErrorText))
				if !outcome.Success {
					return fmt.Errorf("retry failed: %s", outcome.ErrorText)
				}
				return nil
			}

			failureTypes := make([]pipeline.FailureType, 0, len(types))
			for _, t := range types {
				failureTypes = append(failureTypes, pipeline.FailureType(t))
			}

			summary, err := l.RetryAll(ctx, code, limit, failureTypes)
			if err != nil {
				return fmt.Errorf("retry all: %w", err)
			}
			a.Logger.Info("ledger retries finished",
				zap.Int("total", summary.Total),
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("failed", summary.Failed))
			return nil
		},
	}

	cmd.Flags().StringVar(&section, "section", "", "retry a single section")
	cmd.Flags().BoolVar(&force, "force", false, "retry even if already resolved")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of sections retried (0 = all)")
	cmd.Flags().StringSliceVar(&types, "types", nil, "only retry these failure types (e.g. timeout,network_error)")
	return cmd
}

package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calegis/lawcrawl/internal/pipeline"
	"github.com/calegis/lawcrawl/internal/runner"
)

func newCrawlCmd() *cobra.Command {
	var skipVersions, skipReconcile bool

	cmd := &cobra.Command{
		Use:   "crawl <code>",
		Short: "Runs the full ingestion pipeline for one code",
		Long: `Runs discovery, extraction, version resolution and reconciliation
for the named code (e.g. FAM, EVID, WAT). Ctrl-C checkpoints progress;
rerunning the command resumes from the last completed batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			r, err := a.Runner(!skipVersions)
			if err != nil {
				return err
			}

			job, err := r.NewJob(ctx, args[0])
			if err != nil {
				return err
			}
			a.Logger.Info("job created", zap.String("job_id", job.ID))

			opts := runner.Options{SkipVersions: skipVersions, SkipReconcile: skipReconcile}
			if err := r.Run(ctx, job, opts); err != nil {
				if errors.Is(err, pipeline.ErrInterrupted) {
					a.Logger.Info("interrupted; progress checkpointed", zap.String("job_id", job.ID))
					return nil
				}
				return fmt.Errorf("run pipeline: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipVersions, "skip-versions", false, "leave multi-version sections unresolved")
	cmd.Flags().BoolVar(&skipReconcile, "skip-reconcile", false, "skip the reconciliation pass")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pbaille/scriptreg/internal/batch"
	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/watch"
)

func classifyCmd(a *app) *cobra.Command {
	var (
		pipeline string
		since    time.Duration
		watching bool
	)

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Collect signals, score and classify every registered artifact",
		Long: `Collect git, reference and content signals for each live artifact,
score them under the configured policy and commit one classification per artifact.

With --watch, the scan roots are watched and every settled burst of changes
re-registers and re-classifies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			runner := a.runner(s)
			opts := batch.Options{Pipeline: pipeline, Since: since}
			out := cmd.OutOrStdout()

			if !watching {
				summary, err := runner.Run(cmd.Context(), opts)
				printSummary(out, summary)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watch.New(a.cfg.Root, watch.Options{
				Include:    a.cfg.Scan.Include,
				SkipDirs:   a.cfg.Scan.SkipDirs,
				ArchiveDir: a.cfg.Archive.DirName,
				Debounce:   a.cfg.GetWatchDebounce(),
			}, func(ctx context.Context) error {
				if _, err := a.discover(ctx, s); err != nil {
					return err
				}
				summary, err := runner.Run(ctx, opts)
				printSummary(out, summary)
				return err
			}, a.logger.Named("watch"))

			// classify once before waiting for changes
			summary, err := runner.Run(ctx, opts)
			printSummary(out, summary)
			if err != nil {
				a.logger.Warn("initial run incomplete", zap.Error(err))
			}
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "only classify this pipeline")
	cmd.Flags().DurationVar(&since, "since", 0, "only re-classify artifacts not classified within this duration (0 = all)")
	cmd.Flags().BoolVarP(&watching, "watch", "w", false, "re-classify when scripts change")

	return cmd
}

func printSummary(out io.Writer, s *batch.Summary) {
	if s == nil {
		return
	}
	fmt.Fprintf(out, "Run %s at %s\n", s.RunID, s.RunAt.Format(time.RFC3339))
	for _, st := range domain.LifecycleStates {
		fmt.Fprintf(out, "  %-20s %d\n", st, s.Counts[st])
	}
	if s.Skipped > 0 {
		fmt.Fprintf(out, "  %-20s %d\n", "skipped", s.Skipped)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(out, "  failed: %s: %v\n", f.Identity, f.Err)
	}
}

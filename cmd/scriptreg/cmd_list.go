package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/store"
)

func listCmd(a *app) *cobra.Command {
	var (
		state    string
		pipeline string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{Pipeline: pipeline, State: domain.State(state), IncludeArchived: all}
			if f.State != "" && !f.State.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}

			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			artifacts, err := s.ListArtifacts(cmd.Context(), f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(artifacts) == 0 {
				fmt.Fprintln(out, "No artifacts. Use 'scriptreg register' to discover some.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STATE\tSCORE\tPIPELINE\tIDENTITY")
			for _, art := range artifacts {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", art.State, art.Score, art.Pipeline, art.Identity)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&state, "state", "s", "", "only artifacts in this state")
	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "only artifacts in this pipeline")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived artifacts")

	return cmd
}

func showCmd(a *app) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "show [identity]",
		Short: "Show an artifact with its classifications and archive history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			id := args[0]
			art, err := s.GetArtifact(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("artifact %s: %w", id, err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity:   %s\n", art.Identity)
			if art.Path != "" {
				fmt.Fprintf(out, "Path:       %s\n", art.Path)
			}
			fmt.Fprintf(out, "Pipeline:   %s\n", art.Pipeline)
			if art.Language != "" {
				fmt.Fprintf(out, "Language:   %s\n", art.Language)
			}
			fmt.Fprintf(out, "State:      %s (score %d)\n", art.State, art.Score)
			fmt.Fprintf(out, "First seen: %s\n", art.FirstSeenAt.Format("2006-01-02 15:04:05"))

			results, err := s.ClassificationHistory(ctx, id, history)
			if err != nil {
				return err
			}
			if len(results) > 0 {
				latest := results[0]
				fmt.Fprintf(out, "\nLatest classification (%s, policy v%d):\n", latest.RunAt.Format("2006-01-02 15:04:05"), latest.PolicyVersion)
				fmt.Fprintf(out, "  %s, score %d\n", latest.State, latest.Score)
				fmt.Fprintf(out, "  %s\n", latest.Reason)
				if len(latest.Snapshot.Unavailable) > 0 {
					fmt.Fprintf(out, "  unavailable: %s\n", strings.Join(latest.Snapshot.Unavailable, ", "))
				}
			}
			if len(results) > 1 {
				fmt.Fprintf(out, "\nHistory:\n")
				for _, r := range results[1:] {
					fmt.Fprintf(out, "  %s  %-20s %2d  %s\n", r.RunAt.Format("2006-01-02 15:04"), r.State, r.Score, truncate(r.Reason, 60))
				}
			}

			records, err := s.ListArchiveRecords(ctx, id)
			if err != nil {
				return err
			}
			if len(records) > 0 {
				fmt.Fprintf(out, "\nArchive records:\n")
				for _, r := range records {
					fmt.Fprintf(out, "  %s  %-11s by %s: %s\n", r.ArchivedAt.Format("2006-01-02 15:04"), r.Status, r.Operator, truncate(r.Reason, 60))
					if r.ArchiveLocation != "" {
						fmt.Fprintf(out, "    -> %s\n", r.ArchiveLocation)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&history, "history", "n", 10, "number of classifications to show")

	return cmd
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

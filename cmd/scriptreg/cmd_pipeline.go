package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pbaille/scriptreg/internal/domain"
)

func pipelineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "List pipelines or change their status",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pipelines with their live artifact counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			pipelines, err := s.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pipelines) == 0 {
				fmt.Fprintln(out, "No pipelines yet. Pipelines appear as artifacts are registered.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PIPELINE\tSTATUS\tARTIFACTS")
			for _, p := range pipelines {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", p.Name, p.Status, p.Artifacts)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(pipelineStatusCmd(a, "deprecate", domain.PipelineDeprecated,
		"Deprecate a pipeline; refused while it has active artifacts"))
	cmd.AddCommand(pipelineStatusCmd(a, "activate", domain.PipelineActive,
		"Mark a deprecated pipeline active again"))

	return cmd
}

func pipelineStatusCmd(a *app, use string, status domain.PipelineStatus, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.MarkPipelineStatus(cmd.Context(), args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s is now %s\n", args[0], status)
			return nil
		},
	}
}

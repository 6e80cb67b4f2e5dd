package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pbaille/scriptreg/internal/archive"
	"github.com/pbaille/scriptreg/internal/store"
)

func (a *app) engine(s *store.Store) (*archive.Engine, error) {
	rel, err := a.relocator()
	if err != nil {
		return nil, fmt.Errorf("archive backend: %w", err)
	}
	return archive.NewEngine(s, rel, a.logger.Named("archive")), nil
}

func archiveCmd(a *app) *cobra.Command {
	var id, reason, operator string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive an obsolete artifact reversibly",
		Long: `Move an artifact classified likely_obsolete or definitely_obsolete out of
the live tree, append an archive record and mark it archived. Any failed
step undoes the earlier ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			eng, err := a.engine(s)
			if err != nil {
				return err
			}
			rec, err := eng.Archive(cmd.Context(), id, reason, operatorOrDefault(operator))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Archived %s\n", rec.Identity)
			if rec.ArchiveLocation != "" {
				fmt.Fprintf(out, "  moved to: %s\n", rec.ArchiveLocation)
			}
			fmt.Fprintf(out, "  record:   %s\n", rec.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "artifact identity")
	cmd.Flags().StringVar(&reason, "reason", "", "why the artifact is archived")
	cmd.Flags().StringVar(&operator, "operator", "", "who archives it (default $USER)")

	return cmd
}

func restoreCmd(a *app) *cobra.Command {
	var id, operator string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore an archived artifact to its original location and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			eng, err := a.engine(s)
			if err != nil {
				return err
			}
			art, err := eng.Restore(cmd.Context(), id, operatorOrDefault(operator))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (%s)\n", art.Identity, art.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "artifact identity")
	cmd.Flags().StringVar(&operator, "operator", "", "who restores it (default $USER)")

	return cmd
}

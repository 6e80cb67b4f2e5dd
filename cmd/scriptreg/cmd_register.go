package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pbaille/scriptreg/internal/discover"
	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/store"
)

func registerCmd(a *app) *cobra.Command {
	var command, pipeline, path string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Discover scripts under the scan roots, or register one command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.getStore()
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			if command != "" {
				if pipeline == "" {
					return errors.New("--pipeline is required with --command")
				}
				got, err := s.RegisterArtifact(cmd.Context(), a.commandArtifact(command, pipeline, path))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Registered %s (%s, %s)\n", got.Identity, got.Pipeline, got.State)
				return nil
			}

			res, err := a.discover(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Registered %d artifact(s), %d unclassified\n", res.Registered, res.Unclassified)
			for _, f := range res.Failures {
				fmt.Fprintf(out, "  failed: %s: %v\n", f.Identity, f.Err)
			}
			if len(res.Failures) > 0 {
				return fmt.Errorf("%d artifact(s) could not be registered", len(res.Failures))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "register a named command instead of scanning")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "pipeline of the command")
	cmd.Flags().StringVar(&path, "path", "", "repo-relative file backing the command")

	return cmd
}

func (a *app) discover(ctx context.Context, s *store.Store) (discover.Result, error) {
	artifacts, err := discover.Scan(ctx, a.cfg.Root, discover.Options{
		Include:    a.cfg.Scan.Include,
		Extensions: a.cfg.Scan.Extensions,
		SkipDirs:   a.cfg.Scan.SkipDirs,
		ArchiveDir: a.cfg.Archive.DirName,
	})
	if err != nil {
		return discover.Result{}, fmt.Errorf("scan: %w", err)
	}
	return discover.Register(ctx, s, artifacts, a.logger.Named("register"))
}

func (a *app) commandArtifact(name, pipeline, path string) domain.Artifact {
	art := domain.Artifact{
		Identity: name,
		Name:     name,
		Pipeline: pipeline,
	}
	if path == "" {
		return art
	}
	art.Path = filepath.ToSlash(path)
	art.Language = discover.Language(path)
	if info, err := os.Stat(filepath.Join(a.cfg.Root, path)); err == nil {
		art.Size = info.Size()
		art.ModifiedAt = info.ModTime().UTC()
	}
	return art
}

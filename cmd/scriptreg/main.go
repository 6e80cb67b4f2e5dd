package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pbaille/scriptreg/internal/archive"
	"github.com/pbaille/scriptreg/internal/batch"
	"github.com/pbaille/scriptreg/internal/collector"
	"github.com/pbaille/scriptreg/internal/config"
	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/logging"
	"github.com/pbaille/scriptreg/internal/store"
)

// Exit codes
const (
	exitOK = iota
	exitError
	exitCommitFailed
	exitNotEligible
	exitAlreadyArchived
	exitNotArchived
	exitConflict
	exitRollbackFailed
	exitPipelineInvariant
)

// app carries what every command shares once flags are parsed
type app struct {
	cfgPath string
	root    string
	dbPath  string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scriptreg",
		Short: "Classify scripts by liveness and archive the obsolete ones safely",
		Long: `scriptreg keeps a registry of the scripts and commands in a repository.

It classifies each one as active, needs_review, likely_obsolete or
definitely_obsolete from git activity, references and content markers,
and archives obsolete ones reversibly with an append-only audit log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default <root>/"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().StringVar(&a.root, "root", "", "repository root")
	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", "", "registry database (sqlite path or pgx connection string)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(registerCmd(a))
	rootCmd.AddCommand(classifyCmd(a))
	rootCmd.AddCommand(archiveCmd(a))
	rootCmd.AddCommand(restoreCmd(a))
	rootCmd.AddCommand(listCmd(a))
	rootCmd.AddCommand(showCmd(a))
	rootCmd.AddCommand(pipelineCmd(a))
	rootCmd.AddCommand(reportCmd(a))
	rootCmd.AddCommand(serveCmd(a))

	return rootCmd
}

func (a *app) init() error {
	path := a.cfgPath
	if path == "" {
		root := a.root
		if root == "" {
			root = "."
		}
		path = filepath.Join(root, config.DefaultFileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.root != "" {
		cfg.Root = a.root
	}
	if a.dbPath != "" {
		cfg.Database.DSN = a.dbPath
	}
	if abs, err := filepath.Abs(cfg.Root); err == nil {
		cfg.Root = abs
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, a.verbose)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func (a *app) getStore() (*store.Store, error) {
	dsn := a.cfg.DatabaseDSN()
	if a.cfg.Database.Driver == "sqlite3" {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	return store.Open(a.cfg.Database.Driver, dsn)
}

func (a *app) relocator() (archive.Relocator, error) {
	switch a.cfg.Archive.Backend {
	case "s3":
		s3 := a.cfg.Archive.S3
		rel, err := archive.NewS3(a.cfg.Root, archive.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return rel, nil
	default:
		return archive.NewFS(a.cfg.Root, a.cfg.Archive.DirName), nil
	}
}

func (a *app) runner(s *store.Store) *batch.Runner {
	log := a.logger.Named("classify")
	set := collector.NewSet(
		collector.NewGit(a.cfg.Root),
		collector.NewContent(a.cfg.Root, a.cfg.Scan.MaxFileBytes, a.cfg.Scan.DeprecatedAPIs),
		collector.Options{
			Timeout:   a.cfg.GetArtifactTimeout(),
			CacheSize: a.cfg.Run.CacheSize,
			CacheTTL:  a.cfg.GetCacheTTL(),
		},
		log.Named("collector"),
	)
	return batch.NewRunner(s, set, batch.Config{
		Root: a.cfg.Root,
		Index: collector.IndexOptions{
			Manifests:    a.cfg.Scan.Manifests,
			SkipDirs:     a.cfg.Scan.SkipDirs,
			ArchiveDir:   a.cfg.Archive.DirName,
			MaxFileBytes: a.cfg.Scan.MaxFileBytes,
		},
		Policy:  a.cfg.Policy,
		Workers: a.cfg.Run.Workers,
	}, log)
}

func operatorOrDefault(op string) string {
	if op != "" {
		return op
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// exitCode maps an error onto the documented process exit codes
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrPartialEffectRollback):
		return exitRollbackFailed
	case errors.Is(err, batch.ErrIncomplete):
		return exitCommitFailed
	case errors.Is(err, domain.ErrNotEligible):
		return exitNotEligible
	case errors.Is(err, domain.ErrAlreadyArchived):
		return exitAlreadyArchived
	case errors.Is(err, domain.ErrNotArchived):
		return exitNotArchived
	case errors.Is(err, domain.ErrPersistenceConflict):
		return exitConflict
	case errors.Is(err, domain.ErrPipelineHasActive), errors.Is(err, domain.ErrPipelineDeprecated):
		return exitPipelineInvariant
	default:
		return exitError
	}
}

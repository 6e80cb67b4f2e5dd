package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pbaille/scriptreg/internal/classifier"
)

// DefaultFileName is looked up in the repository root when no --config is given
const DefaultFileName = ".scriptreg.yaml"

// Config holds all scriptreg configuration.
type Config struct {
	// Repository root the scan, git and archive paths are relative to
	Root string `yaml:"root"`

	Database DatabaseConfig    `yaml:"database"`
	Scan     ScanConfig        `yaml:"scan"`
	Policy   classifier.Policy `yaml:"policy"`
	Run      RunConfig         `yaml:"run"`
	Archive  ArchiveConfig     `yaml:"archive"`
	Logging  LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig selects the registry backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3, pgx
	DSN    string `yaml:"dsn"`    // file path for sqlite3, connection string for pgx
}

// ScanConfig controls discovery and the bounded content scan.
type ScanConfig struct {
	Include        []string `yaml:"include"`
	Extensions     []string `yaml:"extensions"`
	SkipDirs       []string `yaml:"skip_dirs"`
	Manifests      []string `yaml:"manifests"`
	DeprecatedAPIs []string `yaml:"deprecated_apis"`
	MaxFileBytes   int64    `yaml:"max_file_bytes"`
}

// RunConfig tunes classification runs.
type RunConfig struct {
	Workers         int    `yaml:"workers"`
	ArtifactTimeout string `yaml:"artifact_timeout"`
	CacheTTL        string `yaml:"cache_ttl"`
	CacheSize       int    `yaml:"cache_size"`
	WatchDebounce   string `yaml:"watch_debounce"`
}

// ArchiveConfig selects where archived content goes.
type ArchiveConfig struct {
	Backend string   `yaml:"backend"` // fs, s3
	DirName string   `yaml:"dir_name"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the object-storage archive backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Root: ".",
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    filepath.Join(".scriptreg", "registry.db"),
		},
		Scan: ScanConfig{
			Include:    []string{"scripts", "packages", "apps"},
			Extensions: []string{".sh", ".bash", ".py", ".js", ".mjs", ".cjs", ".ts", ".rb", ".pl"},
			SkipDirs:   []string{".git", "node_modules", "vendor", "dist", "build", "__pycache__"},
			Manifests: []string{
				"package.json", "Makefile", "*.yml", "*.yaml", "*.toml",
				"*.json", "*.html", "Dockerfile", "Procfile",
			},
			MaxFileBytes: 256 * 1024,
		},
		Policy: classifier.DefaultPolicy(),
		Run: RunConfig{
			Workers:         8,
			ArtifactTimeout: "10s",
			CacheTTL:        "10m",
			CacheSize:       4096,
			WatchDebounce:   "2s",
		},
		Archive: ArchiveConfig{
			Backend: "fs",
			DirName: ".archived_scripts",
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "archived-scripts",
				UseSSL: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML config over the defaults. A missing file is not an error.
// Variables from a .env file next to the working directory are loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCRIPTREG_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("SCRIPTREG_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("SCRIPTREG_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SCRIPTREG_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCRIPTREG_ARCHIVE_BACKEND"); v != "" {
		c.Archive.Backend = v
	}

	// Object storage
	if v := os.Getenv("SCRIPTREG_S3_ENDPOINT"); v != "" {
		c.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("SCRIPTREG_S3_BUCKET"); v != "" {
		c.Archive.S3.Bucket = v
	}
	if v := os.Getenv("SCRIPTREG_S3_ACCESS_KEY"); v != "" {
		c.Archive.S3.AccessKey = v
	}
	if v := os.Getenv("SCRIPTREG_S3_SECRET_KEY"); v != "" {
		c.Archive.S3.SecretKey = v
	}
}

// DatabaseDSN resolves a relative sqlite path against the repository root.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite3" && !filepath.IsAbs(c.Database.DSN) && !strings.HasPrefix(c.Database.DSN, "file:") {
		return filepath.Join(c.Root, c.Database.DSN)
	}
	return c.Database.DSN
}

// GetArtifactTimeout returns the per-artifact collection timeout.
func (c *Config) GetArtifactTimeout() time.Duration {
	return parseDuration(c.Run.ArtifactTimeout, 10*time.Second)
}

// GetCacheTTL returns the staleness bound of cached signals.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Run.CacheTTL, 10*time.Minute)
}

// GetWatchDebounce returns how long watch mode waits for changes to settle.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.Run.WatchDebounce, 2*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q (sqlite3, pgx)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	if c.Run.Workers < 1 {
		errs = append(errs, fmt.Errorf("run.workers must be >= 1, got %d", c.Run.Workers))
	}
	for name, v := range map[string]string{
		"run.artifact_timeout": c.Run.ArtifactTimeout,
		"run.cache_ttl":        c.Run.CacheTTL,
		"run.watch_debounce":   c.Run.WatchDebounce,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Scan.MaxFileBytes <= 0 {
		errs = append(errs, fmt.Errorf("scan.max_file_bytes must be > 0, got %d", c.Scan.MaxFileBytes))
	}
	switch c.Archive.Backend {
	case "fs":
		if c.Archive.DirName == "" || strings.ContainsRune(c.Archive.DirName, filepath.Separator) {
			errs = append(errs, fmt.Errorf("archive.dir_name must be a single directory name, got %q", c.Archive.DirName))
		}
	case "s3":
		if c.Archive.S3.Endpoint == "" || c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("archive.s3 requires endpoint and bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported archive backend %q (fs, s3)", c.Archive.Backend))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}

	return errors.Join(errs...)
}

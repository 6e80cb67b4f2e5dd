// Package discover finds scripts under the scan roots and registers them.
package discover

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pbaille/scriptreg/internal/domain"
)

// Options controls what counts as a script
type Options struct {
	Include    []string // roots relative to the repository root
	Extensions []string
	SkipDirs   []string
	ArchiveDir string
}

var languages = map[string]string{
	".sh":   "shell",
	".bash": "shell",
	".zsh":  "shell",
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".ts":   "typescript",
	".mts":  "typescript",
	".rb":   "ruby",
	".pl":   "perl",
	".ps1":  "powershell",
	".go":   "go",
}

// Language guesses a script's language from its extension
func Language(path string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "unknown"
}

// Pipeline derives the pipeline tag of a repo-relative path: the directory
// after cli-pipeline/ when there is one, otherwise the parent directory name.
func Pipeline(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, p := range parts[:len(parts)-1] {
		if p == "cli-pipeline" && i+1 < len(parts)-1 {
			return parts[i+1]
		}
	}
	if len(parts) < 2 {
		return "root"
	}
	return parts[len(parts)-2]
}

// Scan walks the include roots under root and returns one artifact per script,
// ordered by identity. Missing include roots are skipped.
func Scan(ctx context.Context, root string, opts Options) ([]domain.Artifact, error) {
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = true
	}
	skip := make(map[string]bool, len(opts.SkipDirs)+1)
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}
	if opts.ArchiveDir != "" {
		skip[opts.ArchiveDir] = true
	}

	includes := opts.Include
	if len(includes) == 0 {
		includes = []string{"."}
	}

	seen := make(map[string]bool)
	var artifacts []domain.Artifact
	for _, inc := range includes {
		start := filepath.Join(root, filepath.FromSlash(inc))
		if info, err := os.Stat(start); err != nil || !info.IsDir() {
			continue
		}
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			name := d.Name()
			if d.IsDir() {
				if path != start && (skip[name] || strings.HasPrefix(name, ".")) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !exts[strings.ToLower(filepath.Ext(name))] {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			if seen[rel] {
				return nil
			}
			seen[rel] = true

			info, err := d.Info()
			if err != nil {
				return nil
			}
			artifacts = append(artifacts, domain.Artifact{
				Identity:   rel,
				Name:       name,
				Path:       rel,
				Pipeline:   Pipeline(rel),
				Language:   Language(name),
				Size:       info.Size(),
				ModifiedAt: info.ModTime().UTC(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", inc, err)
		}
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Identity < artifacts[j].Identity })
	return artifacts, nil
}

// Registrar records artifact metadata
type Registrar interface {
	RegisterArtifact(ctx context.Context, a domain.Artifact) (*domain.Artifact, error)
}

// Failure is an artifact that could not be registered
type Failure struct {
	Identity string
	Err      error
}

// Result summarizes a registration pass
type Result struct {
	Registered   int
	Unclassified int // registered but never classified
	Failures     []Failure
}

// Register records every artifact. One artifact failing does not stop the others.
func Register(ctx context.Context, reg Registrar, artifacts []domain.Artifact, log *zap.Logger) (Result, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var res Result
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		got, err := reg.RegisterArtifact(ctx, a)
		if err != nil {
			log.Warn("register failed", zap.String("artifact", a.Identity), zap.Error(err))
			res.Failures = append(res.Failures, Failure{Identity: a.Identity, Err: err})
			continue
		}
		res.Registered++
		if got.State == domain.StateUnclassified && got.LastRunAt == nil {
			res.Unclassified++
		}
		log.Debug("registered", zap.String("artifact", a.Identity), zap.String("pipeline", a.Pipeline))
	}
	return res, nil
}

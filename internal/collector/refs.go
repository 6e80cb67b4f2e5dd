package collector

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pbaille/scriptreg/internal/domain"
)

// IndexOptions controls which files the reference index reads
type IndexOptions struct {
	Manifests    []string // base-name globs
	SkipDirs     []string
	ArchiveDir   string
	MaxFileBytes int64
}

type indexedDoc struct {
	path     string
	identity string // empty for manifests
	manifest bool
	text     string
}

// Index holds the text of manifests and registered artifacts for one run
type Index struct {
	docs []indexedDoc
}

// BuildIndex walks root once and keeps manifests and registered artifacts in memory
func BuildIndex(ctx context.Context, root string, artifacts []domain.Artifact, opts IndexOptions) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("reference root %s: %w", root, domain.ErrCollectionUnavailable)
	}

	byPath := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		if a.Path != "" {
			byPath[filepath.ToSlash(a.Path)] = a.Identity
		}
	}
	skip := make(map[string]bool, len(opts.SkipDirs)+1)
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}
	if opts.ArchiveDir != "" {
		skip[opts.ArchiveDir] = true
	}

	idx := &Index{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtrees are skipped, not fatal
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		doc := indexedDoc{path: rel}
		if identity, ok := byPath[rel]; ok {
			doc.identity = identity
		} else if matchesAny(d.Name(), opts.Manifests) {
			doc.manifest = true
		} else {
			return nil
		}

		text, err := readBounded(path, opts.MaxFileBytes)
		if err != nil {
			return nil
		}
		if doc.manifest && strings.EqualFold(filepath.Ext(rel), ".html") {
			text = extractHTMLReferences(text)
		}
		doc.text = text
		idx.docs = append(idx.docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return idx, nil
}

func matchesAny(name string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

func readBounded(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if max <= 0 {
		max = 256 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Collect reports which artifacts and manifests mention a
func (idx *Index) Collect(ctx context.Context, a domain.Artifact) (domain.ReferenceUsage, error) {
	if idx == nil {
		return domain.ReferenceUsage{}, fmt.Errorf("no reference index: %w", domain.ErrCollectionUnavailable)
	}
	needles := referenceNeedles(a)
	if len(needles) == 0 {
		return domain.ReferenceUsage{}, fmt.Errorf("%s has nothing to look up: %w", a.Identity, domain.ErrCollectionUnavailable)
	}

	var usage domain.ReferenceUsage
	seen := make(map[string]bool)
	for _, doc := range idx.docs {
		if err := ctx.Err(); err != nil {
			return domain.ReferenceUsage{}, err
		}
		if doc.identity == a.Identity || (a.Path != "" && doc.path == filepath.ToSlash(a.Path)) {
			continue
		}
		if doc.manifest && usage.ReferencedInManifests {
			continue
		}
		if !doc.manifest && seen[doc.identity] {
			continue
		}
		for _, n := range needles {
			if !containsReference(doc.text, n) {
				continue
			}
			if doc.manifest {
				usage.ReferencedInManifests = true
			} else {
				seen[doc.identity] = true
				usage.ReferencedBy = append(usage.ReferencedBy, doc.identity)
			}
			break
		}
	}
	sort.Strings(usage.ReferencedBy)
	return usage, nil
}

// referenceNeedles lists the literal spellings another file would use for a
func referenceNeedles(a domain.Artifact) []string {
	var needles []string
	add := func(s string) {
		if len(s) < 3 {
			return
		}
		for _, n := range needles {
			if n == s {
				return
			}
		}
		needles = append(needles, s)
	}
	if a.Path != "" {
		p := filepath.ToSlash(a.Path)
		add(p)
		add(filepath.Base(p))
	}
	add(a.Name)
	return needles
}

// containsReference finds needle as a whole token: not glued to a longer
// identifier or file name on either side.
func containsReference(text, needle string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(needle)
		if (i == 0 || !isNameByte(text[i-1], true)) && (end == len(text) || !isNameByte(text[end], false)) {
			return true
		}
		start = i + 1
	}
}

func isNameByte(b byte, leading bool) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '_':
		return true
	case leading && (b == '-' || b == '.'):
		return true
	}
	return false
}

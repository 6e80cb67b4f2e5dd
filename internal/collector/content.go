package collector

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pbaille/scriptreg/internal/domain"
)

// Marker vocabulary. Each pattern counts occurrences; the scorer weighs categories.
var (
	todoPattern          = regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`)
	hardcodedPathPattern = regexp.MustCompile(`(/Users/[A-Za-z0-9._-]+/|/home/[A-Za-z0-9._-]+/|\b[A-Za-z]:\\)`)
	deprecatedPattern    = regexp.MustCompile(`(?i)(@deprecated\b|\bdeprecated\b|DeprecationWarning)`)
	experimentalPattern  = regexp.MustCompile(`(?i)(\bexperimental\b|\bwip\b|\bdebug[-_ ]only\b|pdb\.set_trace\(|\bbreakpoint\(\)|console\.debug\(|\bDEBUG\s*=\s*(true|1)\b)`)
	errorHandlingPattern = regexp.MustCompile(`(?m)(^\s*try\s*:|\bexcept\b|\btry\s*\{|\bcatch\s*[({]|\.catch\(|^\s*set\s+-[a-z]*e|\btrap\s|\bif err != nil\b|\|\|\s*exit\b|\brescue\b|\bor die\b)`)
)

// Content scans a bounded prefix of an artifact for marker vocabulary
type Content struct {
	root       string
	maxBytes   int64
	deprecated []*regexp.Regexp
}

// NewContent creates a content collector. Extra deprecated API names are matched literally.
func NewContent(root string, maxBytes int64, deprecatedAPIs []string) *Content {
	c := &Content{root: root, maxBytes: maxBytes}
	for _, api := range deprecatedAPIs {
		if api == "" {
			continue
		}
		c.deprecated = append(c.deprecated, regexp.MustCompile(regexp.QuoteMeta(api)))
	}
	return c
}

// Collect reads the artifact and counts markers
func (c *Content) Collect(ctx context.Context, a domain.Artifact) (domain.ContentHeuristic, error) {
	if a.Path == "" {
		return domain.ContentHeuristic{}, fmt.Errorf("%s has no path: %w", a.Identity, domain.ErrCollectionUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return domain.ContentHeuristic{}, err
	}

	f, err := os.Open(filepath.Join(c.root, a.Path))
	if err != nil {
		return domain.ContentHeuristic{}, fmt.Errorf("open %s: %v: %w", a.Path, err, domain.ErrCollectionUnavailable)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, c.maxBytes))
	if err != nil {
		return domain.ContentHeuristic{}, fmt.Errorf("read %s: %v: %w", a.Path, err, domain.ErrCollectionUnavailable)
	}

	return c.Analyze(data), nil
}

// Analyze counts markers in data
func (c *Content) Analyze(data []byte) domain.ContentHeuristic {
	h := domain.ContentHeuristic{
		TodoMarkers:         len(todoPattern.FindAllIndex(data, -1)),
		HardcodedPaths:      len(hardcodedPathPattern.FindAllIndex(data, -1)),
		DeprecatedAPIHits:   len(deprecatedPattern.FindAllIndex(data, -1)),
		HasErrorHandling:    errorHandlingPattern.Match(data),
		ExperimentalMarkers: len(experimentalPattern.FindAllIndex(data, -1)),
	}
	for _, re := range c.deprecated {
		h.DeprecatedAPIHits += len(re.FindAllIndex(data, -1))
	}
	return h
}

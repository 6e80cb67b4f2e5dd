package collector

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pbaille/scriptreg/internal/domain"
)

// GitRunner runs a git subcommand in dir and returns its stdout
type GitRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// Git counts commits touching an artifact path
type Git struct {
	root string
	run  GitRunner
	now  func() time.Time

	repoOnce sync.Once
	repoErr  error
}

// NewGit creates a collector over the work tree at root
func NewGit(root string) *Git {
	return &Git{root: root, run: execGit, now: time.Now}
}

// WithRunner swaps the git executable, mainly for tests
func (g *Git) WithRunner(run GitRunner) *Git {
	g.run = run
	return g
}

// WithClock fixes the reference time for the 90/365 day windows
func (g *Git) WithClock(now func() time.Time) *Git {
	g.now = now
	return g
}

// Collect returns commit counts for the last 90 and 365 days
func (g *Git) Collect(ctx context.Context, a domain.Artifact) (domain.GitActivity, error) {
	if a.Path == "" {
		return domain.GitActivity{}, fmt.Errorf("%s has no path: %w", a.Identity, domain.ErrCollectionUnavailable)
	}

	g.repoOnce.Do(func() {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := g.run(checkCtx, g.root, "rev-parse", "--is-inside-work-tree"); err != nil {
			g.repoErr = fmt.Errorf("not a git work tree: %v: %w", err, domain.ErrCollectionUnavailable)
		}
	})
	if g.repoErr != nil {
		return domain.GitActivity{}, g.repoErr
	}

	out, err := g.run(ctx, g.root, "log", "--format=%ct", "--", a.Path)
	if err != nil {
		return domain.GitActivity{}, fmt.Errorf("git log %s: %v: %w", a.Path, err, domain.ErrCollectionUnavailable)
	}

	return countCommits(out, g.now())
}

func countCommits(out []byte, now time.Time) (domain.GitActivity, error) {
	var activity domain.GitActivity
	d90 := now.AddDate(0, 0, -90)
	d365 := now.AddDate(0, 0, -365)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ts, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return domain.GitActivity{}, fmt.Errorf("parse commit time %q: %v: %w", line, err, domain.ErrCollectionUnavailable)
		}
		at := time.Unix(ts, 0).UTC()
		if activity.LastCommitAt == nil || at.After(*activity.LastCommitAt) {
			at := at
			activity.LastCommitAt = &at
		}
		if at.After(d365) {
			activity.Commits365d++
		}
		if at.After(d90) {
			activity.Commits90d++
		}
	}
	return activity, nil
}

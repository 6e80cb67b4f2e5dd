// Package batch runs classification over the registry: collect signals,
// score, classify and commit, one independent unit of work per artifact.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pbaille/scriptreg/internal/classifier"
	"github.com/pbaille/scriptreg/internal/collector"
	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/store"
)

// ErrIncomplete means at least one artifact's classification was not committed
var ErrIncomplete = errors.New("classification run incomplete")

// Registry is the part of the store a run reads and writes
type Registry interface {
	ListArtifacts(ctx context.Context, f store.Filter) ([]domain.Artifact, error)
	UpsertClassification(ctx context.Context, a domain.Artifact, res domain.ClassificationResult) error
}

// Collector gathers the signal snapshot for one artifact
type Collector interface {
	Collect(ctx context.Context, a domain.Artifact, refs collector.ReferenceSource) domain.Snapshot
}

// Config holds everything a Runner needs besides its collaborators
type Config struct {
	Root    string
	Index   collector.IndexOptions
	Policy  classifier.Policy
	Workers int
}

// Runner executes classification runs
type Runner struct {
	reg        Registry
	collectors Collector
	cfg        Config
	now        func() time.Time
	log        *zap.Logger
}

// NewRunner creates a runner
func NewRunner(reg Registry, collectors Collector, cfg Config, log *zap.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{reg: reg, collectors: collectors, cfg: cfg, now: time.Now, log: log}
}

// WithClock fixes the run timestamp source
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Options narrows a run
type Options struct {
	Pipeline string
	// Since skips artifacts classified more recently than this; 0 classifies everything
	Since time.Duration
}

// Failure is an artifact whose result could not be committed
type Failure struct {
	Identity string
	Err      error
}

// Summary reports what a run committed
type Summary struct {
	RunID    string
	RunAt    time.Time
	Counts   map[domain.State]int
	Skipped  int // untouched because the run was cancelled
	Failures []Failure
}

// Committed returns the number of artifacts whose result was stored
func (s *Summary) Committed() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Run classifies every live artifact matching opts. Each artifact is either
// fully committed or left untouched. The error wraps ErrIncomplete when any
// commit failed and the context error when the run was cancelled.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	runAt := r.now().UTC()
	summary := &Summary{
		RunID:  uuid.NewString(),
		RunAt:  runAt,
		Counts: make(map[domain.State]int),
	}

	live, err := r.reg.ListArtifacts(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	var targets []domain.Artifact
	for _, a := range live {
		if opts.Pipeline != "" && a.Pipeline != opts.Pipeline {
			continue
		}
		if opts.Since > 0 && a.LastRunAt != nil && runAt.Sub(*a.LastRunAt) < opts.Since {
			continue
		}
		targets = append(targets, a)
	}

	log := r.log.With(zap.String("run_id", summary.RunID))
	log.Info("classification run started",
		zap.Int("artifacts", len(targets)),
		zap.String("pipeline", opts.Pipeline),
		zap.Int("workers", r.cfg.Workers))

	// The index covers every live artifact, not just the targets, so
	// references from outside the selected pipeline still count.
	var refs collector.ReferenceSource
	if idx, err := collector.BuildIndex(ctx, r.cfg.Root, live, r.cfg.Index); err != nil {
		log.Warn("reference index unavailable", zap.Error(err))
	} else {
		refs = idx
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, a := range targets {
		g.Go(func() error {
			res, err := r.classifyOne(gctx, a, refs, summary.RunID, runAt)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Counts[res.State]++
			case gctx.Err() != nil:
				summary.Skipped++
			default:
				summary.Failures = append(summary.Failures, Failure{Identity: a.Identity, Err: err})
				log.Warn("commit failed", zap.String("artifact", a.Identity), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait() // per-artifact errors are collected in the summary

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].Identity < summary.Failures[j].Identity
	})

	log.Info("classification run finished",
		zap.Int("committed", summary.Committed()),
		zap.Int("failed", len(summary.Failures)),
		zap.Int("skipped", summary.Skipped))

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("classification run cancelled: %w", err)
	}
	if len(summary.Failures) > 0 {
		return summary, fmt.Errorf("%d of %d artifacts not committed: %w",
			len(summary.Failures), len(targets), ErrIncomplete)
	}
	return summary, nil
}

func (r *Runner) classifyOne(ctx context.Context, a domain.Artifact, refs collector.ReferenceSource, runID string, runAt time.Time) (domain.ClassificationResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ClassificationResult{}, err
	}
	snap := r.collectors.Collect(ctx, a, refs)
	res := classifier.Classify(a.Identity, snap, r.cfg.Policy, runID, runAt)

	// nothing is written once the run has been cancelled
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := r.reg.UpsertClassification(ctx, a, res); err != nil {
		return res, err
	}
	return res, nil
}

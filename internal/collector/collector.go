// Package collector computes the evidence signals a classification run scores:
// version-control activity, references from other artifacts and manifests,
// and content heuristics. Collector failures never abort a run; they degrade
// to a missing signal, which the scorer treats as no evidence.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/pbaille/scriptreg/internal/domain"
)

// GitSource yields version-control activity
type GitSource interface {
	Collect(ctx context.Context, a domain.Artifact) (domain.GitActivity, error)
}

// ReferenceSource yields reference usage
type ReferenceSource interface {
	Collect(ctx context.Context, a domain.Artifact) (domain.ReferenceUsage, error)
}

// ContentSource yields content heuristics
type ContentSource interface {
	Collect(ctx context.Context, a domain.Artifact) (domain.ContentHeuristic, error)
}

// Options tunes a collector Set
type Options struct {
	Timeout   time.Duration // per artifact; 0 disables
	CacheSize int           // 0 disables caching
	CacheTTL  time.Duration // staleness bound of cached snapshots
}

// Set runs every collector for one artifact under a single deadline
type Set struct {
	git     GitSource
	content ContentSource
	opts    Options
	cache   *expirable.LRU[string, domain.Snapshot] // file-local signals only
	log     *zap.Logger
}

// NewSet creates a collector set. Either source may be nil, which reports it unavailable.
func NewSet(git GitSource, content ContentSource, opts Options, log *zap.Logger) *Set {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Set{git: git, content: content, opts: opts, log: log}
	if opts.CacheSize > 0 && opts.CacheTTL > 0 {
		s.cache = expirable.NewLRU[string, domain.Snapshot](opts.CacheSize, nil, opts.CacheTTL)
	}
	return s
}

func cacheKey(a domain.Artifact) string {
	return fmt.Sprintf("%s|%d|%d", a.Identity, a.Size, a.ModifiedAt.UnixNano())
}

// Collect gathers a snapshot for a. refs is the reference index of the current
// run and may be nil when it could not be built. Git and content signals depend
// only on the artifact's own file and may come from the cache; references depend
// on every other file and are always taken from refs.
func (s *Set) Collect(ctx context.Context, a domain.Artifact, refs ReferenceSource) domain.Snapshot {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	snap := s.local(ctx, a)

	if refs == nil {
		snap.MarkUnavailable(domain.SignalReference)
	} else if r, err := collect(ctx, a, refs.Collect); err != nil {
		s.unavailable(&snap, a, domain.SignalReference, err)
	} else {
		snap.References = &r
	}
	return snap
}

// local returns the git and content signals of a, cached by identity, size and mtime
func (s *Set) local(ctx context.Context, a domain.Artifact) domain.Snapshot {
	key := cacheKey(a)
	if s.cache != nil {
		if snap, ok := s.cache.Get(key); ok {
			// the caller appends to Unavailable
			snap.Unavailable = append([]string(nil), snap.Unavailable...)
			return snap
		}
	}

	var snap domain.Snapshot

	if s.git == nil {
		snap.MarkUnavailable(domain.SignalGit)
	} else if g, err := collect(ctx, a, s.git.Collect); err != nil {
		s.unavailable(&snap, a, domain.SignalGit, err)
	} else {
		snap.Git = &g
	}

	if s.content == nil {
		snap.MarkUnavailable(domain.SignalContent)
	} else if c, err := collect(ctx, a, s.content.Collect); err != nil {
		s.unavailable(&snap, a, domain.SignalContent, err)
	} else {
		snap.Content = &c
	}

	// a snapshot cut short by the deadline is not worth remembering
	if s.cache != nil && ctx.Err() == nil {
		cached := snap
		cached.Unavailable = append([]string(nil), snap.Unavailable...)
		s.cache.Add(key, cached)
	}
	return snap
}

func (s *Set) unavailable(snap *domain.Snapshot, a domain.Artifact, signal string, err error) {
	snap.MarkUnavailable(signal)
	level := zap.DebugLevel
	if !errors.Is(err, domain.ErrCollectionUnavailable) {
		level = zap.WarnLevel
	}
	s.log.Log(level, "signal unavailable",
		zap.String("artifact", a.Identity),
		zap.String("signal", signal),
		zap.Error(err))
}

// collect runs f but gives up when ctx ends, so one stalled read cannot hold the batch
func collect[T any](ctx context.Context, a domain.Artifact, f func(context.Context, domain.Artifact) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f(ctx, a)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", domain.ErrCollectionUnavailable, ctx.Err())
	}
}

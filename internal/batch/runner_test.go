package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/pbaille/scriptreg/internal/classifier"
	"github.com/pbaille/scriptreg/internal/collector"
	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var runDay = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func register(t *testing.T, s *store.Store, path, pipeline string) {
	t.Helper()
	_, err := s.RegisterArtifact(context.Background(), domain.Artifact{
		Identity: path, Name: filepath.Base(path), Path: path, Pipeline: pipeline,
	})
	require.NoError(t, err)
}

// staticCollector returns a preset snapshot per identity
type staticCollector struct {
	snaps map[string]domain.Snapshot
	calls atomic.Int32
}

func (c *staticCollector) Collect(_ context.Context, a domain.Artifact, _ collector.ReferenceSource) domain.Snapshot {
	c.calls.Add(1)
	return c.snaps[a.Identity]
}

func config(root string) Config {
	return Config{Root: root, Policy: classifier.DefaultPolicy(), Workers: 4}
}

func TestRun_CommitsAndCounts(t *testing.T) {
	s := newStore(t)
	register(t, s, "scripts/live.sh", "core")
	register(t, s, "scripts/stale.py", "core")
	register(t, s, "scripts/dead.py", "core")
	register(t, s, "scripts/unknown.sh", "core")

	c := &staticCollector{snaps: map[string]domain.Snapshot{
		"scripts/live.sh":  {Git: &domain.GitActivity{Commits90d: 2}},
		"scripts/stale.py": {Content: &domain.ContentHeuristic{TodoMarkers: 1, DeprecatedAPIHits: 1, HasErrorHandling: true}},
		"scripts/dead.py":  {Content: &domain.ContentHeuristic{DeprecatedAPIHits: 1, HardcodedPaths: 2, ExperimentalMarkers: 1}},
		"scripts/unknown.sh": {Unavailable: []string{domain.SignalContent, domain.SignalGit, domain.SignalReference}},
	}}
	r := NewRunner(s, c, config(t.TempDir()), zaptest.NewLogger(t)).WithClock(func() time.Time { return runDay })

	summary, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Committed())
	assert.Equal(t, map[domain.State]int{
		domain.StateActive:             1,
		domain.StateLikelyObsolete:     1,
		domain.StateDefinitelyObsolete: 1,
		domain.StateNeedsReview:        1,
	}, summary.Counts)
	assert.NotEmpty(t, summary.RunID)

	got, err := s.GetArtifact(context.Background(), "scripts/stale.py")
	require.NoError(t, err)
	assert.Equal(t, domain.StateLikelyObsolete, got.State)
	assert.Equal(t, 3, got.Score)

	latest, err := s.LatestClassification(context.Background(), "scripts/stale.py")
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, latest.RunID)
	assert.True(t, latest.RunAt.Equal(runDay))
}

func TestRun_IsIdempotent(t *testing.T) {
	s := newStore(t)
	register(t, s, "scripts/stale.py", "core")
	c := &staticCollector{snaps: map[string]domain.Snapshot{
		"scripts/stale.py": {Content: &domain.ContentHeuristic{TodoMarkers: 1, DeprecatedAPIHits: 1, HasErrorHandling: true}},
	}}

	at := runDay
	r := NewRunner(s, c, config(t.TempDir()), nil).WithClock(func() time.Time { return at })
	first, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)

	at = runDay.Add(time.Hour)
	second, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, first.Counts, second.Counts)

	history, err := s.ClassificationHistory(context.Background(), "scripts/stale.py", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, history[0].State, history[1].State)
	assert.Equal(t, history[0].Score, history[1].Score)
}

func TestRun_FiltersByPipelineAndSince(t *testing.T) {
	s := newStore(t)
	register(t, s, "a.sh", "core")
	register(t, s, "b.sh", "data")
	c := &staticCollector{snaps: map[string]domain.Snapshot{}}

	at := runDay
	r := NewRunner(s, c, config(t.TempDir()), nil).WithClock(func() time.Time { return at })

	summary, err := r.Run(context.Background(), Options{Pipeline: "data"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Committed())
	assert.EqualValues(t, 1, c.calls.Load())

	// b.sh was classified an hour ago, a.sh never
	at = runDay.Add(time.Hour)
	summary, err = r.Run(context.Background(), Options{Since: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Committed())

	a, err := s.GetArtifact(context.Background(), "a.sh")
	require.NoError(t, err)
	assert.Equal(t, domain.StateNeedsReview, a.State)

	at = runDay.Add(48 * time.Hour)
	summary, err = r.Run(context.Background(), Options{Since: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Committed())
}

// rejectingRegistry fails commits for one identity
type rejectingRegistry struct {
	*store.Store
	reject string
}

func (r *rejectingRegistry) UpsertClassification(ctx context.Context, a domain.Artifact, res domain.ClassificationResult) error {
	if a.Identity == r.reject {
		return &domain.ConflictError{Identity: a.Identity, RunAt: res.RunAt, Competing: res.RunAt.Add(time.Second)}
	}
	return r.Store.UpsertClassification(ctx, a, res)
}

func TestRun_ReportsCommitFailures(t *testing.T) {
	s := newStore(t)
	register(t, s, "a.sh", "core")
	register(t, s, "b.sh", "core")
	c := &staticCollector{snaps: map[string]domain.Snapshot{}}

	r := NewRunner(&rejectingRegistry{Store: s, reject: "b.sh"}, c, config(t.TempDir()), zaptest.NewLogger(t))
	summary, err := r.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrIncomplete)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "b.sh", summary.Failures[0].Identity)
	assert.ErrorIs(t, summary.Failures[0].Err, domain.ErrPersistenceConflict)
	assert.Equal(t, 1, summary.Committed())

	b, err := s.GetArtifact(context.Background(), "b.sh")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnclassified, b.State)
}

func TestRun_CancelledRunLeavesArtifactsUntouched(t *testing.T) {
	s := newStore(t)
	register(t, s, "a.sh", "core")
	register(t, s, "b.sh", "core")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(s, &staticCollector{snaps: map[string]domain.Snapshot{}}, config(t.TempDir()), nil)
	_, err := r.Run(ctx, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	for _, id := range []string{"a.sh", "b.sh"} {
		a, err := s.GetArtifact(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateUnclassified, a.State, id)
		assert.Nil(t, a.LastRunAt, id)
	}
}

// stubGit reports no history so only references and content decide
type stubGit struct{}

func (stubGit) Collect(context.Context, domain.Artifact) (domain.GitActivity, error) {
	return domain.GitActivity{}, nil
}

func TestRun_WithRealCollectors(t *testing.T) {
	root := t.TempDir()
	write(t, root, "scripts/deploy.sh", "#!/bin/bash\nset -e\n./scripts/helper.sh\n")
	write(t, root, "scripts/helper.sh", "# TODO remove\n# deprecated since v2\necho /Users/alice/tmp\n")
	write(t, root, "scripts/old.py", "# TODO\n# FIXME\nimport imp  # deprecated\nprint(open('/home/bob/data.csv').read())\n")
	write(t, root, "package.json", `{"scripts": {"deploy": "bash scripts/deploy.sh"}}`)

	s := newStore(t)
	for _, p := range []string{"scripts/deploy.sh", "scripts/helper.sh", "scripts/old.py"} {
		register(t, s, p, "scripts")
	}

	set := collector.NewSet(stubGit{}, collector.NewContent(root, 4096, nil), collector.Options{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	cfg := config(root)
	cfg.Index = collector.IndexOptions{Manifests: []string{"package.json"}, MaxFileBytes: 4096}
	r := NewRunner(s, set, cfg, zaptest.NewLogger(t)).WithClock(func() time.Time { return runDay })

	summary, err := r.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Committed())

	ctx := context.Background()
	deploy, err := s.GetArtifact(ctx, "scripts/deploy.sh")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, deploy.State, "referenced from package.json")

	helper, err := s.GetArtifact(ctx, "scripts/helper.sh")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, helper.State, "referenced by deploy.sh despite its markers")

	old, err := s.GetArtifact(ctx, "scripts/old.py")
	require.NoError(t, err)
	// todo 1 + hardcoded path 1 + deprecated 2 + missing error handling 1
	assert.Equal(t, domain.StateDefinitelyObsolete, old.State)
	assert.Equal(t, 5, old.Score)
}

func TestRun_NewReferenceWinsOverCachedSignals(t *testing.T) {
	root := t.TempDir()
	write(t, root, "scripts/deploy.sh", "#!/bin/bash\nset -e\necho deploying\n")
	write(t, root, "scripts/old.py", "# TODO port\ntry:\n    import imp  # deprecated\nexcept ImportError:\n    pass\n")

	s := newStore(t)
	register(t, s, "scripts/deploy.sh", "scripts")
	register(t, s, "scripts/old.py", "scripts")

	// one Set across runs, as in watch mode
	set := collector.NewSet(stubGit{}, collector.NewContent(root, 4096, nil),
		collector.Options{Timeout: 5 * time.Second, CacheSize: 4096, CacheTTL: 10 * time.Minute}, zaptest.NewLogger(t))
	at := runDay
	r := NewRunner(s, set, config(root), zaptest.NewLogger(t)).WithClock(func() time.Time { return at })

	ctx := context.Background()
	_, err := r.Run(ctx, Options{})
	require.NoError(t, err)
	old, err := s.GetArtifact(ctx, "scripts/old.py")
	require.NoError(t, err)
	require.Equal(t, domain.StateLikelyObsolete, old.State)

	write(t, root, "scripts/deploy.sh", "#!/bin/bash\nset -e\npython scripts/old.py\n")
	at = runDay.Add(time.Minute)

	_, err = r.Run(ctx, Options{})
	require.NoError(t, err)
	old, err = s.GetArtifact(ctx, "scripts/old.py")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, old.State)

	latest, err := s.LatestClassification(ctx, "scripts/old.py")
	require.NoError(t, err)
	assert.True(t, latest.ForcedActive)
	assert.Contains(t, latest.Reason, "scripts/deploy.sh")
}

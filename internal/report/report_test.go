package report

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/store"
)

var reportDay = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, tc := range []struct {
		id     string
		state  domain.State
		score  int
		reason string
	}{
		{"scripts/deploy.sh", domain.StateActive, 0, "referenced in manifests"},
		{"scripts/old|pipe.py", domain.StateDefinitelyObsolete, 5, "heuristics: todo+1, deprecated_api+2"},
		{"scripts/maybe.sh", domain.StateLikelyObsolete, 2, "heuristics: deprecated_api+2"},
	} {
		a := domain.Artifact{Identity: tc.id, Path: tc.id, Pipeline: "scripts"}
		require.NoError(t, s.UpsertClassification(ctx, a, domain.ClassificationResult{
			Identity: tc.id, RunID: "r1", RunAt: reportDay, Score: tc.score, State: tc.state, Reason: tc.reason, PolicyVersion: 1,
		}))
	}
	_, err = s.RegisterArtifact(ctx, domain.Artifact{Identity: "scripts/new.sh", Path: "scripts/new.sh", Pipeline: "scripts"})
	require.NoError(t, err)

	require.NoError(t, s.SetArtifactState(ctx, "scripts/maybe.sh", domain.StateLikelyObsolete, domain.StateArchived))
	require.NoError(t, s.InsertArchiveRecord(ctx, domain.ArchiveRecord{
		ID: "rec-1", Identity: "scripts/maybe.sh", OriginalLocation: "scripts/maybe.sh",
		ArchiveLocation: "scripts/.archived_scripts/maybe.2026-05-04.sh", Reason: "no CLI entry",
		Operator: "ops", PriorState: domain.StateLikelyObsolete, Status: domain.ArchiveActive,
		Reversible: true, ArchivedAt: reportDay,
	}))
	return s
}

func TestBuild(t *testing.T) {
	rep, err := Build(context.Background(), seeded(t), reportDay)
	require.NoError(t, err)

	assert.Equal(t, map[domain.State]int{
		domain.StateDefinitelyObsolete: 1,
		domain.StateLikelyObsolete:     0,
		domain.StateNeedsReview:        0,
		domain.StateActive:             1,
		domain.StateUnclassified:       1,
		domain.StateArchived:           1,
	}, rep.Counts())
	require.Len(t, rep.Archive, 1)
	require.Len(t, rep.Pipelines, 1)
	assert.Equal(t, 3, rep.Pipelines[0].Artifacts)

	for _, s := range rep.Sections {
		if s.State != domain.StateUnclassified {
			continue
		}
		require.Len(t, s.Rows, 1)
		assert.Nil(t, s.Rows[0].RunAt)
		assert.Empty(t, s.Rows[0].Reason)
	}
}

func TestWriteMarkdown(t *testing.T) {
	rep, err := Build(context.Background(), seeded(t), reportDay)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteMarkdown(&buf))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "# Script Lifecycle Report\n"))
	assert.Contains(t, out, "Generated 2026-05-04T10:00:00Z")
	assert.Contains(t, out, "| definitely_obsolete | 1 |")
	assert.Contains(t, out, "| **total** | 4 |")
	assert.Contains(t, out, "## Definitely Obsolete (1)")
	assert.Contains(t, out, "`scripts/old\\|pipe.py`")
	assert.NotContains(t, out, "## Needs Review")
	assert.Contains(t, out, "| scripts | active | 3 |")
	assert.Contains(t, out, "| 2026-05-04 | `scripts/maybe.sh` | scripts/.archived_scripts/maybe.2026-05-04.sh | no CLI entry | ops | active |")
}

type failingReader struct {
	Reader
}

func (failingReader) ListByState(context.Context, domain.State) ([]domain.Artifact, error) {
	return nil, errors.New("database is locked")
}

func TestBuildSurfacesReadErrors(t *testing.T) {
	_, err := Build(context.Background(), failingReader{}, reportDay)
	assert.ErrorContains(t, err, "database is locked")
}

package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/store"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestPipeline(t *testing.T) {
	tests := map[string]string{
		"scripts/cli-pipeline/media/process.ts":         "media",
		"scripts/cli-pipeline/media/sub/dir/process.ts": "media",
		"scripts/python/test_modal.py":                  "python",
		"deploy.sh":                                     "root",
		"scripts/cli-pipeline/run.sh":                   "cli-pipeline",
	}
	for path, want := range tests {
		assert.Equal(t, want, Pipeline(path), path)
	}
}

func TestLanguage(t *testing.T) {
	assert.Equal(t, "shell", Language("a.SH"))
	assert.Equal(t, "python", Language("x/y.py"))
	assert.Equal(t, "typescript", Language("z.ts"))
	assert.Equal(t, "unknown", Language("Makefile"))
}

func testOptions() Options {
	return Options{
		Include:    []string{"scripts", "apps", "missing"},
		Extensions: []string{".sh", ".py", ".ts"},
		SkipDirs:   []string{"node_modules"},
		ArchiveDir: ".archived_scripts",
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	write(t, root, "scripts/cli-pipeline/media/process.ts", "export {}\n")
	write(t, root, "scripts/python/test_modal.py", "print(1)\n")
	write(t, root, "scripts/python/.archived_scripts/old.2025-04-06.py", "print(0)\n")
	write(t, root, "scripts/node_modules/pkg/x.sh", "echo\n")
	write(t, root, "scripts/.hidden/y.sh", "echo\n")
	write(t, root, "scripts/README.md", "# docs\n")
	write(t, root, "apps/web/build.sh", "echo build\n")
	write(t, root, "other/ignored.sh", "echo\n")

	got, err := Scan(context.Background(), root, testOptions())
	require.NoError(t, err)

	want := []domain.Artifact{
		{Identity: "apps/web/build.sh", Name: "build.sh", Path: "apps/web/build.sh", Pipeline: "web", Language: "shell", Size: 11},
		{Identity: "scripts/cli-pipeline/media/process.ts", Name: "process.ts", Path: "scripts/cli-pipeline/media/process.ts", Pipeline: "media", Language: "typescript", Size: 10},
		{Identity: "scripts/python/test_modal.py", Name: "test_modal.py", Path: "scripts/python/test_modal.py", Pipeline: "python", Language: "python", Size: 9},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(domain.Artifact{}, "ModifiedAt")); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}
	for _, a := range got {
		assert.False(t, a.ModifiedAt.IsZero(), a.Identity)
	}
}

func TestScanDefaultsToRoot(t *testing.T) {
	root := t.TempDir()
	write(t, root, "run.sh", "echo\n")
	got, err := Scan(context.Background(), root, Options{Extensions: []string{".sh"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "root", got[0].Pipeline)
}

func TestRegister(t *testing.T) {
	root := t.TempDir()
	write(t, root, "scripts/python/test_modal.py", "print(1)\n")
	write(t, root, "scripts/sync.sh", "echo\n")

	s, err := store.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	found, err := Scan(ctx, root, testOptions())
	require.NoError(t, err)

	res, err := Register(ctx, s, found, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Registered)
	assert.Equal(t, 2, res.Unclassified)
	assert.Empty(t, res.Failures)

	pipelines, err := s.ListPipelines(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"python", "scripts"}, names)

	// registering again is a metadata refresh
	res, err = Register(ctx, s, found, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Registered)
}

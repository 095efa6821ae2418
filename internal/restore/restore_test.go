package restore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/pipeline"
)

func writeTestTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello, backpak"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested file contents"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))
}

func backUp(t *testing.T, ctx context.Context, be *fsbackend.Backend, srcDir string) pipeline.Result {
	t.Helper()
	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	result, err := pipeline.Run(ctx, pipeline.Options{Backend: be, Root: srcDir, Author: "tester"}, idx)
	require.NoError(t, err)
	return result
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestTree(t, srcDir)
	result := backUp(t, ctx, be, srcDir)

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	fetcher := NewFetcher(ctx, be, idx, nil)

	outDir := t.TempDir()
	err = Restore(fetcher, result.RootTree, outDir, Options{Owner: false, Permissions: true, Times: false})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(outDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello, backpak", string(got))

	got, err = os.ReadFile(filepath.Join(outDir, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "nested file contents", string(got))

	link, err := os.Readlink(filepath.Join(outDir, "link"))
	require.NoError(t, err)
	require.Equal(t, "a.txt", link)
}

func TestRestoreDeleteRemovesUnlistedFiles(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestTree(t, srcDir)
	result := backUp(t, ctx, be, srcDir)

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	fetcher := NewFetcher(ctx, be, idx, nil)

	outDir := t.TempDir()
	stray := filepath.Join(outDir, "leftover.txt")
	require.NoError(t, os.WriteFile(stray, []byte("shouldn't survive"), 0o644))

	err = Restore(fetcher, result.RootTree, outDir, Options{Delete: true})
	require.NoError(t, err)

	_, err = os.Stat(stray)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outDir, "a.txt"))
	require.NoError(t, err)
}

func TestLsAndDump(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestTree(t, srcDir)
	result := backUp(t, ctx, be, srcDir)

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	fetcher := NewFetcher(ctx, be, idx, nil)

	base := filepath.Base(srcDir)

	entries, err := Ls(fetcher, result.RootTree, "", true)
	require.NoError(t, err)
	paths := make(map[string]bool)
	for _, e := range entries {
		paths[e.Path] = true
	}
	require.True(t, paths[base+"/"])
	require.True(t, paths[base+"/a.txt"])
	require.True(t, paths[base+"/sub/"])
	require.True(t, paths[base+"/sub/b.txt"])

	var buf bytes.Buffer
	require.NoError(t, Dump(fetcher, result.RootTree, base+"/sub/b.txt", &buf))
	require.Equal(t, "nested file contents", buf.String())
}

func TestDiffLiveReportsAddedAndRemoved(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestTree(t, srcDir)
	result := backUp(t, ctx, be, srcDir)

	require.NoError(t, os.Remove(filepath.Join(srcDir, "a.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "new.txt"), []byte("new"), 0o644))

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	fetcher := NewFetcher(ctx, be, idx, nil)

	changes, err := DiffLive(fetcher, result.RootTree, srcDir, false)
	require.NoError(t, err)

	var sawAdded, sawRemoved bool
	for _, c := range changes {
		if c.Path == "new.txt" && c.Kind == Added {
			sawAdded = true
		}
		if c.Path == "a.txt" && c.Kind == Removed {
			sawRemoved = true
		}
	}
	require.True(t, sawAdded)
	require.True(t, sawRemoved)
}

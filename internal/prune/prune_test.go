package prune

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/pipeline"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/tree"
)

func backUp(t *testing.T, ctx context.Context, be backend.Backend, srcDir string) pipeline.Result {
	t.Helper()
	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	result, err := pipeline.Run(ctx, pipeline.Options{Backend: be, Root: srcDir, Author: "tester"}, idx)
	require.NoError(t, err)
	return result
}

func hasPath(t *testing.T, fetcher *restore.Fetcher, root objid.ID, want string) bool {
	t.Helper()
	found := false
	err := fetcher.Walk(root, func(p string, _ tree.Node) error {
		if p == want {
			found = true
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

// TestRunRemovesBlobsOnlyTheForgottenSnapshotUsed backs up two snapshots,
// forgets one (simulated by removing its snapshot object), prunes, and
// confirms the surviving snapshot still restores identically.
func TestRunRemovesBlobsOnlyTheForgottenSnapshotUsed(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcA := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "only-in-a.txt"), []byte("unique to snapshot a, long enough to land in its own chunk hopefully"), 0o644))
	resultA := backUp(t, ctx, be, srcA)

	srcB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "only-in-b.txt"), []byte("unique to snapshot b, also reasonably sized content for chunking"), 0o644))
	resultB := backUp(t, ctx, be, srcB)

	// "forget" snapshot A: remove just its snapshot object, leaving its
	// blobs dangling until prune sweeps them.
	require.NoError(t, be.Remove(ctx, backend.Snapshot, resultA.SnapshotID))

	idx, oldIndexIDs, err := index.LoadAll(ctx, be)
	require.NoError(t, err)

	_, err = Run(ctx, be, idx, oldIndexIDs, pack.DefaultTargetSize)
	require.NoError(t, err)

	// Snapshot B must still restore identically after the prune.
	idx2, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	fetcher := restore.NewFetcher(ctx, be, idx2, nil)
	require.True(t, hasPath(t, fetcher, resultB.RootTree, filepath.Base(srcB)+"/only-in-b.txt"))
}

// TestRunRewritesMixedPacks covers the case where one pack holds both a
// chunk only the forgotten snapshot used and a chunk a surviving snapshot
// still references (via dedup): the pack must be rewritten, not just kept
// or dropped outright.
func TestRunRewritesMixedPacks(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	shared := []byte("content shared between snapshot a and snapshot b, chunked together")

	srcA := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "only-in-a.txt"), []byte("content only snapshot a ever references, forgotten and swept"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcA, "shared.txt"), shared, 0o644))
	resultA := backUp(t, ctx, be, srcA)

	srcB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcB, "shared.txt"), shared, 0o644))
	resultB := backUp(t, ctx, be, srcB)

	require.NoError(t, be.Remove(ctx, backend.Snapshot, resultA.SnapshotID))

	idx, oldIndexIDs, err := index.LoadAll(ctx, be)
	require.NoError(t, err)

	result, err := Run(ctx, be, idx, oldIndexIDs, pack.DefaultTargetSize)
	require.NoError(t, err)
	require.Greater(t, result.PacksRewritten, 0)
	require.Greater(t, result.BlobsFreed, 0)

	idx2, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	fetcher := restore.NewFetcher(ctx, be, idx2, nil)
	sharedPath := filepath.Base(srcB) + "/shared.txt"
	require.True(t, hasPath(t, fetcher, resultB.RootTree, sharedPath))

	data, err := fetcher.FileBytes(mustLookup(t, fetcher, resultB.RootTree, sharedPath))
	require.NoError(t, err)
	require.Equal(t, shared, data)
}

func mustLookup(t *testing.T, fetcher *restore.Fetcher, root objid.ID, path string) tree.Node {
	t.Helper()
	n, ok, err := fetcher.Lookup(root, path)
	require.NoError(t, err)
	require.True(t, ok)
	return n
}

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/snapshot"
	"github.com/mrkline/backpak/internal/tree"
)

func writeTestTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello, backpak"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested file contents"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))
}

// fetchBlob pulls one blob's bytes out of whichever pack the index says it
// lives in, the same batching-by-pack-ID the real restore/dump paths use,
// just without any of their higher-level machinery.
func fetchBlob(ctx context.Context, idx *index.MasterIndex, be backend.Backend, id objid.ID) ([]byte, error) {
	loc, ok := idx.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("pipeline test: blob %s not found in index", id)
	}
	r, err := pack.Open(ctx, loc.PackID, be, nil)
	if err != nil {
		return nil, err
	}
	return r.GetBlob(ctx, id)
}

func TestRunProducesVerifiableSnapshot(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)

	opts := Options{Backend: be, Root: srcDir, Author: "tester"}
	result, err := Run(ctx, opts, idx)
	require.NoError(t, err)
	require.NotZero(t, result.SnapshotID)
	require.NotZero(t, result.RootTree)
	require.Greater(t, result.Progress.NewBytes, uint64(0))
	require.Greater(t, result.Progress.Uploaded, uint64(0))

	snap, err := snapshot.Fetch(ctx, be, result.SnapshotID)
	require.NoError(t, err)
	require.Equal(t, result.RootTree, snap.Tree)
	require.Equal(t, []string{srcDir}, snap.Paths)

	reloaded, loadedIdxIDs, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	require.NotEmpty(t, loadedIdxIDs)
	for _, packID := range reloaded.Packs() {
		_, err := be.Get(ctx, backend.Pack, packID)
		require.NoError(t, err)
	}

	rootData, err := fetchBlob(ctx, reloaded, be, result.RootTree)
	require.NoError(t, err)
	wrapper, err := tree.Unmarshal(rootData)
	require.NoError(t, err)
	require.Len(t, wrapper, 1)
	require.Contains(t, wrapper, filepath.Base(srcDir))
	require.True(t, wrapper[filepath.Base(srcDir)].IsDir())

	contentData, err := fetchBlob(ctx, reloaded, be, *wrapper[filepath.Base(srcDir)].Subtree)
	require.NoError(t, err)
	root, err := tree.Unmarshal(contentData)
	require.NoError(t, err)
	require.Contains(t, root, "a.txt")
	require.Contains(t, root, "link")
	require.True(t, root["link"].IsSymlink())
	require.Equal(t, "a.txt", root["link"].Symlink)
	require.Contains(t, root, "sub")
	require.True(t, root["sub"].IsDir())

	// WIP sentinel must be gone after a clean finish.
	_, err = be.Get(ctx, backend.Index, wipSentinelID)
	require.ErrorIs(t, err, backend.ErrNotExist)
}

func TestRunSecondPassDeduplicates(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	writeTestTree(t, srcDir)

	idx1, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	_, err = Run(ctx, Options{Backend: be, Root: srcDir, Author: "tester"}, idx1)
	require.NoError(t, err)

	idx2, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	result2, err := Run(ctx, Options{Backend: be, Root: srcDir, Author: "tester"}, idx2)
	require.NoError(t, err)

	require.Equal(t, uint64(0), result2.Progress.NewBytes)
	require.Greater(t, result2.Progress.Reused, uint64(0))
}

// TestRunResumesFromWIPIndexAfterCrash simulates a crash between a pack
// upload and the final snapshot: a pack is written directly to the
// backend and recorded in the WIP sentinel index, as wipState.record
// would have left it, then Run is invoked as if restarting a backup of
// the same source tree. It must recognize the already-uploaded chunk via
// the reconciled WIP index instead of re-uploading it, and must leave a
// clean repository (no WIP sentinel, one copy of the pack) behind.
func TestRunResumesFromWIPIndexAfterCrash(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	// Content small enough to chunk as a single whole-file chunk, so its
	// ID is just objid.Sum of these bytes regardless of chunker state.
	content := []byte("pre-crash chunk content, already durable on the backend")
	chunkID := objid.Sum(content)

	w, err := pack.NewWriter(blob.Chunk, pack.DefaultTargetSize)
	require.NoError(t, err)
	_, err = w.Add(chunkID, content)
	require.NoError(t, err)
	packID, encoded, err := w.Finalize()
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Pack, packID, bytes.NewReader(encoded)))

	wipBody := index.Body{packID: w.Manifest()}
	_, wipEncoded, err := index.Encode(wipBody)
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Index, wipSentinelID, bytes.NewReader(wipEncoded)))

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "resumed.txt"), content, 0o644))

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	result, err := Run(ctx, Options{Backend: be, Root: srcDir, Author: "tester"}, idx)
	require.NoError(t, err)

	require.Greater(t, result.Progress.Reused, uint64(0))

	packs, err := be.List(ctx, backend.Pack)
	require.NoError(t, err)
	seen := 0
	for _, id := range packs {
		if id == packID {
			seen++
		}
	}
	require.Equal(t, 1, seen, "pre-crash pack must not be re-uploaded as a duplicate")

	_, err = be.Get(ctx, backend.Index, wipSentinelID)
	require.ErrorIs(t, err, backend.ErrNotExist)

	reloaded, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	data, err := fetchBlob(ctx, reloaded, be, chunkID)
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestWalkDirSkipsRuleMatches(t *testing.T) {
	ctx := context.Background()
	repoDir := t.TempDir()
	be, err := fsbackend.Open(repoDir)
	require.NoError(t, err)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "keep.txt"), []byte("keep me"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "skip.log"), []byte("drop me"), 0o644))

	rules, err := CompileSkipRules([]string{`\.log$`})
	require.NoError(t, err)

	idx, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	result, err := Run(ctx, Options{Backend: be, Root: srcDir, Author: "t", Skip: rules}, idx)
	require.NoError(t, err)

	reloaded, _, err := index.LoadAll(ctx, be)
	require.NoError(t, err)
	wrapperData, err := fetchBlob(ctx, reloaded, be, result.RootTree)
	require.NoError(t, err)
	wrapper, err := tree.Unmarshal(wrapperData)
	require.NoError(t, err)

	rootData, err := fetchBlob(ctx, reloaded, be, *wrapper[filepath.Base(srcDir)].Subtree)
	require.NoError(t, err)
	root, err := tree.Unmarshal(rootData)
	require.NoError(t, err)
	require.NotContains(t, root, "skip.log")
	require.Contains(t, root, "keep.txt")
}

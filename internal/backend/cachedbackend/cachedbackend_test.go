package cachedbackend

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
)

func TestIndexCacheHit(t *testing.T) {
	ctx := context.Background()
	inner, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)

	cached, err := Open(inner, filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	defer cached.Close()

	payload := []byte("index body")
	id := objid.Sum(payload)
	require.NoError(t, inner.Put(ctx, backend.Index, id, bytes.NewReader(payload)))

	rc, err := cached.Get(ctx, backend.Index, id)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	require.Equal(t, payload, got)

	// Remove straight from inner so a second Get can only succeed via cache.
	require.NoError(t, inner.Remove(ctx, backend.Index, id))

	rc, err = cached.Get(ctx, backend.Index, id)
	require.NoError(t, err)
	got, _ = io.ReadAll(rc)
	require.Equal(t, payload, got, "second get should be served from cache")
}

func TestBlobCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	cached, err := Open(inner, filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	defer cached.Close()

	packID := objid.Sum([]byte("pack"))
	blobID := objid.Sum([]byte("blob"))
	_, _, ok := cached.GetBlob(ctx, packID, blobID)
	require.False(t, ok)

	cached.PutBlob(ctx, packID, blobID, blob.Chunk, []byte("chunk bytes"))
	data, kind, ok := cached.GetBlob(ctx, packID, blobID)
	require.True(t, ok)
	require.Equal(t, blob.Chunk, kind)
	require.Equal(t, []byte("chunk bytes"), data)
}

func TestEvictionBoundsTotalBytes(t *testing.T) {
	ctx := context.Background()
	inner, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	cached, err := Open(inner, filepath.Join(t.TempDir(), "cache.db"), 100)
	require.NoError(t, err)
	defer cached.Close()

	packID := objid.Sum([]byte("pack"))
	for i := 0; i < 20; i++ {
		blobID := objid.Sum([]byte{byte(i)})
		cached.PutBlob(ctx, packID, blobID, blob.Chunk, bytes.Repeat([]byte{'x'}, 20))
	}

	var total int64
	require.NoError(t, cached.db.QueryRow("SELECT COALESCE(SUM(length),0) FROM blobs").Scan(&total))
	require.LessOrEqual(t, total, int64(100))
}

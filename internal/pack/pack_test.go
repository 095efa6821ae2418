package pack

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
)

// TestRoundTrip checks that finalizing a pack written with b1..bn and
// reading it back yields exactly b1..bn with matching IDs.
func TestRoundTrip(t *testing.T) {
	w, err := NewWriter(blob.Chunk, DefaultTargetSize)
	require.NoError(t, err)

	blobs := map[objid.ID][]byte{}
	for _, s := range []string{"first chunk", "second chunk", "third chunk"} {
		data := []byte(s)
		id := objid.Sum(data)
		res, err := w.Add(id, data)
		require.NoError(t, err)
		require.Equal(t, Added, res)
		blobs[id] = data
	}

	// Re-adding the same ID in the same pack is deduped.
	for id, data := range blobs {
		res, err := w.Add(id, data)
		require.NoError(t, err)
		require.Equal(t, DuplicateInPack, res)
		break
	}

	packID, encoded, err := w.Finalize()
	require.NoError(t, err)
	require.Equal(t, Magic, string(encoded[:len(Magic)]))

	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Pack, packID, bytes.NewReader(encoded)))

	r, err := Open(ctx, packID, be, nil)
	require.NoError(t, err)
	require.Equal(t, packID, r.ID())
	require.Len(t, r.Manifest(), len(blobs))

	for id, want := range blobs {
		got, err := r.GetBlob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	require.NoError(t, r.VerifyBytes(ctx))
}

func TestFullReportsAtTarget(t *testing.T) {
	w, err := NewWriter(blob.Chunk, 10)
	require.NoError(t, err)
	require.False(t, w.Full())
	_, err = w.Add(objid.Sum([]byte("0123456789A")), []byte("0123456789A"))
	require.NoError(t, err)
	require.True(t, w.Full())
}

func TestOpenRejectsCorruptManifest(t *testing.T) {
	w, err := NewWriter(blob.Tree, DefaultTargetSize)
	require.NoError(t, err)
	data := []byte("a tree blob")
	_, err = w.Add(objid.Sum(data), data)
	require.NoError(t, err)
	packID, encoded, err := w.Finalize()
	require.NoError(t, err)

	// Flip a byte inside the manifest region (well before the final 4
	// length bytes) so the manifest hash no longer matches packID.
	corrupt := append([]byte(nil), encoded...)
	corrupt[len(corrupt)-6] ^= 0xFF

	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Pack, packID, bytes.NewReader(corrupt)))

	_, err = Open(ctx, packID, be, nil)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestGetBlobsBatchesSinglePass(t *testing.T) {
	w, err := NewWriter(blob.Chunk, DefaultTargetSize)
	require.NoError(t, err)
	var ids []objid.ID
	for i := 0; i < 5; i++ {
		data := []byte{byte(i), byte(i), byte(i)}
		id := objid.Sum(data)
		_, err := w.Add(id, data)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	packID, encoded, err := w.Finalize()
	require.NoError(t, err)

	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Pack, packID, bytes.NewReader(encoded)))

	r, err := Open(ctx, packID, be, nil)
	require.NoError(t, err)

	got, err := r.GetBlobs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
}

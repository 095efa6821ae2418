package index

import (
	"bytes"
	"context"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
)

func oneEntryManifest(data []byte, k blob.Kind) (objid.ID, pack.Manifest) {
	id := objid.Sum(data)
	return id, pack.Manifest{{Kind: k, Length: uint64(len(data)), ID: id}}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	packA := objid.Sum([]byte("pack a"))
	_, manifest := oneEntryManifest([]byte("chunk data"), blob.Chunk)
	body := Body{packA: manifest}

	id, encoded, err := Encode(body)
	require.NoError(t, err)
	require.Equal(t, Magic, string(encoded[:len(Magic)]))

	got, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, body, got)
	raw, err := cbor.Marshal(body)
	require.NoError(t, err)
	require.Equal(t, objid.Sum(raw), id)
}

func TestMasterIndexMergeFirstWriterWins(t *testing.T) {
	m := New()

	blobID, manifestA := oneEntryManifest([]byte("same content"), blob.Chunk)
	packA := objid.Sum([]byte("pack a"))
	packB := objid.Sum([]byte("pack b"))

	m.MergePack(packA, manifestA)
	// A different pack claims to also hold blobID (e.g. a retried upload);
	// the earlier entry must win.
	m.MergePack(packB, pack.Manifest{{Kind: blob.Chunk, Length: manifestA[0].Length, ID: blobID}})

	loc, ok := m.Lookup(blobID)
	require.True(t, ok)
	require.Equal(t, packA, loc.PackID)
}

func TestMasterIndexMergePackIsIdempotent(t *testing.T) {
	m := New()
	packA := objid.Sum([]byte("pack a"))
	_, manifest := oneEntryManifest([]byte("x"), blob.Tree)
	m.MergePack(packA, manifest)
	m.MergePack(packA, manifest)
	require.Equal(t, 1, m.BlobCount())
	require.Len(t, m.Packs(), 1)
}

func TestLoadAllStreamsAndMerges(t *testing.T) {
	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)

	packA := objid.Sum([]byte("pack a"))
	_, manifestA := oneEntryManifest([]byte("blob a"), blob.Chunk)
	idA, encodedA, err := Encode(Body{packA: manifestA})
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Index, idA, bytes.NewReader(encodedA)))

	packB := objid.Sum([]byte("pack b"))
	_, manifestB := oneEntryManifest([]byte("blob b"), blob.Tree)
	idB, encodedB, err := Encode(Body{packB: manifestB})
	require.NoError(t, err)
	require.NoError(t, be.Put(ctx, backend.Index, idB, bytes.NewReader(encodedB)))

	m, loaded, err := LoadAll(ctx, be)
	require.NoError(t, err)
	require.ElementsMatch(t, []objid.ID{idA, idB}, loaded)
	require.Equal(t, 2, m.BlobCount())
	require.True(t, m.Has(manifestA[0].ID))
	require.True(t, m.Has(manifestB[0].ID))
}

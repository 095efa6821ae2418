package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/objid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := Snapshot{
		Author: "alice",
		Tags:   []string{"nightly"},
		Time:   time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		Paths:  []string{"/tmp/src"},
		Tree:   objid.Sum([]byte("root tree")),
	}
	id, encoded, err := Encode(s)
	require.NoError(t, err)
	require.Equal(t, Magic, string(encoded[:len(Magic)]))

	got, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, s.Author, got.Author)
	require.Equal(t, s.Tree, got.Tree)
	require.True(t, s.Time.Equal(got.Time))

	// Snapshot ID is the hash of the CBOR body alone.
	body, err := Marshal(s)
	require.NoError(t, err)
	require.Equal(t, objid.Sum(body), id)
}

func TestUploadFetch(t *testing.T) {
	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)

	s := Snapshot{Author: "bob", Time: time.Now(), Paths: []string{"/data"}, Tree: objid.Sum([]byte("t"))}
	id, err := Upload(ctx, be, s)
	require.NoError(t, err)

	got, err := Fetch(ctx, be, id)
	require.NoError(t, err)
	require.Equal(t, s.Author, got.Author)
}

package filterbackend

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend/fsbackend"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/objid"
)

func TestPassthroughFilter(t *testing.T) {
	ctx := context.Background()
	inner, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)

	// "cat" round-trips bytes unchanged, standing in for a real
	// encrypt/decrypt pair in this test.
	be := New(inner, []string{"cat"}, []string{"cat"})

	payload := []byte("secret tree bytes")
	id := objid.Sum(payload)
	require.NoError(t, be.Put(ctx, backend.Pack, id, bytes.NewReader(payload)))

	rc, err := be.Get(ctx, backend.Pack, id)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, be.Probe(ctx))
}

func TestNoFilterReturnsInnerUnwrapped(t *testing.T) {
	inner, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	wrapped := New(inner, nil, nil)
	require.Same(t, backend.Backend(inner), wrapped)
}

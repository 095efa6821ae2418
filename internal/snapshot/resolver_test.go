package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/objid"
)

func uploadAt(t *testing.T, be *fsbackend.Backend, when time.Time) objid.ID {
	ctx := context.Background()
	id, err := Upload(ctx, be, Snapshot{
		Author: "t", Time: when, Paths: []string{"/x"}, Tree: objid.Sum([]byte(when.String())),
	})
	require.NoError(t, err)
	return id
}

func TestResolveLastAndRelative(t *testing.T) {
	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := uploadAt(t, be, base)
	middle := uploadAt(t, be, base.Add(time.Hour))
	newest := uploadAt(t, be, base.Add(2*time.Hour))

	r := NewResolver(be)

	last, err := r.Resolve(ctx, "LAST")
	require.NoError(t, err)
	require.Equal(t, newest, last.ID)

	prev, err := r.Resolve(ctx, "LAST~1")
	require.NoError(t, err)
	require.Equal(t, middle, prev.ID)

	oldestResolved, err := r.Resolve(ctx, "HEAD~2")
	require.NoError(t, err)
	require.Equal(t, oldest, oldestResolved.ID)
}

func TestResolvePrefix(t *testing.T) {
	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	id := uploadAt(t, be, time.Now())

	r := NewResolver(be)
	got, err := r.Resolve(ctx, id.String()[:8])
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
}

func TestResolveAmbiguousAndNotFound(t *testing.T) {
	ctx := context.Background()
	be, err := fsbackend.Open(t.TempDir())
	require.NoError(t, err)
	r := NewResolver(be)

	_, err = r.Resolve(ctx, "LAST")
	require.ErrorIs(t, err, ErrNotFound)

	uploadAt(t, be, time.Now())
	_, err = r.Resolve(ctx, "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	require.ErrorIs(t, err, ErrNotFound)

	// An empty prefix matches every snapshot, so with two it is ambiguous.
	uploadAt(t, be, time.Now().Add(time.Hour))
	_, err = r.Resolve(ctx, "")
	require.ErrorIs(t, err, ErrAmbiguous)
}

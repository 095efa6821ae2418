package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrkline/backpak/internal/objid"
)

func sampleTree() Tree {
	chunkID := objid.Sum([]byte("chunk"))
	subID := objid.Sum([]byte("subtree"))
	return Tree{
		"b.txt": {Chunks: []objid.ID{chunkID}, Metadata: Metadata{Type: "posix", Mode: 0o644, Size: 5}},
		"a.txt": {Chunks: []objid.ID{chunkID}, Metadata: Metadata{Type: "posix", Mode: 0o644, Size: 5}},
		"d":     {Subtree: &subID, Metadata: Metadata{Type: "posix", Mode: 0o755}},
	}
}

// TestIDDeterministic checks that a tree's ID matches across independent
// runs given the same content.
func TestIDDeterministic(t *testing.T) {
	id1, b1, err := ID(sampleTree())
	require.NoError(t, err)
	id2, b2, err := ID(sampleTree())
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Equal(t, b1, b2)
}

func TestRoundTrip(t *testing.T) {
	orig := sampleTree()
	b, err := Marshal(orig)
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestSortedNamesIsUTF8ByteOrder(t *testing.T) {
	names := SortedNames(sampleTree())
	require.Equal(t, []string{"a.txt", "b.txt", "d"}, names)
}

func TestNodeClassification(t *testing.T) {
	tr := sampleTree()
	require.True(t, tr["a.txt"].IsFile())
	require.False(t, tr["a.txt"].IsDir())
	require.True(t, tr["d"].IsDir())
	require.False(t, tr["d"].IsFile())

	symNode := Node{Symlink: "target", Metadata: Metadata{Type: "posix"}}
	require.True(t, symNode.IsSymlink())
	require.False(t, symNode.IsFile())
}

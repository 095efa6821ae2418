package restore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/mrkline/backpak/internal/chunker"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/tree"
)

// ChangeKind classifies one path's difference between two trees. Chunk-ID equality is the file-identity predicate: two file
// nodes are Unchanged only if their chunk lists match exactly.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Modified
	MetadataOnly
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	case MetadataOnly:
		return "metadata"
	default:
		return "unknown"
	}
}

// Change is one path's difference.
type Change struct {
	Path string
	Kind ChangeKind
}

// sameChunks reports whether two file nodes reference identical chunk
// sequences.
func sameChunks(a, b []objid.ID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameMetadata(a, b tree.Metadata) bool {
	return a == b
}

// DiffTrees compares two snapshot trees, returning every changed path in
// sorted order. includeMetadata enables reporting MetadataOnly changes;
// without it, metadata-only differences are silent.
func DiffTrees(fa, fb *Fetcher, rootA, rootB objid.ID, includeMetadata bool) ([]Change, error) {
	na := make(map[string]tree.Node)
	nb := make(map[string]tree.Node)
	if err := fa.Walk(rootA, func(p string, n tree.Node) error {
		na[p] = n
		return nil
	}); err != nil {
		return nil, err
	}
	if err := fb.Walk(rootB, func(p string, n tree.Node) error {
		nb[p] = n
		return nil
	}); err != nil {
		return nil, err
	}

	var changes []Change
	for p, a := range na {
		b, ok := nb[p]
		if !ok {
			changes = append(changes, Change{Path: p, Kind: Removed})
			continue
		}
		switch {
		case a.IsFile() && b.IsFile():
			if !sameChunks(a.Chunks, b.Chunks) {
				changes = append(changes, Change{Path: p, Kind: Modified})
			} else if includeMetadata && !sameMetadata(a.Metadata, b.Metadata) {
				changes = append(changes, Change{Path: p, Kind: MetadataOnly})
			}
		case a.IsDir() && b.IsDir():
			if includeMetadata && !sameMetadata(a.Metadata, b.Metadata) {
				changes = append(changes, Change{Path: p, Kind: MetadataOnly})
			}
		case a.IsSymlink() && b.IsSymlink():
			if a.Symlink != b.Symlink {
				changes = append(changes, Change{Path: p, Kind: Modified})
			} else if includeMetadata && !sameMetadata(a.Metadata, b.Metadata) {
				changes = append(changes, Change{Path: p, Kind: MetadataOnly})
			}
		default:
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p := range nb {
		if _, ok := na[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Added})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// liveChunks re-chunks the file at path the same way a backup would,
// returning its chunk IDs for comparison against a tree.Node's Chunks.
func liveChunks(path string) ([]objid.ID, error) {
	it, err := chunker.NewFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("restore: opening %s: %w", path, err)
	}
	defer it.Close()

	var ids []objid.ID
	for {
		c, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("restore: chunking %s: %w", path, err)
		}
		ids = append(ids, objid.Sum(c.Data))
	}
	return ids, nil
}

// DiffLive compares a snapshot tree against the live filesystem rooted at
// liveRoot. root is unwrapped via ContentRoot first, since liveRoot names
// a real directory with no synthetic top-level entry of its own.
func DiffLive(f *Fetcher, root objid.ID, liveRoot string, includeMetadata bool) ([]Change, error) {
	root, err := f.ContentRoot(root)
	if err != nil {
		return nil, err
	}

	snapNodes := make(map[string]tree.Node)
	if err := f.Walk(root, func(p string, n tree.Node) error {
		snapNodes[p] = n
		return nil
	}); err != nil {
		return nil, err
	}

	liveNodes := make(map[string]os.FileInfo)
	err = filepath.Walk(liveRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == liveRoot {
			return nil
		}
		rel, err := filepath.Rel(liveRoot, p)
		if err != nil {
			return err
		}
		liveNodes[filepath.ToSlash(rel)] = info
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore: walking %s: %w", liveRoot, err)
	}

	var changes []Change
	for p, n := range snapNodes {
		info, ok := liveNodes[p]
		if !ok {
			changes = append(changes, Change{Path: p, Kind: Removed})
			continue
		}
		switch {
		case n.IsFile() && info.Mode().IsRegular():
			live := tree.MetadataFromFileInfo(info)
			liveIDs, err := liveChunks(filepath.Join(liveRoot, filepath.FromSlash(p)))
			if err != nil {
				return nil, err
			}
			if !sameChunks(n.Chunks, liveIDs) {
				changes = append(changes, Change{Path: p, Kind: Modified})
			} else if includeMetadata && n.Metadata.Mode != live.Mode {
				changes = append(changes, Change{Path: p, Kind: MetadataOnly})
			}
		case n.IsDir() && info.IsDir():
			// directories are compared by presence only
		case n.IsSymlink() && info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(filepath.Join(liveRoot, filepath.FromSlash(p)))
			if err == nil && target != n.Symlink {
				changes = append(changes, Change{Path: p, Kind: Modified})
			}
		default:
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p := range liveNodes {
		if _, ok := snapNodes[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Added})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

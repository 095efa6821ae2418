// Package restore implements the read side of a repository: Ls,
// Dump, Diff, and Restore, all walking a snapshot's tree and batching
// blob fetches by pack ID.
package restore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/tree"
)

var log = logging.Logger("restore")

// Fetcher resolves and caches pack.Reader instances so repeated lookups of
// blobs from the same pack only open it once.
type Fetcher struct {
	ctx     context.Context
	be      backend.Backend
	idx     *index.MasterIndex
	cache   pack.BlobCache
	readers map[objid.ID]*pack.Reader
}

func NewFetcher(ctx context.Context, be backend.Backend, idx *index.MasterIndex, cache pack.BlobCache) *Fetcher {
	return &Fetcher{ctx: ctx, be: be, idx: idx, cache: cache, readers: make(map[objid.ID]*pack.Reader)}
}

func (f *Fetcher) readerFor(packID objid.ID) (*pack.Reader, error) {
	if r, ok := f.readers[packID]; ok {
		return r, nil
	}
	r, err := pack.Open(f.ctx, packID, f.be, f.cache)
	if err != nil {
		return nil, err
	}
	f.readers[packID] = r
	return r, nil
}

// Blob fetches one blob's bytes by ID, resolving its pack via the master
// index.
func (f *Fetcher) Blob(id objid.ID) ([]byte, error) {
	loc, ok := f.idx.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("restore: blob %s not found in index", id)
	}
	r, err := f.readerFor(loc.PackID)
	if err != nil {
		return nil, err
	}
	return r.GetBlob(f.ctx, id)
}

// Blobs batches a fetch of several blobs by the pack each lives in, so
// every pack is decompressed at most once.
func (f *Fetcher) Blobs(ids []objid.ID) (map[objid.ID][]byte, error) {
	byPack := make(map[objid.ID][]objid.ID)
	for _, id := range ids {
		loc, ok := f.idx.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("restore: blob %s not found in index", id)
		}
		byPack[loc.PackID] = append(byPack[loc.PackID], id)
	}
	result := make(map[objid.ID][]byte, len(ids))
	for packID, wanted := range byPack {
		r, err := f.readerFor(packID)
		if err != nil {
			return nil, err
		}
		got, err := r.GetBlobs(f.ctx, wanted)
		if err != nil {
			return nil, err
		}
		for id, data := range got {
			result[id] = data
		}
	}
	return result, nil
}

// Tree fetches and decodes the tree blob at id.
func (f *Fetcher) Tree(id objid.ID) (tree.Tree, error) {
	data, err := f.Blob(id)
	if err != nil {
		return nil, err
	}
	return tree.Unmarshal(data)
}

// FileBytes fetches every chunk of node in order and concatenates them.
func (f *Fetcher) FileBytes(node tree.Node) ([]byte, error) {
	got, err := f.Blobs(node.Chunks)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, id := range node.Chunks {
		out = append(out, got[id]...)
	}
	return out, nil
}

// Walk descends into the tree rooted at treeID, calling fn once for every
// node (files, directories, and symlinks alike) with its full slash-
// separated path relative to the snapshot root. Directories are visited
// before their children.
func (f *Fetcher) Walk(treeID objid.ID, fn func(p string, n tree.Node) error) error {
	return f.walk("", treeID, fn)
}

func (f *Fetcher) walk(prefix string, treeID objid.ID, fn func(p string, n tree.Node) error) error {
	t, err := f.Tree(treeID)
	if err != nil {
		return err
	}
	for _, name := range tree.SortedNames(t) {
		n := t[name]
		p := path.Join(prefix, name)
		if err := fn(p, n); err != nil {
			return err
		}
		if n.IsDir() {
			if err := f.walk(p, *n.Subtree, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// ContentRoot descends past the single synthetic entry a backup's root
// tree wraps its contents under (named for the backed-up directory's base
// name), returning that entry's subtree ID. Operations that line paths up
// against a real filesystem directory (Restore, DiffLive) need this; Ls
// and Dump operate on the wrapped root directly so the backed-up
// directory's own name appears in their output.
func (f *Fetcher) ContentRoot(root objid.ID) (objid.ID, error) {
	t, err := f.Tree(root)
	if err != nil {
		return objid.ID{}, err
	}
	if len(t) != 1 {
		return root, nil
	}
	for _, n := range t {
		if n.IsDir() {
			return *n.Subtree, nil
		}
	}
	return root, nil
}

// Lookup resolves a slash-separated relative path to its Node, walking
// down from root. Returns ok=false if any component doesn't exist.
func (f *Fetcher) Lookup(root objid.ID, relPath string) (tree.Node, bool, error) {
	relPath = strings.Trim(path.Clean("/"+relPath), "/")
	if relPath == "" {
		return tree.Node{Subtree: &root}, true, nil
	}
	parts := strings.Split(relPath, "/")
	current := root
	var node tree.Node
	for i, part := range parts {
		t, err := f.Tree(current)
		if err != nil {
			return tree.Node{}, false, err
		}
		n, ok := t[part]
		if !ok {
			return tree.Node{}, false, nil
		}
		node = n
		if i < len(parts)-1 {
			if !n.IsDir() {
				return tree.Node{}, false, nil
			}
			current = *n.Subtree
		}
	}
	return node, true, nil
}

// Entry is one listed path and its node, as produced by Ls.
type Entry struct {
	Path string
	Node tree.Node
}

// Ls lists every entry under relPath (a file, or a directory and,
// recursive, its descendants) in a snapshot rooted at root.
func Ls(f *Fetcher, root objid.ID, relPath string, recursive bool) ([]Entry, error) {
	node, ok, err := f.Lookup(root, relPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("restore: no such path %q in snapshot", relPath)
	}
	if !node.IsDir() {
		return []Entry{{Path: relPath, Node: node}}, nil
	}

	var entries []Entry
	base := strings.Trim(relPath, "/")
	walkFn := func(p string, n tree.Node) error {
		entries = append(entries, Entry{Path: dirSuffixed(p, n), Node: n})
		return nil
	}
	if !recursive {
		t, err := f.Tree(*node.Subtree)
		if err != nil {
			return nil, err
		}
		names := tree.SortedNames(t)
		entries = make([]Entry, 0, len(names))
		for _, name := range names {
			n := t[name]
			entries = append(entries, Entry{Path: dirSuffixed(path.Join(base, name), n), Node: n})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		return entries, nil
	}
	if err := f.walk(base, *node.Subtree, walkFn); err != nil {
		return nil, err
	}
	return entries, nil
}

// dirSuffixed appends a trailing slash to p if n is a directory, so listed
// output matches the shape a shell's ls -F would produce.
func dirSuffixed(p string, n tree.Node) string {
	if n.IsDir() {
		return p + "/"
	}
	return p
}

// Dump locates one file by path and writes its bytes, in chunk order, to
// w.
func Dump(f *Fetcher, root objid.ID, relPath string, w interface{ Write([]byte) (int, error) }) error {
	node, ok, err := f.Lookup(root, relPath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("restore: no such path %q in snapshot", relPath)
	}
	if !node.IsFile() {
		return fmt.Errorf("restore: %q is not a regular file", relPath)
	}
	got, err := f.Blobs(node.Chunks)
	if err != nil {
		return err
	}
	for _, id := range node.Chunks {
		if _, err := w.Write(got[id]); err != nil {
			return fmt.Errorf("restore: writing %q: %w", relPath, err)
		}
	}
	return nil
}

// Package tree implements the directory tree blob: a deterministically
// serialized mapping from name to file/subtree/symlink node.
package tree

import (
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mrkline/backpak/internal/objid"
)

// encMode makes tree serialization deterministic: map keys sorted by the
// bytewise order of their CBOR encodings (SortBytewiseLexical) and
// canonical (shortest-form) integers. A text key's encoding starts with
// its length, so shorter names sort first; this is not plain UTF-8 byte
// order of the names. Any deviation breaks
// cross-version dedup, so this is the only EncMode tree bytes are ever
// produced with.
var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	opts.Sort = cbor.SortBytewiseLexical
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("tree: building canonical cbor encoder: %v", err))
	}
	return m
}()

// Metadata is carried by every Node. Times are stored as RFC 3339 text
// with nanosecond precision, not a CBOR time tag, so the wire form is
// stable across CBOR library versions.
type Metadata struct {
	Type  string `cbor:"type"` // always "posix"; room for future node kinds
	Mode  uint32 `cbor:"mode"`
	Size  uint64 `cbor:"size,omitempty"` // files only
	UID   uint32 `cbor:"uid"`
	GID   uint32 `cbor:"gid"`
	Atime string `cbor:"atime"`
	Mtime string `cbor:"mtime"`
}

const timeFormat = time.RFC3339Nano

// MetadataFromFileInfo builds Metadata from a file's os.FileInfo, pulling
// POSIX owner/atime out of the underlying syscall.Stat_t where available.
func MetadataFromFileInfo(fi os.FileInfo) Metadata {
	m := Metadata{
		Type:  "posix",
		Mode:  uint32(fi.Mode().Perm()),
		Mtime: fi.ModTime().UTC().Format(timeFormat),
		Atime: fi.ModTime().UTC().Format(timeFormat),
	}
	if !fi.IsDir() && !fi.Mode().IsDir() {
		m.Size = uint64(fi.Size())
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		m.UID = st.Uid
		m.GID = st.Gid
		m.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec).UTC().Format(timeFormat)
	}
	return m
}

// Node is one entry of a Tree: exactly one of Chunks, Subtree, or Symlink
// is set, identifying a file, a directory, or a symbolic link.
type Node struct {
	Chunks   []objid.ID `cbor:"chunks,omitempty"`
	Subtree  *objid.ID  `cbor:"tree,omitempty"`
	Symlink  string     `cbor:"symlink,omitempty"`
	Metadata Metadata   `cbor:"metadata"`
}

// IsFile, IsDir, and IsSymlink classify a Node by which field is set.
func (n Node) IsFile() bool    { return n.Subtree == nil && n.Symlink == "" }
func (n Node) IsDir() bool     { return n.Subtree != nil }
func (n Node) IsSymlink() bool { return n.Symlink != "" }

// Tree maps path-component names (no separators) to Nodes.
type Tree map[string]Node

// Marshal serializes t deterministically: CBOR map, keys sorted by their
// encoded bytes (shorter names first), canonical integer encoding.
func Marshal(t Tree) ([]byte, error) {
	return encMode.Marshal(t)
}

// Unmarshal parses a tree blob previously produced by Marshal.
func Unmarshal(data []byte) (Tree, error) {
	var t Tree
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("tree: decoding: %w", err)
	}
	return t, nil
}

// ID returns the tree's content address: SHA-224 of its deterministic
// serialization.
func ID(t Tree) (objid.ID, []byte, error) {
	b, err := Marshal(t)
	if err != nil {
		return objid.ID{}, nil, err
	}
	return objid.Sum(b), b, nil
}

// SortedNames returns t's entry names in UTF-8 byte order, the order Ls
// uses. The serialized form orders its keys differently (see encMode).
func SortedNames(t Tree) []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

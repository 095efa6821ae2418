package index

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
)

// Location records where a blob lives: which pack, what kind, and its
// uncompressed length.
type Location struct {
	PackID objid.ID
	Kind   blob.Kind
	Length uint64
}

// MasterIndex is the in-memory union of every on-disk index in a
// repository. It is read-mostly during backup (dedup + indexer
// consult it) and append-only (new packs' manifests are merged in as they
// land); a read-write lock protects it.
type MasterIndex struct {
	mu    sync.RWMutex
	blobs map[objid.ID]Location
	packs map[objid.ID]pack.Manifest
}

// New returns an empty MasterIndex.
func New() *MasterIndex {
	return &MasterIndex{
		blobs: make(map[objid.ID]Location),
		packs: make(map[objid.ID]pack.Manifest),
	}
}

// Lookup reports where blob id lives, if known.
func (m *MasterIndex) Lookup(id objid.ID) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.blobs[id]
	return loc, ok
}

// Has reports whether blob id is already indexed; this is the fast path
// the dedup stage consults for every chunk.
func (m *MasterIndex) Has(id objid.ID) bool {
	_, ok := m.Lookup(id)
	return ok
}

// PackManifest returns the manifest previously merged in for packID, used
// by prune and check to enumerate a pack's contents without re-fetching it.
func (m *MasterIndex) PackManifest(packID objid.ID) (pack.Manifest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mf, ok := m.packs[packID]
	return mf, ok
}

// Packs returns every pack ID the index currently knows about.
func (m *MasterIndex) Packs() []objid.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]objid.ID, 0, len(m.packs))
	for id := range m.packs {
		ids = append(ids, id)
	}
	return ids
}

// BlobCount reports how many distinct blobs are indexed.
func (m *MasterIndex) BlobCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// MergePack folds one pack's manifest into the index. If the pack is
// already known, this is a no-op: re-merging the same pack must not
// re-process its blobs. On a blob-ID collision between two different
// packs, the earlier entry wins and the later one is ignored — the blob
// is already safely stored under the first pack, and the duplicate can be
// cleaned up by a later prune.
func (m *MasterIndex) MergePack(packID objid.ID, manifest pack.Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.packs[packID]; already {
		return
	}
	m.packs[packID] = manifest
	for _, e := range manifest {
		if _, exists := m.blobs[e.ID]; exists {
			continue
		}
		m.blobs[e.ID] = Location{PackID: packID, Kind: e.Kind, Length: e.Length}
	}
}

// MergeBody folds every pack in an index's Body into the index.
func (m *MasterIndex) MergeBody(body Body) {
	for packID, manifest := range body {
		m.MergePack(packID, manifest)
	}
}

// LoadAll lists every index object in be, downloads and decodes each, and
// merges its entries in one at a time rather than holding every raw index
// in memory at once. It returns the IDs of the indexes that were merged,
// for callers (prune, check) that need to know which on-disk indexes the
// master index currently reflects.
func LoadAll(ctx context.Context, be backend.Backend) (*MasterIndex, []objid.ID, error) {
	ids, err := be.List(ctx, backend.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("index: listing: %w", err)
	}
	m := New()
	for _, id := range ids {
		body, err := fetchBody(ctx, be, id)
		if err != nil {
			return nil, nil, err
		}
		m.MergeBody(body)
	}
	return m, ids, nil
}

func fetchBody(ctx context.Context, be backend.Backend, id objid.ID) (Body, error) {
	rc, err := be.Get(ctx, backend.Index, id)
	if err != nil {
		return nil, fmt.Errorf("index: fetching %s: %w", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("index: reading %s: %w", id, err)
	}
	return Decode(data)
}

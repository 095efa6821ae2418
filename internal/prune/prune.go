// Package prune implements mark-and-sweep garbage collection over a
// repository: every chunk and tree reachable from a live snapshot
// is kept, packs that are entirely live are left alone, packs that are
// entirely dead are deleted, and packs with a mix of both are rewritten
// into new, fully-live packs before the old ones are removed.
package prune

import (
	"bytes"
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
	"github.com/mrkline/backpak/internal/tree"
)

var log = logging.Logger("prune")

// Class is how a pack was classified during the mark phase.
type Class int

const (
	AllLive Class = iota
	AllDead
	Mixed
)

// Result summarizes one prune run.
type Result struct {
	PacksKept      int
	PacksRewritten int
	PacksDeleted   int
	IndexesDeleted int
	BlobsFreed     int
}

// Run performs one mark-and-sweep pass over be, using idx (already loaded
// via index.LoadAll) to enumerate pack contents and oldIndexIDs to know
// which on-disk indexes idx was built from.
//
// Rewrite order matters for crash safety: new packs are made durable,
// then the new index, then old indexes are removed, then dead packs, so
// a crash at any point leaves the repository in a state the next prune
// (or a check) can reconcile by re-marking.
func Run(ctx context.Context, be backend.Backend, idx *index.MasterIndex, oldIndexIDs []objid.ID, targetSize uint64) (Result, error) {
	live, err := mark(ctx, be, idx)
	if err != nil {
		return Result{}, err
	}

	classes, err := classify(idx, live)
	if err != nil {
		return Result{}, err
	}

	var result Result
	newBody := make(index.Body)
	var deadPacks []objid.ID

	for packID, class := range classes {
		manifest, _ := idx.PackManifest(packID)
		switch class {
		case AllLive:
			result.PacksKept++
			newBody[packID] = manifest
		case AllDead:
			deadPacks = append(deadPacks, packID)
			result.BlobsFreed += len(manifest)
		case Mixed:
			rewritten, err := rewritePack(ctx, be, idx, packID, live, targetSize)
			if err != nil {
				return Result{}, fmt.Errorf("prune: rewriting pack %s: %w", packID, err)
			}
			for id, rm := range rewritten {
				newBody[id] = rm
			}
			deadPacks = append(deadPacks, packID)
			result.PacksRewritten++
			for _, e := range manifest {
				if !live[e.ID] {
					result.BlobsFreed++
				}
			}
		}
	}

	var newIndexID objid.ID
	if len(newBody) > 0 {
		id, encoded, err := index.Encode(newBody)
		if err != nil {
			return Result{}, fmt.Errorf("prune: encoding new index: %w", err)
		}
		if err := be.Put(ctx, backend.Index, id, bytes.NewReader(encoded)); err != nil {
			return Result{}, fmt.Errorf("prune: uploading new index: %w", err)
		}
		newIndexID = id
	}

	// Old indexes are fully re-covered by newBody (every pack they named
	// is either kept as-is or rewritten into a replacement in newBody), so
	// they can be removed now that the new index is durable.
	var errs error
	for _, oldID := range oldIndexIDs {
		if oldID == newIndexID {
			// Same body as the new index: removing it would remove the new
			// index as well.
			continue
		}
		if err := be.Remove(ctx, backend.Index, oldID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune: removing old index %s: %w", oldID, err))
			continue
		}
		result.IndexesDeleted++
	}

	for _, packID := range deadPacks {
		if err := be.Remove(ctx, backend.Pack, packID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("prune: removing dead pack %s: %w", packID, err))
			continue
		}
		result.PacksDeleted++
	}

	log.Infow("prune finished", "kept", result.PacksKept, "rewritten", result.PacksRewritten,
		"deleted", result.PacksDeleted, "indexesDeleted", result.IndexesDeleted, "blobsFreed", result.BlobsFreed)

	return result, errs
}

// mark walks every snapshot's tree, returning the liveness of every blob
// ID the master index knows about.
func mark(ctx context.Context, be backend.Backend, idx *index.MasterIndex) (map[objid.ID]bool, error) {
	snapIDs, err := be.List(ctx, backend.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("prune: listing snapshots: %w", err)
	}

	live := make(map[objid.ID]bool)
	fetcher := restore.NewFetcher(ctx, be, idx, nil)

	for _, snapID := range snapIDs {
		snap, err := snapshot.Fetch(ctx, be, snapID)
		if err != nil {
			return nil, fmt.Errorf("prune: fetching snapshot %s: %w", snapID, err)
		}
		live[snap.Tree] = true
		if err := fetcher.Walk(snap.Tree, func(_ string, n tree.Node) error {
			if n.IsDir() {
				live[*n.Subtree] = true
				return nil
			}
			for _, id := range n.Chunks {
				live[id] = true
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("prune: walking snapshot %s: %w", snapID, err)
		}
	}
	return live, nil
}

// classify buckets every pack idx knows about by whether all, none, or
// some of its blobs are live.
func classify(idx *index.MasterIndex, live map[objid.ID]bool) (map[objid.ID]Class, error) {
	classes := make(map[objid.ID]Class)
	for _, packID := range idx.Packs() {
		manifest, ok := idx.PackManifest(packID)
		if !ok {
			return nil, fmt.Errorf("prune: pack %s missing from index", packID)
		}
		if len(manifest) == 0 {
			classes[packID] = AllDead
			continue
		}
		liveCount := 0
		for _, e := range manifest {
			if live[e.ID] {
				liveCount++
			}
		}
		switch {
		case liveCount == len(manifest):
			classes[packID] = AllLive
		case liveCount == 0:
			classes[packID] = AllDead
		default:
			classes[packID] = Mixed
		}
	}
	return classes, nil
}

// rewritePack re-packs the live blobs of a mixed pack into one or more new
// packs of the same kind, returning their manifests keyed by new pack ID.
func rewritePack(ctx context.Context, be backend.Backend, idx *index.MasterIndex, packID objid.ID, live map[objid.ID]bool, targetSize uint64) (index.Body, error) {
	manifest, ok := idx.PackManifest(packID)
	if !ok {
		return nil, fmt.Errorf("prune: pack %s missing from index", packID)
	}
	r, err := pack.Open(ctx, packID, be, nil)
	if err != nil {
		return nil, err
	}

	var liveIDs []objid.ID
	for _, e := range manifest {
		if live[e.ID] {
			liveIDs = append(liveIDs, e.ID)
		}
	}
	blobs, err := r.GetBlobs(ctx, liveIDs)
	if err != nil {
		return nil, fmt.Errorf("prune: reading live blobs from %s: %w", packID, err)
	}

	kind := manifest[0].Kind
	body := make(index.Body)
	w, err := pack.NewWriter(kind, targetSize)
	if err != nil {
		return nil, err
	}
	finalize := func() error {
		if w.Len() == 0 {
			return nil
		}
		newID, encoded, err := w.Finalize()
		if err != nil {
			return err
		}
		if err := be.Put(ctx, backend.Pack, newID, bytes.NewReader(encoded)); err != nil {
			return fmt.Errorf("prune: uploading rewritten pack: %w", err)
		}
		body[newID] = w.Manifest()
		w, err = pack.NewWriter(kind, targetSize)
		return err
	}

	// Preserve manifest order so file-order chunk packing
	// survives a rewrite.
	for _, e := range manifest {
		data, ok := blobs[e.ID]
		if !ok {
			continue
		}
		if _, err := w.Add(e.ID, data); err != nil {
			return nil, err
		}
		if w.Full() {
			if err := finalize(); err != nil {
				return nil, err
			}
		}
	}
	if err := finalize(); err != nil {
		return nil, err
	}
	return body, nil
}

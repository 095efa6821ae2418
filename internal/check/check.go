// Package check implements repository integrity verification:
// a fast default mode confirming referential closure, and a slower
// --read-packs mode that re-derives every blob's content address.
package check

import (
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

var log = logging.Logger("check")

// Options configures one check run.
type Options struct {
	ReadPacks bool // --read-packs: recompute every blob's SHA and verify manifest hashes
}

// Result summarizes one check run. Errors found are collected, not fatal,
// so a single run reports every problem it finds rather than stopping at
// the first.
type Result struct {
	SnapshotsChecked int
	PacksChecked     int
	Errors           []error
}

// Run verifies be against idx: every pack an index or snapshot references
// must be present, and every snapshot's root tree must be reachable
// through indexed packs. With opts.ReadPacks, every pack is additionally
// downloaded and its blobs re-verified byte-for-byte.
func Run(ctx context.Context, be backend.Backend, idx *index.MasterIndex, opts Options) (Result, error) {
	var result Result
	var errs error

	presentPacks, err := be.List(ctx, backend.Pack)
	if err != nil {
		return Result{}, fmt.Errorf("check: listing packs: %w", err)
	}
	present := make(map[objid.ID]struct{}, len(presentPacks))
	for _, id := range presentPacks {
		present[id] = struct{}{}
	}

	for _, packID := range idx.Packs() {
		if _, ok := present[packID]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("check: pack %s referenced by index but missing", packID))
			continue
		}
		result.PacksChecked++
		if opts.ReadPacks {
			if err := verifyPackBytes(ctx, be, packID); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	snapIDs, err := be.List(ctx, backend.Snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("check: listing snapshots: %w", err)
	}

	fetcher := restore.NewFetcher(ctx, be, idx, nil)
	for _, snapID := range snapIDs {
		snap, err := snapshot.Fetch(ctx, be, snapID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check: fetching snapshot %s: %w", snapID, err))
			continue
		}
		result.SnapshotsChecked++
		if err := checkReachable(ctx, idx, fetcher, snap.Tree); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check: snapshot %s: %w", snapID, err))
		}
	}

	result.Errors = multierr.Errors(errs)
	log.Infow("check finished", "packsChecked", result.PacksChecked,
		"snapshotsChecked", result.SnapshotsChecked, "errors", len(result.Errors))
	return result, nil
}

// checkReachable confirms that every object a snapshot's tree references
// (the tree itself, its subtrees, and every chunk) has a Location in idx
// — i.e. is reachable via some indexed pack. Tree blobs are fetched and
// decoded to find their children; chunk bytes are never fetched, since
// their IDs are already listed in their parent tree's Node.
func checkReachable(ctx context.Context, idx *index.MasterIndex, fetcher *restore.Fetcher, root objid.ID) error {
	if !idx.Has(root) {
		return fmt.Errorf("root tree %s not in index", root)
	}
	var errs error
	err := fetcher.Walk(root, func(p string, n tree.Node) error {
		if n.IsDir() {
			if !idx.Has(*n.Subtree) {
				errs = multierr.Append(errs, fmt.Errorf("tree %s (at %q) not in index", *n.Subtree, p))
			}
			return nil
		}
		for _, id := range n.Chunks {
			if !idx.Has(id) {
				errs = multierr.Append(errs, fmt.Errorf("chunk %s (at %q) not in index", id, p))
			}
		}
		return nil
	})
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// verifyPackBytes downloads packID and recomputes every blob's SHA-224
// against the pack's own manifest.
func verifyPackBytes(ctx context.Context, be backend.Backend, packID objid.ID) error {
	r, err := pack.Open(ctx, packID, be, nil)
	if err != nil {
		return fmt.Errorf("check: opening pack %s: %w", packID, err)
	}
	if err := r.VerifyBytes(ctx); err != nil {
		return fmt.Errorf("check: pack %s failed byte verification: %w", packID, err)
	}
	return nil
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
	"github.com/mrkline/backpak/internal/tree"
)

// newCmd_copy copies one or more snapshots, and every pack they reach,
// from one repository to another. Both repositories need to be open at
// once, so this command takes its own --source/--destination flags
// instead of the shared -r/--repository.
func newCmd_copy() *cli.Command {
	var source, dest string
	return &cli.Command{
		Name:      "copy",
		Usage:     "Copy snapshots (and their packs) into another repository",
		ArgsUsage: "<snapshot>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "source",
				Usage:       "repository to copy from",
				Destination: &source,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "destination",
				Usage:       "repository to copy into",
				Destination: &dest,
				Required:    true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return newUsageError("copy requires at least one snapshot reference")
			}

			src, err := repo.Open(c.Context, source)
			if err != nil {
				return fmt.Errorf("copy: opening source: %w", err)
			}
			defer src.Close()

			dst, err := repo.Open(c.Context, dest)
			if err != nil {
				return fmt.Errorf("copy: opening destination: %w", err)
			}
			defer dst.Close()

			srcIdx, _, err := index.LoadAll(c.Context, src.Backend)
			if err != nil {
				return fmt.Errorf("copy: loading source index: %w", err)
			}
			dstIdx, _, err := index.LoadAll(c.Context, dst.Backend)
			if err != nil {
				return fmt.Errorf("copy: loading destination index: %w", err)
			}

			fetcher := restore.NewFetcher(c.Context, src.Backend, srcIdx, src.Cache)
			resolver := snapshot.NewResolver(src.Backend)
			newBody := make(index.Body)

			for _, ref := range c.Args().Slice() {
				entry, err := resolver.Resolve(c.Context, ref)
				if err != nil {
					return fmt.Errorf("copy: resolving %q: %w", ref, err)
				}

				needed, err := reachablePacks(fetcher, srcIdx, entry.Snapshot.Tree)
				if err != nil {
					return fmt.Errorf("copy: walking %s: %w", entry.ID, err)
				}

				copied, err := copyPacks(c.Context, src.Backend, dst.Backend, srcIdx, dstIdx, needed, newBody)
				if err != nil {
					return fmt.Errorf("copy: copying packs for %s: %w", entry.ID, err)
				}

				if err := copyObject(c.Context, src.Backend, dst.Backend, backend.Snapshot, entry.ID); err != nil {
					return fmt.Errorf("copy: uploading snapshot %s: %w", entry.ID, err)
				}
				fmt.Printf("copied %s (%d new pack(s))\n", entry.ID, copied)
			}

			if len(newBody) > 0 {
				newIndexID, encoded, err := index.Encode(newBody)
				if err != nil {
					return fmt.Errorf("copy: encoding new index: %w", err)
				}
				if err := dst.Backend.Put(c.Context, backend.Index, newIndexID, bytes.NewReader(encoded)); err != nil {
					return fmt.Errorf("copy: uploading new index: %w", err)
				}
			}
			return nil
		},
	}
}

// reachablePacks walks the tree rooted at root and returns every pack ID
// that backs a blob (tree or chunk) the walk touches.
func reachablePacks(f *restore.Fetcher, idx *index.MasterIndex, root objid.ID) (map[objid.ID]bool, error) {
	needed := make(map[objid.ID]bool)
	add := func(id objid.ID) error {
		loc, ok := idx.Lookup(id)
		if !ok {
			return fmt.Errorf("blob %s missing from source index", id)
		}
		needed[loc.PackID] = true
		return nil
	}
	if err := add(root); err != nil {
		return nil, err
	}
	if err := f.Walk(root, func(_ string, n tree.Node) error {
		if n.IsDir() {
			return add(*n.Subtree)
		}
		for _, id := range n.Chunks {
			if err := add(id); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return needed, nil
}

// copyPacks transfers every pack in needed that dstIdx doesn't already
// have, recording its manifest in newBody so the caller can fold all of
// this run's transferred packs into one new index.
func copyPacks(ctx context.Context, srcBE, dstBE backend.Backend, srcIdx, dstIdx *index.MasterIndex, needed map[objid.ID]bool, newBody index.Body) (int, error) {
	copied := 0
	for packID := range needed {
		if _, ok := dstIdx.PackManifest(packID); ok {
			continue
		}
		if _, ok := newBody[packID]; ok {
			continue
		}
		manifest, ok := srcIdx.PackManifest(packID)
		if !ok {
			return copied, fmt.Errorf("pack %s missing from source index", packID)
		}
		if err := copyObject(ctx, srcBE, dstBE, backend.Pack, packID); err != nil {
			return copied, fmt.Errorf("copying pack %s: %w", packID, err)
		}
		newBody[packID] = manifest
		copied++
	}
	return copied, nil
}

func copyObject(ctx context.Context, srcBE, dstBE backend.Backend, kind backend.Kind, id objid.ID) error {
	rc, err := srcBE.Get(ctx, kind, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	return dstBE.Put(ctx, kind, id, bytes.NewReader(raw))
}

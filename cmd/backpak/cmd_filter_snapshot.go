package main

import (
	"bytes"
	"fmt"
	"path"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/pipeline"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
	"github.com/mrkline/backpak/internal/tree"
)

// newCmd_filterSnapshot builds a new snapshot from an existing one with
// paths matching one or more regexes excluded. Chunks are untouched
// (they're reused by content address); only the tree blobs along the
// excluded paths' ancestry actually change, so only those get re-encoded
// and uploaded.
func newCmd_filterSnapshot() *cli.Command {
	var skipPatterns cli.StringSlice
	return &cli.Command{
		Name:      "filter-snapshot",
		Usage:     "Create a new snapshot from an existing one with matching paths removed",
		ArgsUsage: "<snapshot>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "skip",
				Usage:       "regex matched against each entry's path; matches are excluded",
				Destination: &skipPatterns,
			},
		},
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() != 1 {
				return newUsageError("filter-snapshot requires exactly one snapshot reference")
			}
			if len(skipPatterns.Value()) == 0 {
				return newUsageError("filter-snapshot requires at least one --skip pattern")
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			skip, err := pipeline.CompileSkipRules(skipPatterns.Value())
			if err != nil {
				return newUsageError("filter-snapshot: %v", err)
			}

			idx, _, err := index.LoadAll(c.Context, r.Backend)
			if err != nil {
				return err
			}

			resolver := snapshot.NewResolver(r.Backend)
			entry, err := resolver.Resolve(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			fetcher := restore.NewFetcher(c.Context, r.Backend, idx, r.Cache)
			rb := &rebuilder{fetcher: fetcher, idx: idx, skip: skip, newTrees: make(map[objid.ID][]byte)}
			newRoot, err := rb.rebuild(entry.Snapshot.Tree, "")
			if err != nil {
				return fmt.Errorf("filter-snapshot: %w", err)
			}

			if len(rb.newTrees) > 0 {
				w, err := pack.NewWriter(blob.Tree, pack.DefaultTargetSize)
				if err != nil {
					return err
				}
				body := make(index.Body)
				finalize := func() error {
					if w.Len() == 0 {
						return nil
					}
					packID, encoded, err := w.Finalize()
					if err != nil {
						return err
					}
					if err := r.Backend.Put(c.Context, backend.Pack, packID, bytes.NewReader(encoded)); err != nil {
						return fmt.Errorf("uploading filtered tree pack: %w", err)
					}
					body[packID] = w.Manifest()
					w, err = pack.NewWriter(blob.Tree, pack.DefaultTargetSize)
					return err
				}
				for id, data := range rb.newTrees {
					if _, err := w.Add(id, data); err != nil {
						return err
					}
					if w.Full() {
						if err := finalize(); err != nil {
							return err
						}
					}
				}
				if err := finalize(); err != nil {
					return err
				}

				newIndexID, encoded, err := index.Encode(body)
				if err != nil {
					return fmt.Errorf("filter-snapshot: encoding new index: %w", err)
				}
				if err := r.Backend.Put(c.Context, backend.Index, newIndexID, bytes.NewReader(encoded)); err != nil {
					return fmt.Errorf("filter-snapshot: uploading new index: %w", err)
				}
			}

			newSnap := entry.Snapshot
			newSnap.Tree = newRoot
			newID, err := snapshot.Upload(c.Context, r.Backend, newSnap)
			if err != nil {
				return fmt.Errorf("filter-snapshot: uploading new snapshot: %w", err)
			}
			fmt.Printf("%s\n", newID)
			return nil
		},
	}
}

// rebuilder reconstructs a tree hierarchy with matching paths excluded,
// collecting the bytes of every tree blob whose content actually changed
// so the caller can upload just those.
type rebuilder struct {
	fetcher  *restore.Fetcher
	idx      *index.MasterIndex
	skip     pipeline.SkipRules
	newTrees map[objid.ID][]byte
}

func (rb *rebuilder) matches(relPath string) bool {
	for _, re := range rb.skip {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// rebuild returns the ID of the tree at treeID with every excluded path
// removed. If nothing under treeID was excluded, this is treeID's
// original ID (already present in the index, so nothing new is staged).
func (rb *rebuilder) rebuild(treeID objid.ID, relDir string) (objid.ID, error) {
	t, err := rb.fetcher.Tree(treeID)
	if err != nil {
		return objid.ID{}, err
	}

	out := make(tree.Tree, len(t))
	for name, n := range t {
		rel := path.Join(relDir, name)
		if rb.matches(rel) {
			continue
		}
		if n.IsDir() {
			newSub, err := rb.rebuild(*n.Subtree, rel)
			if err != nil {
				return objid.ID{}, err
			}
			n.Subtree = &newSub
		}
		out[name] = n
	}

	newID, data, err := tree.ID(out)
	if err != nil {
		return objid.ID{}, err
	}
	if !rb.idx.Has(newID) {
		rb.newTrees[newID] = data
	}
	return newID, nil
}

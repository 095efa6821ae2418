package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/snapshot"
)

// newCmd_forget removes a snapshot's record. Its blobs aren't reclaimed
// until a subsequent prune walks the remaining snapshots and rewrites
// or deletes packs that no longer have any live references.
func newCmd_forget() *cli.Command {
	return &cli.Command{
		Name:      "forget",
		Usage:     "Remove a snapshot (its blobs remain until the next prune)",
		ArgsUsage: "<snapshot>...",
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() < 1 {
				return newUsageError("forget requires at least one snapshot reference")
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			resolver := snapshot.NewResolver(r.Backend)
			for _, ref := range c.Args().Slice() {
				entry, err := resolver.Resolve(c.Context, ref)
				if err != nil {
					return err
				}
				if err := r.Backend.Remove(c.Context, backend.Snapshot, entry.ID); err != nil {
					return err
				}
				fmt.Printf("forgot %s\n", entry.ID)
			}
			return nil
		},
	}
}

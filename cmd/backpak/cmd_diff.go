package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
)

func newCmd_diff() *cli.Command {
	var includeMetadata bool
	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare two snapshots, or a snapshot against the live filesystem",
		ArgsUsage: "<snapshot-a> <snapshot-b-or-live-path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "metadata",
				Usage:       "also report metadata-only changes",
				Destination: &includeMetadata,
			},
		},
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() != 2 {
				return newUsageError("diff requires two arguments")
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			resolver := snapshot.NewResolver(r.Backend)
			idx, _, err := index.LoadAll(c.Context, r.Backend)
			if err != nil {
				return err
			}
			fetcher := restore.NewFetcher(c.Context, r.Backend, idx, r.Cache)

			entryA, err := resolver.Resolve(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			var changes []restore.Change
			if entryB, err := resolver.Resolve(c.Context, c.Args().Get(1)); err == nil {
				changes, err = restore.DiffTrees(fetcher, fetcher, entryA.Snapshot.Tree, entryB.Snapshot.Tree, includeMetadata)
				if err != nil {
					return err
				}
			} else {
				changes, err = restore.DiffLive(fetcher, entryA.Snapshot.Tree, c.Args().Get(1), includeMetadata)
				if err != nil {
					return err
				}
			}

			for _, ch := range changes {
				fmt.Printf("%-8s %s\n", ch.Kind, ch.Path)
			}
			return nil
		},
	}
}

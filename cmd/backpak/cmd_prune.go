package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/prune"
	"github.com/mrkline/backpak/internal/repo"
)

func newCmd_prune() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Garbage-collect blobs no longer referenced by any snapshot",
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			idx, oldIndexIDs, err := index.LoadAll(c.Context, r.Backend)
			if err != nil {
				return err
			}

			result, err := prune.Run(c.Context, r.Backend, idx, oldIndexIDs, pack.DefaultTargetSize)
			if err != nil {
				return err
			}
			fmt.Printf("kept %d packs, rewrote %d, deleted %d packs and %d indexes, freed %d blobs\n",
				result.PacksKept, result.PacksRewritten, result.PacksDeleted, result.IndexesDeleted, result.BlobsFreed)
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/repo"
)

func newCmd_usage() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Print repository size and blob statistics",
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			idx, _, err := index.LoadAll(c.Context, r.Backend)
			if err != nil {
				return err
			}

			snapIDs, err := r.Backend.List(c.Context, backend.Snapshot)
			if err != nil {
				return err
			}

			var totalBytes uint64
			for _, packID := range idx.Packs() {
				manifest, _ := idx.PackManifest(packID)
				for _, e := range manifest {
					totalBytes += e.Length
				}
			}

			fmt.Printf("snapshots:    %d\n", len(snapIDs))
			fmt.Printf("packs:        %d\n", len(idx.Packs()))
			fmt.Printf("distinct blobs: %d\n", idx.BlobCount())
			fmt.Printf("logical bytes: %d\n", totalBytes)
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
)

func newCmd_restore() *cli.Command {
	var owner, permissions, times, deleteExtra bool
	return &cli.Command{
		Name:      "restore",
		Usage:     "Materialize a snapshot under an output directory",
		ArgsUsage: "<snapshot> <output-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "owner", Usage: "restore file owner (uid/gid)", Destination: &owner},
			&cli.BoolFlag{Name: "permissions", Usage: "restore file permission bits", Destination: &permissions},
			&cli.BoolFlag{Name: "times", Usage: "restore file access/modification times", Destination: &times},
			&cli.BoolFlag{Name: "delete", Usage: "remove files under the output dir not present in the snapshot", Destination: &deleteExtra},
		},
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() != 2 {
				return newUsageError("restore requires a snapshot reference and an output directory")
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			entry, err := snapshot.NewResolver(r.Backend).Resolve(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			idx, _, err := index.LoadAll(c.Context, r.Backend)
			if err != nil {
				return err
			}
			fetcher := restore.NewFetcher(c.Context, r.Backend, idx, r.Cache)

			if err := restore.Restore(fetcher, entry.Snapshot.Tree, c.Args().Get(1), restore.Options{
				Owner:       owner,
				Permissions: permissions,
				Times:       times,
				Delete:      deleteExtra,
			}); err != nil {
				return err
			}
			fmt.Printf("restored %s to %s\n", entry.ID, c.Args().Get(1))
			return nil
		},
	}
}

package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
)

func newCmd_dump() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "Write one file's contents from a snapshot to stdout",
		ArgsUsage: "<snapshot> <path>",
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() != 2 {
				return newUsageError("dump requires a snapshot reference and a path")
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

			return restore.Dump(fetcher, entry.Snapshot.Tree, c.Args().Get(1), os.Stdout)
		},
	}
}

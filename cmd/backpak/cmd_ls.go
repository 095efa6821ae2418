package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
)

func newCmd_ls() *cli.Command {
	var recursive bool
	return &cli.Command{
		Name:      "ls",
		Usage:     "List paths in a snapshot",
		ArgsUsage: "<snapshot> [path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "recursive",
				Aliases:     []string{"R"},
				Usage:       "list subdirectories recursively",
				Destination: &recursive,
			},
		},
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() < 1 {
				return newUsageError("ls requires a snapshot reference")
			}
			relPath := ""
			if c.NArg() >= 2 {
				relPath = c.Args().Get(1)
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

			entries, err := restore.Ls(fetcher, entry.Snapshot.Tree, relPath, recursive)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Println(e.Path)
			}
			return nil
		},
	}
}

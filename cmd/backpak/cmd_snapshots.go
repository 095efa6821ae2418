package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/snapshot"
)

func newCmd_snapshots() *cli.Command {
	return &cli.Command{
		Name:  "snapshots",
		Usage: "List every snapshot in the repository, most recent first",
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			entries, err := snapshot.NewResolver(r.Backend).List(c.Context)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %s  %s  %v\n",
					e.ID, e.Snapshot.Time.Format("2006-01-02 15:04:05"), e.Snapshot.Author, e.Snapshot.Paths)
			}
			return nil
		},
	}
}

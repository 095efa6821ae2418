package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/check"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/repo"
)

func newCmd_check() *cli.Command {
	var readPacks bool
	return &cli.Command{
		Name:  "check",
		Usage: "Verify repository integrity",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "read-packs",
				Usage:       "download and re-verify every pack's blob contents, not just referential integrity",
				Destination: &readPacks,
			},
		},
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

			result, err := check.Run(c.Context, r.Backend, idx, check.Options{ReadPacks: readPacks})
			if err != nil {
				return err
			}
			fmt.Printf("checked %d snapshots, %d packs\n", result.SnapshotsChecked, result.PacksChecked)
			for _, e := range result.Errors {
				fmt.Fprintln(os.Stderr, e)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("check: found %d problem(s)", len(result.Errors))
			}
			return nil
		},
	}
}

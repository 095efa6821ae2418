package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/repo"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
	"github.com/mrkline/backpak/internal/tree"
)

// newCmd_cat prints one raw object's decoded form — a debugging escape
// hatch for inspecting a snapshot, index, or tree blob directly by ID
// without going through a higher-level command.
func newCmd_cat() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "Print one object's decoded contents",
		ArgsUsage: "<snapshot|index|tree> <id>",
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() != 2 {
				return newUsageError("cat requires an object kind and an ID")
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			id, err := objid.Parse(c.Args().Get(1))
			if err != nil {
				return newUsageError("cat: %v", err)
			}

			switch c.Args().First() {
			case "snapshot":
				s, err := snapshot.Fetch(c.Context, r.Backend, id)
				if err != nil {
					return err
				}
				fmt.Printf("%+v\n", s)
			case "index":
				rc, err := r.Backend.Get(c.Context, backend.Index, id)
				if err != nil {
					return err
				}
				defer rc.Close()
				data, err := io.ReadAll(rc)
				if err != nil {
					return err
				}
				body, err := index.Decode(data)
				if err != nil {
					return err
				}
				for packID, manifest := range body {
					fmt.Printf("%s: %d blobs\n", packID, len(manifest))
				}
			case "tree":
				idx, _, err := index.LoadAll(c.Context, r.Backend)
				if err != nil {
					return err
				}
				fetcher := restore.NewFetcher(c.Context, r.Backend, idx, r.Cache)
				t, err := fetcher.Tree(id)
				if err != nil {
					return err
				}
				for _, name := range tree.SortedNames(t) {
					fmt.Printf("%s %+v\n", name, t[name])
				}
			default:
				return newUsageError("cat: unknown kind %q (want snapshot, index, or tree)", c.Args().First())
			}
			return nil
		},
	}
}

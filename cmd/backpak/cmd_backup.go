package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/pipeline"
	"github.com/mrkline/backpak/internal/repo"
)

func newCmd_backup() *cli.Command {
	var author string
	var tags cli.StringSlice
	var skip cli.StringSlice
	var dereference bool
	var chunkWorkers, uploadWorkers int

	return &cli.Command{
		Name:      "backup",
		Usage:     "Back up a directory tree into a new snapshot",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "author",
				Usage:       "snapshot author (default: $HOSTNAME)",
				Destination: &author,
			},
			&cli.StringSliceFlag{
				Name:        "tag",
				Usage:       "attach a tag to the snapshot (repeatable)",
				Destination: &tags,
			},
			&cli.StringSliceFlag{
				Name:        "skip",
				Usage:       "regex of paths to skip (repeatable)",
				Destination: &skip,
			},
			&cli.BoolFlag{
				Name:        "dereference",
				Aliases:     []string{"L"},
				Usage:       "follow symlinks instead of recording them as links",
				Destination: &dereference,
			},
			&cli.IntFlag{
				Name:        "chunk-workers",
				Usage:       "number of chunker worker goroutines (default: NumCPU)",
				Destination: &chunkWorkers,
			},
			&cli.IntFlag{
				Name:        "upload-workers",
				Usage:       "number of uploader worker goroutines (default: NumCPU)",
				Destination: &uploadWorkers,
			},
		},
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}
			if c.NArg() != 1 {
				return newUsageError("backup takes exactly one path argument")
			}

			r, err := repo.Open(c.Context, repoPath)
			if err != nil {
				return err
			}
			defer r.Close()

			if author == "" {
				author = defaultAuthor()
			}

			skipRules, err := pipeline.CompileSkipRules(skip.Value())
			if err != nil {
				return err
			}

			idx, _, err := index.LoadAll(c.Context, r.Backend)
			if err != nil {
				return err
			}

			root, err := filepath.Abs(c.Args().First())
			if err != nil {
				return fmt.Errorf("backup: resolving %q: %w", c.Args().First(), err)
			}

			opts := pipeline.Options{
				Backend:       r.Backend,
				Root:          root,
				Author:        author,
				Tags:          tags.Value(),
				Skip:          skipRules,
				Dereference:   dereference,
				ChunkWorkers:  chunkWorkers,
				UploadWorkers: uploadWorkers,
				Cache:         r.Cache,
			}
			result, err := pipeline.Run(c.Context, opts, idx)
			if err != nil {
				return err
			}

			p := result.Progress
			fmt.Printf("snapshot %s\n", result.SnapshotID)
			fmt.Printf("processed %d files, reused %d blobs, wrote %d new bytes across %d packs\n",
				p.Processed, p.Reused, p.NewBytes, p.Uploaded)
			return nil
		},
	}
}

// defaultAuthor names the current host: $HOSTNAME if set, else the
// system hostname.
func defaultAuthor() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

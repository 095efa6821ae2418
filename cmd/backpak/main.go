// Command backpak is a content-addressed deduplicating backup engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	bplog "github.com/mrkline/backpak/internal/logging"
)

var log = logging.Logger("backpak")

var (
	repoPath    string
	verbose     bool
	veryVerbose bool
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			fmt.Fprintln(os.Stderr)
			log.Warn("received interrupt, cancelling")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "backpak",
		Usage:       "a content-addressed deduplicating backup engine",
		Description: "Ingests directory trees, deduplicates their content-defined chunks, and stores them in a repository that may live on local disk or Backblaze B2.",
		Before: func(c *cli.Context) error {
			switch {
			case veryVerbose:
				bplog.Setup(bplog.VeryVerbose)
			case verbose:
				bplog.Setup(bplog.Verbose)
			default:
				bplog.Setup(bplog.Quiet)
			}
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "repository",
				Aliases:     []string{"r"},
				Usage:       "path to the repository",
				EnvVars:     []string{"BACKPAK_REPOSITORY"},
				Destination: &repoPath,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Aliases:     []string{"v"},
				Usage:       "verbose logging",
				Destination: &verbose,
			},
			&cli.BoolFlag{
				Name:        "very-verbose",
				Aliases:     []string{"vv"},
				Usage:       "very verbose (debug) logging",
				Destination: &veryVerbose,
			},
		},
		Commands: []*cli.Command{
			newCmd_init(),
			newCmd_backup(),
			newCmd_snapshots(),
			newCmd_ls(),
			newCmd_diff(),
			newCmd_dump(),
			newCmd_restore(),
			newCmd_forget(),
			newCmd_prune(),
			newCmd_check(),
			newCmd_usage(),
			newCmd_cat(),
			newCmd_copy(),
			newCmd_filterSnapshot(),
		},
	}

	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "backpak:", err)
		if _, ok := err.(*usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks an invalid invocation, distinct from a fatal runtime error (exit 1).
type usageError struct{ error }

func newUsageError(format string, args ...any) error {
	return &usageError{fmt.Errorf(format, args...)}
}

func requireRepository() error {
	if repoPath == "" {
		return newUsageError("no repository given (-r/--repository or $BACKPAK_REPOSITORY)")
	}
	return nil
}

// Package main is the ghostsnap CLI front end: subcommand dispatch over
// the init/backup/restore/snapshots/forget/prune/check operations,
// argument parsing, and exit-code mapping. Everything interesting lives
// in the repository/backup/restore packages; this package is plumbing,
// the one place in this repository allowed to print to stdout/stderr
// and call os.Exit.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "ghostsnap",
		Usage: "deduplicating, encrypted, snapshot-based backup",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repository",
				Aliases: []string{"r"},
				Usage:   "repository location (file://, s3://, gs://, az://); defaults to $GHOSTSNAP_REPOSITORY",
			},
			&cli.IntFlag{
				Name:  "upload-limit",
				Usage: "cap upload bandwidth in bytes/sec (0 = unlimited)",
			},
			&cli.IntFlag{
				Name:  "download-limit",
				Usage: "cap download bandwidth in bytes/sec (0 = unlimited)",
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			backupCommand(),
			restoreCommand(),
			snapshotsCommand(),
			forgetCommand(),
			pruneCommand(),
			checkCommand(),
		},
	}

	err := app.Run(context.Background(), os.Args)
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, styleError.Render("error: "+err.Error()))
	os.Exit(exitCodeFor(err))
}

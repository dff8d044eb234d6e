package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ghostsnap/ghostsnap/backup"
	"github.com/ghostsnap/ghostsnap/util"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:      "backup",
		Usage:     "create a snapshot of one or more paths",
		ArgsUsage: "<path>...",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "tag", Usage: "attach a tag to the snapshot (repeatable)"},
			&cli.StringSliceFlag{Name: "exclude", Usage: "glob or substring pattern to skip (repeatable)"},
			&cli.StringFlag{Name: "parent", Usage: "informational parent snapshot id"},
		},
		Action: backupAction,
	}
}

func backupAction(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("backup requires at least one path")
	}

	repo, err := openRepository(ctx, cmd)
	if err != nil {
		return err
	}

	res, err := backup.Run(ctx, repo, backup.Options{
		Paths:    paths,
		Tags:     cmd.StringSlice("tag"),
		Excludes: cmd.StringSlice("exclude"),
		Parent:   cmd.String("parent"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s in %d file(s), %s\n",
		styleOK.Render("snapshot "+res.Snapshot.ShortID()),
		util.FmtBytes(res.BytesBackedUp), res.FilesBackedUp, warnLabel(res.WarningCount))
	return nil
}

func warnLabel(n int) string {
	if n == 0 {
		return "no warnings"
	}
	return styleWarn.Render(fmt.Sprintf("%d warning(s)", n))
}

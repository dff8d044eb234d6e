package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ghostsnap/ghostsnap/restore"
	"github.com/ghostsnap/ghostsnap/util"
)

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "restore a snapshot into a target directory",
		ArgsUsage: "<snapshot-id> <target-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "overwrite", Usage: "restore into a non-empty target directory"},
			&cli.IntFlag{Name: "concurrency", Usage: "number of files to restore in parallel", Value: restore.DefaultConcurrency},
		},
		Action: restoreAction,
	}
}

func restoreAction(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) != 2 {
		return fmt.Errorf("restore requires a snapshot id and a target directory")
	}
	idOrPrefix, target := args[0], args[1]

	repo, err := openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	id, err := repo.ResolveSnapshot(ctx, idOrPrefix)
	if err != nil {
		return err
	}

	res, err := restore.Run(ctx, repo, id, target, restore.Options{
		Overwrite:   cmd.Bool("overwrite"),
		Concurrency: cmd.Int("concurrency"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s in %d file(s)\n",
		styleOK.Render("restored "+id[:8]), util.FmtBytes(res.BytesRestored), res.FilesRestored)
	return nil
}

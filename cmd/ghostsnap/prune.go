package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ghostsnap/ghostsnap/util"
)

func pruneCommand() *cli.Command {
	return &cli.Command{
		Name:   "prune",
		Usage:  "reclaim storage held by chunks no snapshot references",
		Action: pruneAction,
	}
}

func pruneAction(ctx context.Context, cmd *cli.Command) error {
	repo, err := openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	report, err := repo.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %d pack(s) deleted, %d pack(s) rewritten, %d chunk(s) reclaimed, %s freed\n",
		styleOK.Render("pruned"),
		report.PacksDeleted, report.PacksRewritten, report.ChunksReclaimed, util.FmtBytes(report.BytesReclaimed))
	return nil
}

package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func snapshotsCommand() *cli.Command {
	return &cli.Command{
		Name:   "snapshots",
		Usage:  "list snapshots in the repository",
		Action: snapshotsAction,
	}
}

func snapshotsAction(ctx context.Context, cmd *cli.Command) error {
	repo, err := openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	recs, err := repo.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println(styleDim.Render("no snapshots"))
		return nil
	}
	fmt.Println(styleHeading.Render("snapshots"))
	for _, rec := range recs {
		fmt.Println(rec.Summary())
	}
	return nil
}

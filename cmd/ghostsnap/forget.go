package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func forgetCommand() *cli.Command {
	return &cli.Command{
		Name:      "forget",
		Usage:     "delete a snapshot record, without reclaiming storage",
		ArgsUsage: "<snapshot-id>",
		Action:    forgetAction,
	}
}

func forgetAction(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	if len(args) != 1 {
		return fmt.Errorf("forget requires exactly one snapshot id")
	}

	repo, err := openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	id, err := repo.ResolveSnapshot(ctx, args[0])
	if err != nil {
		return err
	}
	if err := repo.ForgetSnapshot(ctx, id); err != nil {
		return err
	}
	fmt.Println(styleOK.Render("forgot " + id[:8]))
	fmt.Println(styleDim.Render("run prune to reclaim its storage"))
	return nil
}

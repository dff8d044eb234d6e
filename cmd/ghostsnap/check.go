package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ghostsnap/ghostsnap/crypto"
)

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "verify pack integrity and snapshot chunk reachability",
		Action: checkAction,
	}
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	repo, err := openRepository(ctx, cmd)
	if err != nil {
		return err
	}
	report, err := repo.Check(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("checked %d pack(s), %d snapshot(s)\n", report.PacksChecked, report.SnapshotsChecked)
	if len(report.CorruptPacks) == 0 && len(report.MissingChunks) == 0 {
		fmt.Println(styleOK.Render("no damage found"))
		return nil
	}

	for _, id := range report.CorruptPacks {
		fmt.Println(styleError.Render("corrupt pack " + id))
	}
	for _, id := range report.MissingChunks {
		fmt.Println(styleError.Render("missing chunk " + id))
	}
	return crypto.NewCorruptError("repository", fmt.Sprintf("%d corrupt pack(s), %d missing chunk(s)",
		len(report.CorruptPacks), len(report.MissingChunks)))
}

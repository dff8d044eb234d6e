package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/ghostsnap/ghostsnap/repository"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "initialize a new repository",
		Action: initAction,
	}
}

func initAction(ctx context.Context, cmd *cli.Command) error {
	loc, err := repositoryLocation(cmd)
	if err != nil {
		return err
	}
	pw, err := password()
	if err != nil {
		return err
	}
	be, err := openBackend(ctx, cmd, loc)
	if err != nil {
		return err
	}
	repo, err := repository.Init(ctx, be, pw)
	if err != nil {
		return err
	}
	fmt.Println(styleOK.Render("initialized repository") + " " + repo.Config().ID + " at " + loc)
	return nil
}

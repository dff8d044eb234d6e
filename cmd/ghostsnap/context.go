package main

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/urfave/cli/v3"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/repository"
)

// repositoryLocation resolves the --repository flag against the
// GHOSTSNAP_REPOSITORY environment fallback, per the environment
// contract: two well-known configuration inputs, exact names are the
// front end's choice.
func repositoryLocation(cmd *cli.Command) (string, error) {
	if loc := cmd.String("repository"); loc != "" {
		return loc, nil
	}
	if loc := os.Getenv("GHOSTSNAP_REPOSITORY"); loc != "" {
		return loc, nil
	}
	return "", errors.NotValidf("no repository given (pass --repository or set GHOSTSNAP_REPOSITORY)")
}

func password() (string, error) {
	pw := os.Getenv("GHOSTSNAP_PASSWORD")
	if pw == "" {
		return "", errors.NotValidf("no password given (set GHOSTSNAP_PASSWORD)")
	}
	return pw, nil
}

// openBackend opens the backend at loc and, if --upload-limit or
// --download-limit was given, wraps it in a backend.RateLimiter so
// every command that talks to the backend is bandwidth-capped the
// same way, not just backup or restore.
func openBackend(ctx context.Context, cmd *cli.Command, loc string) (backend.Backend, error) {
	be, err := backend.Open(ctx, loc)
	if err != nil {
		return nil, errors.Annotatef(err, "open backend %q", loc)
	}
	upload, download := cmd.Int("upload-limit"), cmd.Int("download-limit")
	if upload > 0 || download > 0 {
		be = backend.WithRateLimit(be, upload, download)
	}
	return be, nil
}

// openRepository resolves the repository location and password, opens
// the backend, and opens the repository against it. Every command but
// init uses this.
func openRepository(ctx context.Context, cmd *cli.Command) (*repository.Repository, error) {
	loc, err := repositoryLocation(cmd)
	if err != nil {
		return nil, err
	}
	pw, err := password()
	if err != nil {
		return nil, err
	}
	be, err := openBackend(ctx, cmd, loc)
	if err != nil {
		return nil, err
	}
	repo, err := repository.Open(ctx, be, pw)
	if err != nil {
		return nil, errors.Annotatef(err, "open repository %q", loc)
	}
	return repo, nil
}

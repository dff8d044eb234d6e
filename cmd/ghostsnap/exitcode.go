package main

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/crypto"
)

// exitCodeFor maps a returned error onto the exit-code table: 0
// success, 2 usage error, 65 data corruption, 74 I/O, 77 permission.
// Anything that doesn't match one of the recognized error kinds falls
// back to 1, a generic failure distinct from a clean run.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.IsNotValid(err), errors.IsBadRequest(err):
		return 2
	case crypto.IsCorrupt(err):
		return 65
	case errors.IsUnauthorized(err), os.IsPermission(errors.Cause(err)):
		return 77
	case isIOError(err):
		return 74
	default:
		return 1
	}
}

func isIOError(err error) bool {
	cause := errors.Cause(err)
	return stderrors.Is(cause, syscall.EIO) || os.IsTimeout(cause)
}

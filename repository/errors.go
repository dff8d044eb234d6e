package repository

import (
	"fmt"

	"github.com/juju/errors"
)

// LockedError reports that another live holder owns the repository
// lock. Carries enough of the holder's lease for a caller to report
// who to contact or how long to wait.
type LockedError struct {
	Host    string
	PID     int
	Expires string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("repository locked by %s (pid %d) until %s", e.Host, e.PID, e.Expires)
}

// NewLockedError constructs a traced LockedError.
func NewLockedError(host string, pid int, expires string) error {
	return errors.Trace(&LockedError{Host: host, PID: pid, Expires: expires})
}

// IsLocked reports whether err (or something it wraps) is a
// LockedError.
func IsLocked(err error) bool {
	_, ok := errors.Cause(err).(*LockedError)
	return ok
}

// AmbiguousError reports that a short snapshot id prefix matched more
// than one snapshot.
type AmbiguousError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("snapshot id %q is ambiguous: matches %v", e.Prefix, e.Matches)
}

// NewAmbiguousError constructs a traced AmbiguousError.
func NewAmbiguousError(prefix string, matches []string) error {
	return errors.Trace(&AmbiguousError{Prefix: prefix, Matches: matches})
}

// IsAmbiguous reports whether err (or something it wraps) is an
// AmbiguousError.
func IsAmbiguous(err error) bool {
	_, ok := errors.Cause(err).(*AmbiguousError)
	return ok
}

// Package backend defines the storage transport abstraction and the
// concrete implementations (local filesystem, S3-compatible, Azure
// Blob, Google Cloud Storage, and an in-memory transport for tests)
// that satisfy it.
//
// Grounded on mmp/bk's storage.Backend interface (storage/storage.go),
// re-shaped from a chunk-oriented Write(data)->Hash API to an
// object/key-oriented API: the repository, not the backend, owns
// content addressing.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Key-space prefixes defining the repository's on-disk/on-bucket
// layout.
const (
	KeyConfig       = "config"
	PrefixKeys      = "keys/"
	PrefixData      = "data/"
	PrefixIndex     = "index/"
	PrefixSnapshots = "snapshots/"
	PrefixLocks     = "locks/"
)

// KeyFileKey, DataKey, IndexKey, SnapshotKey, and LockKey build the
// object key for an entity given its id.
func KeyFileKey(id string) string  { return PrefixKeys + id }
func DataKey(packID string) string { return PrefixData + packID }
func IndexKey(id string) string    { return PrefixIndex + id }
func SnapshotKey(id string) string { return PrefixSnapshots + id }
func LockKey(id string) string     { return PrefixLocks + id }

// IDFromKey strips a known prefix from a listed key, returning the bare
// id. A key without the given prefix is returned unchanged; callers
// only use it on keys they just received from List with that prefix.
func IDFromKey(prefix, key string) string {
	return strings.TrimPrefix(key, prefix)
}

// ObjectInfo describes a stored object as returned by List.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Backend is the capability set every transport must provide. Put
// must be observable-atomic: a partial write must never be visible to
// Get or List. GetRange must be O(length), not O(object-size), since
// it is the hot path for single-chunk restore.
type Backend interface {
	// Kind identifies the transport, for diagnostics and for config's
	// record of which backend a repository was created against.
	Kind() string

	// Put creates or replaces key atomically from the consumer's point
	// of view.
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent creates key only if it does not already exist. It
	// fails with an AlreadyExists error (see IsAlreadyExists) if key is
	// already present.
	PutIfAbsent(ctx context.Context, key string, data []byte) error

	// Get returns the full contents of key. NotFound (see IsNotFound)
	// if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange returns length bytes of key starting at offset.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// List returns every key with the given prefix, along with size and
	// modification time where cheaply available.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes key. It is not an error to delete an absent key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// TransientError marks a Backend error as retryable: network failure,
// throttling, a 5xx response. Anything not wrapped this way is treated
// as permanent and surfaces immediately.
type TransientError struct {
	cause error
}

func (e *TransientError) Error() string { return e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

// Transient wraps err as a retryable backend failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Trace(&TransientError{cause: err})
}

// IsTransient reports whether err (or something it wraps) was marked
// Transient.
func IsTransient(err error) bool {
	_, ok := errors.Cause(err).(*TransientError)
	return ok
}

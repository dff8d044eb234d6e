package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/backend"
)

// DefaultLeaseDuration is how long a held lock remains valid before it
// is eligible to be broken by another holder.
const DefaultLeaseDuration = 10 * time.Minute

// lease is the plaintext JSON payload of one locks/<id> object.
type lease struct {
	Host    string    `json:"host"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

func (l lease) expired(now time.Time) bool {
	return now.After(l.Expires)
}

// Lock is a held repository lease, renewable and releasable by the
// holder that acquired it.
type Lock struct {
	repo *Repository
	id   string
}

// Lock acquires the repository's exclusive lease, used for
// long-running operations that rewrite shared state: index
// compaction and prune. It fails with a LockedError if another
// holder's lease has not yet expired.
//
// Only operations that rewrite shared state take this lock; backups
// and restores proceed without it, correct by construction because
// every write is content-addressed and put_if_absent-guarded.
func (r *Repository) Lock(ctx context.Context) (*Lock, error) {
	now := r.clock.Now()

	existing, err := r.be.List(ctx, backend.PrefixLocks)
	if err != nil {
		return nil, errors.Annotate(err, "list locks")
	}
	for _, obj := range existing {
		data, err := r.be.Get(ctx, obj.Key)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, errors.Annotatef(err, "read lock %s", obj.Key)
		}
		var l lease
		if err := json.Unmarshal(data, &l); err != nil {
			continue // forward compatibility: ignore anything we can't parse
		}
		if !l.expired(now) {
			return nil, NewLockedError(l.Host, l.PID, l.Expires.Format(time.RFC3339))
		}
		// Stale lease: break it before acquiring our own.
		if err := r.be.Delete(ctx, obj.Key); err != nil {
			return nil, errors.Annotatef(err, "break stale lock %s", obj.Key)
		}
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	l := lease{
		Host:    host,
		PID:     os.Getpid(),
		Created: now,
		Expires: now.Add(DefaultLeaseDuration),
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, errors.Annotate(err, "marshal lock")
	}
	u := uuid.New()
	id := hex.EncodeToString(u[:])
	if err := r.be.PutIfAbsent(ctx, backend.LockKey(id), data); err != nil {
		return nil, errors.Annotatef(err, "write lock %s", id)
	}
	return &Lock{repo: r, id: id}, nil
}

// Refresh extends the lock's expiry by another DefaultLeaseDuration,
// for callers holding it across a long operation.
func (lk *Lock) Refresh(ctx context.Context) error {
	now := lk.repo.clock.Now()
	l := lease{
		Host:    "",
		PID:     os.Getpid(),
		Created: now,
		Expires: now.Add(DefaultLeaseDuration),
	}
	data, err := lk.repo.be.Get(ctx, backend.LockKey(lk.id))
	if err == nil {
		var existing lease
		if err := json.Unmarshal(data, &existing); err == nil {
			l.Host = existing.Host
			l.Created = existing.Created
		}
	}
	newData, err := json.Marshal(l)
	if err != nil {
		return errors.Annotate(err, "marshal refreshed lock")
	}
	if err := lk.repo.be.Put(ctx, backend.LockKey(lk.id), newData); err != nil {
		return errors.Annotatef(err, "refresh lock %s", lk.id)
	}
	return nil
}

// Release gives up the lock. It is not an error to release a lock that
// has already expired and been broken by another holder.
func (lk *Lock) Release(ctx context.Context) error {
	if err := lk.repo.be.Delete(ctx, backend.LockKey(lk.id)); err != nil {
		return errors.Annotatef(err, "release lock %s", lk.id)
	}
	return nil
}

package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// Local is a filesystem-backed Backend. Grounded on mmp/bk's
// storage/disk.go: every key maps to a path under root, and Put writes
// to a temp file in the same directory before renaming over the final
// path, so a partial write is never observable, the same temp+rename
// pattern the reference disk backend uses, even though it writes to
// append-only pack/index files rather than one-object-per-key.
type Local struct {
	root   string
	parity *parityConfig
}

// LocalOption configures a Local backend at construction time.
type LocalOption func(*Local)

// WithParity enables Reed-Solomon sidecars for every object sealed
// through this backend, ported from mmp/bk's rdso package (see
// backend/parity.go).
func WithParity(dataShards, parityShards int) LocalOption {
	return func(l *Local) {
		l.parity = &parityConfig{dataShards: dataShards, parityShards: parityShards}
	}
}

// NewLocal returns a Local backend rooted at dir, creating dir if it
// does not exist.
func NewLocal(dir string, opts ...LocalOption) (*Local, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Annotatef(err, "create repository root %q", dir)
	}
	l := &Local{root: dir}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Local) Kind() string { return "local" }

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *Local) put(key string, data []byte, mustNotExist bool) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Annotatef(err, "create directory for %q", key)
	}

	if mustNotExist {
		if _, err := os.Stat(p); err == nil {
			return errors.AlreadyExistsf("key %q", key)
		} else if !os.IsNotExist(err) {
			return errors.Annotatef(err, "stat %q", key)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return errors.Annotatef(err, "create temp file for %q", key)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Annotatef(err, "write %q", key)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Annotatef(err, "sync %q", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Annotatef(err, "close %q", key)
	}

	if mustNotExist {
		if err := os.Link(tmpName, p); err != nil {
			if os.IsExist(err) {
				return errors.AlreadyExistsf("key %q", key)
			}
			return errors.Annotatef(err, "link %q into place", key)
		}
		return l.sealParity(p, data)
	}

	if err := os.Rename(tmpName, p); err != nil {
		return errors.Annotatef(err, "rename %q into place", key)
	}
	return l.sealParity(p, data)
}

func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.put(key, data, false)
}

func (l *Local) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.put(key, data, true)
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("key %q", key)
		}
		return nil, errors.Annotatef(err, "read %q", key)
	}
	return data, nil
}

func (l *Local) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("key %q", key)
		}
		return nil, errors.Annotatef(err, "open %q", key)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Annotatef(err, "seek %q", key)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errors.Annotatef(err, "read range of %q", key)
	}
	return buf, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(l.root, filepath.FromSlash(prefix))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "list prefix %q", prefix)
	}

	var out []ObjectInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		if strings.HasSuffix(e.Name(), ".rs") {
			continue // parity sidecar, not a logical object
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ObjectInfo{Key: prefix + e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "delete %q", key)
	}
	os.Remove(l.path(key) + ".rs")
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Annotatef(err, "stat %q", key)
}

// Package restore reconstructs a directory tree on local disk from a
// snapshot: the DFS walk of the Tree Node model that is the mirror
// image of backup's walk, plus a bounded-concurrency multi-chunk
// reader for streaming a single file's contents back out in order.
package restore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/repository"
	"github.com/ghostsnap/ghostsnap/tree"
)

var logger = loggo.GetLogger("ghostsnap.restore")

// DefaultConcurrency bounds how many files are restored in parallel
// (directories and symlinks do not take a slot), the same shape as
// mmp/bk's restoreDir/restoreFile semaphore.
const DefaultConcurrency = 16

// Options configures one restore run.
type Options struct {
	// Overwrite allows restoring into a target directory that already
	// has entries in it. Without it, Run refuses rather than silently
	// merging into or clobbering an existing tree.
	Overwrite   bool
	Concurrency int
}

// Result summarizes a completed restore.
type Result struct {
	FilesRestored int
	BytesRestored int64
}

type restorer struct {
	ctx  context.Context
	repo *repository.Repository
	sem  chan struct{}
	wg   sync.WaitGroup

	mu           sync.Mutex
	restoredDirs map[string]dirAttrs // path -> attrs, chmod/chown/chtimes applied after Wait
	files        int
	bytes        int64
	firstErr     error
}

// dirAttrs holds a directory node's stored mode/ownership/mtime until
// every descendant has been materialized and it is safe to apply them.
type dirAttrs struct {
	mode     uint32
	uid, gid uint32
	mtime    int64
}

// Run resolves snapshotID to a snapshot (full id or unambiguous
// prefix), and materializes its tree under targetDir.
func Run(ctx context.Context, repo *repository.Repository, snapshotID, targetDir string, opts Options) (Result, error) {
	id, err := repo.ResolveSnapshot(ctx, snapshotID)
	if err != nil {
		return Result{}, errors.Annotate(err, "resolve snapshot")
	}
	rec, err := repo.LoadSnapshot(ctx, id)
	if err != nil {
		return Result{}, errors.Annotate(err, "load snapshot")
	}

	if !opts.Overwrite {
		if nonEmpty, err := dirHasEntries(targetDir); err != nil {
			return Result{}, errors.Annotate(err, "check target directory")
		} else if nonEmpty {
			return Result{}, errors.NotValidf("target directory %s is not empty (pass Overwrite to restore anyway)", targetDir)
		}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	if err := ctx.Err(); err != nil {
		return Result{}, errors.Annotate(err, "restore cancelled")
	}

	root, err := repo.LoadTree(ctx, rec.Tree)
	if err != nil {
		return Result{}, errors.Annotate(err, "load root tree")
	}

	r := &restorer{
		ctx:          ctx,
		repo:         repo,
		sem:          make(chan struct{}, concurrency),
		restoredDirs: make(map[string]dirAttrs),
	}

	if err := os.MkdirAll(targetDir, 0o700); err != nil {
		return Result{}, errors.Annotatef(err, "create target directory %s", targetDir)
	}

	for _, n := range root.Children {
		n := n
		r.wg.Add(1)
		go r.restoreNode(n, filepath.Join(targetDir, n.Name))
	}
	r.wg.Wait()

	// Directory mode/ownership/mtime are applied only after every
	// descendant has been materialized, so a read-only mode never blocks
	// writing into it and its mtime reflects the stored value, not
	// restore-time.
	for path, attrs := range r.restoredDirs {
		if err := os.Chown(path, int(attrs.uid), int(attrs.gid)); err != nil {
			logger.Warningf("chown %s: %v", path, err)
		}
		if err := os.Chmod(path, os.FileMode(attrs.mode)); err != nil {
			logger.Warningf("chmod %s: %v", path, err)
		}
		t := time.Unix(attrs.mtime, 0)
		if err := os.Chtimes(path, t, t); err != nil {
			logger.Warningf("chtimes %s: %v", path, err)
		}
	}

	if r.firstErr != nil {
		return Result{}, r.firstErr
	}
	return Result{FilesRestored: r.files, BytesRestored: r.bytes}, nil
}

func dirHasEntries(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (r *restorer) recordErr(err error) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
}

func (r *restorer) recordFile(size int64) {
	r.mu.Lock()
	r.files++
	r.bytes += size
	r.mu.Unlock()
}

// restoreNode dispatches on the node's kind. It is always called as a
// goroutine owning one r.wg.Done() credit.
func (r *restorer) restoreNode(n tree.Node, path string) {
	defer r.wg.Done()
	if err := r.ctx.Err(); err != nil {
		r.recordErr(err)
		return
	}
	switch n.Kind {
	case tree.KindDirectory:
		r.restoreDir(n, path)
	case tree.KindFile:
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		r.restoreFile(n, path)
	case tree.KindSymlink:
		r.restoreSymlink(n, path)
	default:
		r.recordErr(errors.Errorf("%s: unknown node kind %q", path, n.Kind))
	}
}

func (r *restorer) restoreDir(n tree.Node, path string) {
	if err := os.Mkdir(path, 0o700); err != nil && !os.IsExist(err) {
		r.recordErr(errors.Annotatef(err, "mkdir %s", path))
		return
	}

	r.mu.Lock()
	r.restoredDirs[path] = dirAttrs{mode: n.Mode, uid: n.UID, gid: n.GID, mtime: n.MTime}
	r.mu.Unlock()

	if n.SubtreeID == nil {
		return
	}
	subtree, err := r.repo.LoadTree(r.ctx, *n.SubtreeID)
	if err != nil {
		r.recordErr(errors.Annotatef(err, "load subtree for %s", path))
		return
	}
	for _, child := range subtree.Children {
		child := child
		r.wg.Add(1)
		go r.restoreNode(child, filepath.Join(path, child.Name))
	}
}

func (r *restorer) restoreFile(n tree.Node, path string) {
	logger.Debugf("%s: restoring file", path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		r.recordErr(errors.Annotatef(err, "create %s", path))
		return
	}

	rc := newChunkReader(r.ctx, r.repo, n.Chunks)
	written, err := io.Copy(f, rc)
	closeErr := f.Close()
	if err != nil {
		r.recordErr(errors.Annotatef(err, "write %s", path))
		return
	}
	if closeErr != nil {
		r.recordErr(errors.Annotatef(closeErr, "close %s", path))
		return
	}

	if err := os.Chown(path, int(n.UID), int(n.GID)); err != nil {
		logger.Warningf("chown %s: %v", path, err)
	}
	if err := os.Chmod(path, os.FileMode(n.Mode)); err != nil {
		logger.Warningf("chmod %s: %v", path, err)
	}
	t := time.Unix(n.MTime, 0)
	if err := os.Chtimes(path, t, t); err != nil {
		logger.Warningf("chtimes %s: %v", path, err)
	}
	r.recordFile(written)
}

func (r *restorer) restoreSymlink(n tree.Node, path string) {
	logger.Debugf("%s: restoring symlink", path)
	if err := os.Symlink(string(n.LinkTarget), path); err != nil {
		r.recordErr(errors.Annotatef(err, "symlink %s", path))
		return
	}
	if err := os.Lchown(path, int(n.UID), int(n.GID)); err != nil {
		logger.Warningf("lchown %s: %v", path, err)
	}
}

// chunkReader streams a file's chunks back in order, prefetching up to
// chunkReadahead chunks concurrently so that repository round-trips
// overlap instead of serializing, the same tradeoff as storage.go's
// parallelReader/preader in the teacher.
const chunkReadahead = 8

type chunkReader struct {
	ctx     context.Context
	repo    *repository.Repository
	ids     []crypto.ChunkID
	next    int
	cur     []byte
	pending map[int][]byte
	results chan chunkResult
}

type chunkResult struct {
	index int
	data  []byte
	err   error
}

func newChunkReader(ctx context.Context, repo *repository.Repository, ids []crypto.ChunkID) io.Reader {
	if len(ids) == 0 {
		return &emptyReader{}
	}
	readers := chunkReadahead
	if len(ids) < readers {
		readers = len(ids)
	}

	in := make(chan int, len(ids))
	for i := range ids {
		in <- i
	}
	close(in)

	cr := &chunkReader{ctx: ctx, repo: repo, ids: ids, pending: make(map[int][]byte), results: make(chan chunkResult, readers)}
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range in {
				if err := ctx.Err(); err != nil {
					cr.results <- chunkResult{index: idx, err: err}
					continue
				}
				data, err := repo.LoadChunk(ctx, ids[idx])
				cr.results <- chunkResult{index: idx, data: data, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(cr.results)
	}()
	return cr
}

// Read reassembles chunks in order from the unordered results channel,
// buffering out-of-order arrivals until their turn comes.
func (cr *chunkReader) Read(buf []byte) (int, error) {
	for len(cr.cur) == 0 {
		if cr.next >= len(cr.ids) {
			return 0, io.EOF
		}
		if data, ok := cr.pending[cr.next]; ok {
			cr.cur = data
			delete(cr.pending, cr.next)
			continue
		}
		res, ok := <-cr.results
		if !ok {
			return 0, io.EOF
		}
		if res.err != nil {
			return 0, res.err
		}
		if res.index == cr.next {
			cr.cur = res.data
		} else {
			cr.pending[res.index] = res.data
		}
	}
	n := copy(buf, cr.cur)
	cr.cur = cr.cur[n:]
	if len(cr.cur) == 0 {
		cr.next++
	}
	return n, nil
}

type emptyReader struct{}

func (*emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// Package backup walks a source tree, dedup-stores its contents in a
// repository, and emits a snapshot: the reader/chunker/dedup/uploader
// pipeline of a single backup run.
//
// Concurrency is a bounded worker pool over files, the same shape as
// mmp/bk's parallelContext (a buffered channel used as a semaphore
// plus a sync.WaitGroup), rather than a third-party scheduler: the
// dedup-decision-and-pack-write and upload stages fold into
// repository.Repository.StoreChunk's own mutex-serialized writer, so
// only the reader/chunker stage needs its own bound here.
package backup

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ghostsnap/ghostsnap/chunker"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/repository"
	"github.com/ghostsnap/ghostsnap/snapshot"
	"github.com/ghostsnap/ghostsnap/tree"
)

var logger = loggo.GetLogger("ghostsnap.backup")

// errExcluded marks an entry skipped by an exclude pattern. It is
// deliberate, not a failure: callers must not log it or count it
// toward WarningCount the way a genuine per-entry error is.
var errExcluded = errors.New("excluded")

// DefaultConcurrency is the number of files processed in parallel when
// a caller does not override it.
const DefaultConcurrency = 8

// mediaExtensions lists extensions unlikely to see chunk reuse across
// backups (already-compressed media): files with one of these
// extensions are split with a coarser target size, trading dedup
// granularity for fewer hashes to store and check.
var mediaExtensions = map[string]bool{
	".arw": true, ".avi": true, ".flv": true, ".gif": true, ".gz": true,
	".jpeg": true, ".jpg": true, ".mkv": true, ".mov": true, ".mp4": true,
	".mpeg": true, ".mpg": true, ".nef": true, ".png": true, ".raw": true,
	".wmv": true, ".zip": true,
}

// coarseAvgChunkSizeMultiplier scales the ordinary average chunk size
// for files matching mediaExtensions (four times the average), since
// their content rarely resembles an earlier version closely enough
// for fine-grained dedup to pay for the extra hashing.
const coarseAvgChunkSizeMultiplier = 4

// Options configures one backup run.
type Options struct {
	Paths       []string
	Tags        []string
	Excludes    []string
	Parent      string
	Hostname    string
	Concurrency int
}

// Result summarizes a completed backup.
type Result struct {
	Snapshot      snapshot.Record
	FilesBackedUp int
	BytesBackedUp int64
	WarningCount  int
}

// walker carries the state shared across one backup run's goroutines.
type walker struct {
	ctx      context.Context
	repo     *repository.Repository
	excludes []string
	sem      chan struct{}

	mu       sync.Mutex
	files    int
	bytes    int64
	warnings int
}

// Run walks opts.Paths, stores their contents in repo, and writes a
// snapshot referencing the result. Per-entry errors (permission
// denied, unreadable file) are recorded as warnings and do not abort
// the run unless every top-level path fails.
func Run(ctx context.Context, repo *repository.Repository, opts Options) (Result, error) {
	if len(opts.Paths) == 0 {
		return Result{}, errors.NotValidf("backup: no paths given")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	w := &walker{
		ctx:      ctx,
		repo:     repo,
		excludes: opts.Excludes,
		sem:      make(chan struct{}, concurrency),
	}

	root := &tree.Object{}
	succeeded := 0
	for _, path := range opts.Paths {
		if err := ctx.Err(); err != nil {
			return Result{}, errors.Annotate(err, "backup cancelled")
		}
		node, err := w.walkPath(path)
		if err != nil {
			if isCancelled(err) {
				return Result{}, errors.Annotate(err, "backup cancelled")
			}
			if err != errExcluded {
				logger.Warningf("%s: %v", path, err)
				w.recordWarning()
			}
			continue
		}
		succeeded++
		root.Children = append(root.Children, node)
	}
	if succeeded == 0 {
		return Result{}, errors.Errorf("backup: all %d top-level paths failed", len(opts.Paths))
	}

	rootID, err := repo.StoreTree(ctx, root)
	if err != nil {
		return Result{}, errors.Annotate(err, "store root tree")
	}
	if err := repo.Flush(ctx); err != nil {
		return Result{}, errors.Annotate(err, "flush repository")
	}

	host := opts.Hostname
	if host == "" {
		host, err = os.Hostname()
		if err != nil {
			host = "unknown"
		}
	}
	user := currentUser()

	rec := snapshot.New(host, user, opts.Paths, rootID).
		WithParent(opts.Parent).
		WithTags(opts.Tags).
		WithExcludes(opts.Excludes).
		WithWarningCount(w.warnings)

	if err := repo.StoreSnapshot(ctx, rec); err != nil {
		return Result{}, errors.Annotate(err, "store snapshot")
	}

	return Result{Snapshot: rec, FilesBackedUp: w.files, BytesBackedUp: w.bytes, WarningCount: w.warnings}, nil
}

// isCancelled reports whether err is (or wraps) context cancellation
// or a deadline, the same errors.Cause-then-stdlib-errors.Is pattern
// exitcode.go uses to match a sentinel through a juju/errors chain.
func isCancelled(err error) bool {
	cause := errors.Cause(err)
	return stderrors.Is(cause, context.Canceled) || stderrors.Is(cause, context.DeadlineExceeded)
}

func (w *walker) recordWarning() {
	w.mu.Lock()
	w.warnings++
	w.mu.Unlock()
}

func (w *walker) recordFile(size int64) {
	w.mu.Lock()
	w.files++
	w.bytes += size
	w.mu.Unlock()
}

// walkPath stats a single top-level backup path and dispatches to the
// matching node builder, using its base name as the node's name in the
// synthetic root tree.
func (w *walker) walkPath(path string) (tree.Node, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return tree.Node{}, errors.Annotatef(err, "stat %s", path)
	}
	return w.walkEntry(path, filepath.Base(path), info)
}

func (w *walker) walkEntry(path, name string, info os.FileInfo) (tree.Node, error) {
	if err := w.ctx.Err(); err != nil {
		return tree.Node{}, err
	}
	if w.isExcluded(path, name) {
		return tree.Node{}, errExcluded
	}
	mode := uint32(info.Mode().Perm())
	uid, gid := ownership(info)
	mtime := info.ModTime().Unix()

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return w.processSymlink(path, name, mode, uid, gid, mtime)
	case info.IsDir():
		return w.processDir(path, name, mode, uid, gid, mtime)
	case info.Mode().IsRegular():
		return w.processFile(path, name, mode, uid, gid, mtime, info.Size())
	default:
		return tree.Node{}, errors.Errorf("%s: unsupported file type", path)
	}
}

func (w *walker) processSymlink(path, name string, mode, uid, gid uint32, mtime int64) (tree.Node, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return tree.Node{}, errors.Annotatef(err, "readlink %s", path)
	}
	return tree.NewSymlink(name, mode, uid, gid, mtime, []byte(target)), nil
}

// processDir reads a directory's children serially (directory listing
// is cheap and sequential) but processes each child concurrently
// through the bounded worker pool, then serializes the results as a
// Tree Object stored as this directory's subtree chunk.
func (w *walker) processDir(path, name string, mode, uid, gid uint32, mtime int64) (tree.Node, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return tree.Node{}, errors.Annotatef(err, "readdir %s", path)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	results := make([]tree.Node, len(entries))
	oks := make([]bool, len(entries))
	var childWG sync.WaitGroup
	for i, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.Warningf("%s: %v", childPath, err)
			w.recordWarning()
			continue
		}
		i, childPath, entryName, info := i, childPath, entry.Name(), info
		childWG.Add(1)
		w.sem <- struct{}{}
		go func() {
			defer childWG.Done()
			defer func() { <-w.sem }()
			node, err := w.walkEntry(childPath, entryName, info)
			if err != nil {
				if err != errExcluded && !isCancelled(err) {
					logger.Warningf("%s: %v", childPath, err)
					w.recordWarning()
				}
				return
			}
			results[i] = node
			oks[i] = true
		}()
	}
	childWG.Wait()

	if err := w.ctx.Err(); err != nil {
		return tree.Node{}, err
	}

	subtree := &tree.Object{}
	for i, ok := range oks {
		if ok {
			subtree.Children = append(subtree.Children, results[i])
		}
	}
	subtreeID, err := w.repo.StoreTree(w.ctx, subtree)
	if err != nil {
		return tree.Node{}, errors.Annotatef(err, "store subtree for %s", path)
	}
	return tree.NewDirectory(name, mode, uid, gid, mtime, subtreeID), nil
}

func (w *walker) processFile(path, name string, mode, uid, gid uint32, mtime, size int64) (tree.Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return tree.Node{}, errors.Annotatef(err, "open %s", path)
	}
	defer f.Close()

	cfg := chunker.DefaultConfig(w.repo.Config().ChunkerPolynomial, chunker.DefaultAvg)
	if mediaExtensions[strings.ToLower(filepath.Ext(name))] {
		cfg = chunker.DefaultConfig(w.repo.Config().ChunkerPolynomial, chunker.DefaultAvg*coarseAvgChunkSizeMultiplier)
	}
	c, err := chunker.New(f, cfg)
	if err != nil {
		return tree.Node{}, errors.Annotate(err, "construct chunker")
	}

	var chunkIDs []crypto.ChunkID
	var total int64
	for {
		if err := w.ctx.Err(); err != nil {
			return tree.Node{}, err
		}
		buf, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return tree.Node{}, errors.Annotatef(err, "chunk %s", path)
		}
		id, err := w.repo.StoreChunk(w.ctx, buf)
		if err != nil {
			return tree.Node{}, errors.Annotatef(err, "store chunk from %s", path)
		}
		chunkIDs = append(chunkIDs, id)
		total += int64(len(buf))
	}

	w.recordFile(size)
	return tree.NewFile(name, mode, uid, gid, mtime, total, chunkIDs), nil
}

func (w *walker) isExcluded(path, name string) bool {
	for _, pattern := range w.excludes {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

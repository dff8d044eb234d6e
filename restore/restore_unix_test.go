//go:build !windows

package restore

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/ghostsnap/ghostsnap/backup"
)

func TestRunAppliesModeOwnershipAndMTime(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()

	filePath := filepath.Join(src, "a.txt")
	writeFile(t, filePath, "contents")
	if err := os.Chmod(filePath, 0o640); err != nil {
		t.Fatalf("Chmod source: %v", err)
	}
	mtime := time.Unix(1700000000, 0)
	if err := os.Chtimes(filePath, mtime, mtime); err != nil {
		t.Fatalf("Chtimes source: %v", err)
	}

	sub := filepath.Join(src, "sub")
	if err := os.Mkdir(sub, 0o750); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.Chtimes(sub, mtime, mtime); err != nil {
		t.Fatalf("Chtimes sub: %v", err)
	}

	res, err := backup.Run(ctx, repo, backup.Options{Paths: []string{src}})
	if err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	if err := os.Remove(dest); err != nil {
		t.Fatalf("remove placeholder dest: %v", err)
	}
	if _, err := Run(ctx, repo, res.Snapshot.ID, dest, Options{}); err != nil {
		t.Fatalf("restore.Run: %v", err)
	}

	base := filepath.Join(dest, filepath.Base(src))
	restoredFile := filepath.Join(base, "a.txt")
	restoredSub := filepath.Join(base, "sub")

	fi, err := os.Stat(restoredFile)
	if err != nil {
		t.Fatalf("Stat restored file: %v", err)
	}
	if fi.Mode().Perm() != 0o640 {
		t.Fatalf("restored file mode = %v, want 0640", fi.Mode().Perm())
	}
	if !fi.ModTime().Equal(mtime) {
		t.Fatalf("restored file mtime = %v, want %v", fi.ModTime(), mtime)
	}

	di, err := os.Stat(restoredSub)
	if err != nil {
		t.Fatalf("Stat restored dir: %v", err)
	}
	if !di.ModTime().Equal(mtime) {
		t.Fatalf("restored dir mtime = %v, want %v", di.ModTime(), mtime)
	}

	wantUID, wantGID := os.Geteuid(), os.Getegid()
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatalf("restored file has no syscall.Stat_t")
	}
	if int(st.Uid) != wantUID || int(st.Gid) != wantGID {
		t.Fatalf("restored file owner = %d:%d, want %d:%d", st.Uid, st.Gid, wantUID, wantGID)
	}
}

package restore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/backup"
	"github.com/ghostsnap/ghostsnap/repository"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	be := backend.NewMemory()
	repo, err := repository.Init(context.Background(), be, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return repo
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestRunRestoresFileContents(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello from restore test")

	res, err := backup.Run(ctx, repo, backup.Options{Paths: []string{src}})
	if err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	if err := os.Remove(dest); err != nil {
		t.Fatalf("remove placeholder dest: %v", err)
	}

	rr, err := Run(ctx, repo, res.Snapshot.ID, dest, Options{})
	if err != nil {
		t.Fatalf("restore.Run: %v", err)
	}
	if rr.FilesRestored != 1 {
		t.Fatalf("FilesRestored = %d, want 1", rr.FilesRestored)
	}

	got, err := os.ReadFile(filepath.Join(dest, filepath.Base(src), "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile restored: %v", err)
	}
	if string(got) != "hello from restore test" {
		t.Fatalf("restored contents = %q, want %q", got, "hello from restore test")
	}
}

func TestRunRestoresNestedDirectories(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()
	sub := filepath.Join(src, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	writeFile(t, filepath.Join(src, "top.txt"), "top")
	writeFile(t, filepath.Join(sub, "nested.txt"), "nested")

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
	if got, err := os.ReadFile(filepath.Join(base, "top.txt")); err != nil || string(got) != "top" {
		t.Fatalf("top.txt restore mismatch: %q, %v", got, err)
	}
	if got, err := os.ReadFile(filepath.Join(base, "sub", "nested.txt")); err != nil || string(got) != "nested" {
		t.Fatalf("nested.txt restore mismatch: %q, %v", got, err)
	}
}

func TestRunRestoresLargeFileAcrossMultipleChunks(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()

	var buf bytes.Buffer
	for i := 0; i < 200000; i++ {
		buf.WriteByte(byte(i % 251))
	}
	writeFile(t, filepath.Join(src, "big.bin"), buf.String())

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

	got, err := os.ReadFile(filepath.Join(dest, filepath.Base(src), "big.bin"))
	if err != nil {
		t.Fatalf("ReadFile restored: %v", err)
	}
	if !bytes.Equal(got, buf.Bytes()) {
		t.Fatalf("restored large file mismatch: got %d bytes, want %d", len(got), buf.Len())
	}
}

func TestRunRefusesNonEmptyTargetWithoutOverwrite(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "contents")

	res, err := backup.Run(ctx, repo, backup.Options{Paths: []string{src}})
	if err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	writeFile(t, filepath.Join(dest, "preexisting.txt"), "already here")

	if _, err := Run(ctx, repo, res.Snapshot.ID, dest, Options{}); err == nil {
		t.Fatalf("restore.Run into non-empty target: expected error")
	}
	if _, err := Run(ctx, repo, res.Snapshot.ID, dest, Options{Overwrite: true}); err != nil {
		t.Fatalf("restore.Run with Overwrite: %v", err)
	}
}

func TestRunAcceptsSnapshotShortID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "contents")

	res, err := backup.Run(ctx, repo, backup.Options{Paths: []string{src}})
	if err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	if err := os.Remove(dest); err != nil {
		t.Fatalf("remove placeholder dest: %v", err)
	}
	if _, err := Run(ctx, repo, res.Snapshot.ShortID(), dest, Options{}); err != nil {
		t.Fatalf("restore.Run with short id: %v", err)
	}
}

func TestRunAbortsOnCancelledContext(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "contents")

	res, err := backup.Run(ctx, repo, backup.Options{Paths: []string{src}})
	if err != nil {
		t.Fatalf("backup.Run: %v", err)
	}

	dest := t.TempDir()
	if err := os.Remove(dest); err != nil {
		t.Fatalf("remove placeholder dest: %v", err)
	}

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(cancelledCtx, repo, res.Snapshot.ID, dest, Options{}); err == nil {
		t.Fatalf("restore.Run with cancelled context: expected an error")
	}
}

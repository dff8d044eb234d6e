package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/snapshot"
	"github.com/ghostsnap/ghostsnap/tree"
)

func newTestRepo(t *testing.T) (*Repository, backend.Backend) {
	t.Helper()
	be := backend.NewMemory()
	repo, err := Init(context.Background(), be, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return repo, be
}

func TestInitRejectsExistingConfig(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	if _, err := Init(ctx, be, "pw"); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if _, err := Init(ctx, be, "pw"); err == nil {
		t.Fatalf("expected second Init on same backend to fail")
	}
}

func TestOpenWithWrongPasswordIsUnauthorized(t *testing.T) {
	ctx := context.Background()
	_, be := newTestRepo(t)
	if _, err := Open(ctx, be, "wrong password"); !errors.IsUnauthorized(err) {
		t.Fatalf("Open with wrong password: got %v, want Unauthorized", err)
	}
}

func TestOpenWithCorrectPasswordRoundTrips(t *testing.T) {
	ctx := context.Background()
	_, be := newTestRepo(t)
	if _, err := Open(ctx, be, "correct horse battery staple"); err != nil {
		t.Fatalf("Open: %v", err)
	}
}

func TestStoreChunkDedupsIdenticalPlaintext(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	data := []byte("the quick brown fox")

	id1, err := repo.StoreChunk(ctx, data)
	if err != nil {
		t.Fatalf("StoreChunk 1: %v", err)
	}
	id2, err := repo.StoreChunk(ctx, data)
	if err != nil {
		t.Fatalf("StoreChunk 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ for identical plaintext: %s != %s", id1, id2)
	}
	if !repo.HasChunk(id1) {
		t.Fatalf("HasChunk false after StoreChunk")
	}
}

func TestStoreChunkFlushLoadChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	data := []byte("payload bytes for round trip")

	id, err := repo.StoreChunk(ctx, data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err := repo.LoadChunk(ctx, id)
	if err != nil {
		t.Fatalf("LoadChunk: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("LoadChunk = %q, want %q", got, data)
	}
}

func TestStoreTreeLoadTreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	obj := &tree.Object{Children: []tree.Node{
		tree.NewFile("a.txt", 0o644, 0, 0, 0, 3, []crypto.ChunkID{crypto.HashBytes([]byte("abc"))}),
	}}
	id, err := repo.StoreTree(ctx, obj)
	if err != nil {
		t.Fatalf("StoreTree: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err := repo.LoadTree(ctx, id)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	if len(got.Children) != 1 || got.Children[0].Name != "a.txt" {
		t.Fatalf("LoadTree round trip mismatch: %+v", got)
	}
}

func TestResolveSnapshotByPrefix(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	rec := makeSnapshot(t, ctx, repo)

	got, err := repo.ResolveSnapshot(ctx, rec.ShortID())
	if err != nil {
		t.Fatalf("ResolveSnapshot: %v", err)
	}
	if got != rec.ID {
		t.Fatalf("ResolveSnapshot = %s, want %s", got, rec.ID)
	}
}

func TestResolveSnapshotUnknownPrefixIsNotFound(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	makeSnapshot(t, ctx, repo)
	if _, err := repo.ResolveSnapshot(ctx, "ffffffff"); !errors.IsNotFound(err) {
		t.Fatalf("ResolveSnapshot unknown prefix: got %v, want NotFound", err)
	}
}

func TestLockPreventsSecondHolderWithinLease(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	lk, err := repo.Lock(ctx)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}
	defer lk.Release(ctx)

	if _, err := repo.Lock(ctx); !IsLocked(err) {
		t.Fatalf("second Lock within lease: got %v, want Locked", err)
	}
}

func TestLockCanBeReacquiredAfterRelease(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	lk, err := repo.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := lk.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := repo.Lock(ctx); err != nil {
		t.Fatalf("Lock after Release: %v", err)
	}
}

func TestCheckReportsCleanRepository(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)
	makeSnapshot(t, ctx, repo)

	report, err := repo.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.MissingChunks) != 0 || len(report.CorruptPacks) != 0 {
		t.Fatalf("Check found problems in a clean repository: %+v", report)
	}
	if report.SnapshotsChecked != 1 {
		t.Fatalf("SnapshotsChecked = %d, want 1", report.SnapshotsChecked)
	}
}

func TestCheckDetectsMissingChunk(t *testing.T) {
	ctx := context.Background()
	repo, be := newTestRepo(t)
	rec := makeSnapshot(t, ctx, repo)

	// Delete every pack out from under the repository: the tree chunk
	// the snapshot references can no longer be loaded.
	objs, err := be.List(ctx, backend.PrefixData)
	if err != nil {
		t.Fatalf("List data: %v", err)
	}
	for _, obj := range objs {
		if err := be.Delete(ctx, obj.Key); err != nil {
			t.Fatalf("Delete %s: %v", obj.Key, err)
		}
	}

	report, err := repo.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.MissingChunks) == 0 {
		t.Fatalf("Check did not detect the missing tree chunk for snapshot %s", rec.ID)
	}
}

func TestCheckRepairsCorruptPackFromParity(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	be, err := backend.NewLocal(dir, backend.WithParity(4, 2))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	repo, err := Init(ctx, be, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	id, err := repo.StoreChunk(ctx, []byte("some pack contents worth sealing"))
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	loc, ok := repo.idx.Lookup(id)
	if !ok {
		t.Fatalf("chunk not indexed after Flush")
	}

	path := filepath.Join(dir, "data", loc.PackID)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[0] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	report, err := repo.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.CorruptPacks) != 0 {
		t.Fatalf("CorruptPacks = %v, want none: parity repair should have fixed it", report.CorruptPacks)
	}
	if report.PacksChecked != 1 {
		t.Fatalf("PacksChecked = %d, want 1", report.PacksChecked)
	}

	got, err := repo.LoadChunk(ctx, id)
	if err != nil {
		t.Fatalf("LoadChunk after repair: %v", err)
	}
	if string(got) != "some pack contents worth sealing" {
		t.Fatalf("LoadChunk after repair = %q, want original contents", got)
	}
}

// makeSnapshot stores an empty tree and a snapshot record referencing
// it, flushing so the snapshot only references durably persisted data.
func makeSnapshot(t *testing.T, ctx context.Context, repo *Repository) snapshot.Record {
	t.Helper()
	treeID, err := repo.StoreTree(ctx, &tree.Object{})
	if err != nil {
		t.Fatalf("StoreTree: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rec := snapshot.New("host1", "alice", []string{"/data"}, treeID)
	if err := repo.StoreSnapshot(ctx, rec); err != nil {
		t.Fatalf("StoreSnapshot: %v", err)
	}
	return rec
}

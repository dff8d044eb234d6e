package repository

import (
	"context"
	"testing"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/snapshot"
	"github.com/ghostsnap/ghostsnap/tree"
)

func TestPruneReclaimsChunksAfterForget(t *testing.T) {
	ctx := context.Background()
	repo, be := newTestRepo(t)

	data := []byte("this chunk becomes unreachable once its snapshot is forgotten")
	chunkID, err := repo.StoreChunk(ctx, data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	obj := &tree.Object{Children: []tree.Node{
		tree.NewFile("f.txt", 0o644, 0, 0, 0, int64(len(data)), []crypto.ChunkID{chunkID}),
	}}
	treeID, err := repo.StoreTree(ctx, obj)
	if err != nil {
		t.Fatalf("StoreTree: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	rec := makeSnapshotWithTree(t, ctx, repo, treeID)

	if err := repo.ForgetSnapshot(ctx, rec.ID); err != nil {
		t.Fatalf("ForgetSnapshot: %v", err)
	}

	report, err := repo.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if report.ChunksReclaimed == 0 {
		t.Fatalf("Prune reclaimed no chunks: %+v", report)
	}
	if repo.HasChunk(chunkID) {
		t.Fatalf("chunk still present in index after Prune")
	}

	objs, err := be.List(ctx, backend.PrefixData)
	if err != nil {
		t.Fatalf("List data: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("expected no pack objects left, got %d", len(objs))
	}
}

func TestPruneKeepsChunksStillReferenced(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	data := []byte("this chunk stays live")
	chunkID, err := repo.StoreChunk(ctx, data)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	obj := &tree.Object{Children: []tree.Node{
		tree.NewFile("f.txt", 0o644, 0, 0, 0, int64(len(data)), []crypto.ChunkID{chunkID}),
	}}
	treeID, err := repo.StoreTree(ctx, obj)
	if err != nil {
		t.Fatalf("StoreTree: %v", err)
	}
	if err := repo.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	makeSnapshotWithTree(t, ctx, repo, treeID)

	if _, err := repo.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !repo.HasChunk(chunkID) {
		t.Fatalf("Prune removed a still-referenced chunk")
	}
	got, err := repo.LoadChunk(ctx, chunkID)
	if err != nil {
		t.Fatalf("LoadChunk after Prune: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("chunk contents changed after Prune")
	}
}

func makeSnapshotWithTree(t *testing.T, ctx context.Context, repo *Repository, treeID crypto.ChunkID) snapshot.Record {
	t.Helper()
	rec := snapshot.New("host1", "alice", []string{"/data"}, treeID)
	if err := repo.StoreSnapshot(ctx, rec); err != nil {
		t.Fatalf("StoreSnapshot: %v", err)
	}
	return rec
}

package index

import (
	"context"
	"testing"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/pack"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateDEK()
	if err != nil {
		t.Fatalf("GenerateDEK: %v", err)
	}
	return key
}

func TestAddLookupFlushReopen(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	key := testKey(t)

	idx, err := Open(ctx, be, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	id := crypto.HashBytes([]byte("chunk one"))
	loc := Location{PackID: "pack-1", Offset: 0, CTLen: 40, PTLen: 9}
	idx.Add(id, loc)
	idx.AddPackSummary("pack-1", pack.Summary{ChunkCount: 1, PlaintextBytes: 9, CiphertextBytes: 40})

	if got, ok := idx.Lookup(id); !ok || got != loc {
		t.Fatalf("Lookup before flush: got (%+v, %v), want (%+v, true)", got, ok, loc)
	}

	indexID, err := idx.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if indexID == "" {
		t.Fatalf("Flush returned empty id with pending entries")
	}
	if idx.PendingCount() != 0 {
		t.Fatalf("PendingCount after flush = %d, want 0", idx.PendingCount())
	}

	reopened, err := Open(ctx, be, key)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if got, ok := reopened.Lookup(id); !ok || got != loc {
		t.Fatalf("Lookup after reopen: got (%+v, %v), want (%+v, true)", got, ok, loc)
	}
	if _, ok := reopened.PackSummary("pack-1"); !ok {
		t.Fatalf("PackSummary missing after reopen")
	}
}

func TestFlushWithNothingPendingIsNoop(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	idx, err := Open(ctx, be, testKey(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := idx.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if id != "" {
		t.Fatalf("Flush with nothing pending returned id %q", id)
	}
	listed, err := be.List(ctx, backend.PrefixIndex)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("List after no-op flush = %d objects, want 0", len(listed))
	}
}

func TestCompactMergesAndDeletesOldObjects(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	key := testKey(t)
	idx, err := Open(ctx, be, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idA := crypto.HashBytes([]byte("a"))
	idx.Add(idA, Location{PackID: "pack-a"})
	if _, err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush 1: %v", err)
	}

	idB := crypto.HashBytes([]byte("b"))
	idx.Add(idB, Location{PackID: "pack-b"})
	if _, err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush 2: %v", err)
	}

	before, err := be.List(ctx, backend.PrefixIndex)
	if err != nil {
		t.Fatalf("List before compact: %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("List before compact = %d objects, want 2", len(before))
	}

	if err := idx.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	after, err := be.List(ctx, backend.PrefixIndex)
	if err != nil {
		t.Fatalf("List after compact: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("List after compact = %d objects, want 1", len(after))
	}

	reopened, err := Open(ctx, be, key)
	if err != nil {
		t.Fatalf("re-Open after compact: %v", err)
	}
	if _, ok := reopened.Lookup(idA); !ok {
		t.Fatalf("chunk a missing after compact")
	}
	if _, ok := reopened.Lookup(idB); !ok {
		t.Fatalf("chunk b missing after compact")
	}
}

func TestShouldFlushCrossesThreshold(t *testing.T) {
	ctx := context.Background()
	be := backend.NewMemory()
	idx, err := Open(ctx, be, testKey(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx.flushThreshold = 2
	if idx.ShouldFlush() {
		t.Fatalf("empty index reported ShouldFlush")
	}
	idx.Add(crypto.HashBytes([]byte("a")), Location{PackID: "p"})
	idx.Add(crypto.HashBytes([]byte("b")), Location{PackID: "p"})
	if !idx.ShouldFlush() {
		t.Fatalf("index at threshold did not report ShouldFlush")
	}
}

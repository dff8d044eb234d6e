package backend

import (
	"context"
	"os"
	"testing"
)

func TestLocalWithParityDetectsAndRepairsCorruption(t *testing.T) {
	l, err := NewLocal(t.TempDir(), WithParity(4, 2))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := l.Put(ctx, "data/pack1", payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	repaired, err := l.CheckParity("data/pack1")
	if err != nil {
		t.Fatalf("CheckParity on intact object: %v", err)
	}
	if repaired {
		t.Fatalf("CheckParity reported a repair on an intact object")
	}

	path := l.path("data/pack1")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[10] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	repaired, err = l.CheckParity("data/pack1")
	if err != nil {
		t.Fatalf("CheckParity on corrupted object: %v", err)
	}
	if !repaired {
		t.Fatalf("CheckParity did not report a repair for corrupted object")
	}

	got, err := l.Get(ctx, "data/pack1")
	if err != nil {
		t.Fatalf("Get after repair: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("repaired object length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("repaired object differs at byte %d: got %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestCheckParityNoSidecarIsNotAnError(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	if err := l.Put(ctx, "data/pack1", []byte("no parity configured")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	repaired, err := l.CheckParity("data/pack1")
	if err != nil {
		t.Fatalf("CheckParity: %v", err)
	}
	if repaired {
		t.Fatalf("CheckParity reported a repair with no parity configured")
	}
}

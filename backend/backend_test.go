package backend

import (
	"context"
	"testing"

	"github.com/juju/errors"
)

// suite is run against every Backend implementation under test so all
// of them are held to the same contract, matching how mmp/bk's
// storage_test.go exercises each storage.Backend implementation with
// shared test logic.
func suite(t *testing.T, be Backend) {
	t.Helper()
	ctx := context.Background()

	if err := be.Put(ctx, "data/p1", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := be.Get(ctx, "data/p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Get: got %q, want %q", got, "hello")
	}

	if err := be.Put(ctx, "data/p1", []byte("world")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = be.Get(ctx, "data/p1")
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("Get after overwrite: got %q, want %q", got, "world")
	}

	if err := be.PutIfAbsent(ctx, "data/p2", []byte("first")); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if err := be.PutIfAbsent(ctx, "data/p2", []byte("second")); !errors.IsAlreadyExists(err) {
		t.Fatalf("PutIfAbsent over existing key: got %v, want AlreadyExists", err)
	}

	rng, err := be.GetRange(ctx, "data/p1", 1, 3)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if string(rng) != "orl" {
		t.Fatalf("GetRange: got %q, want %q", rng, "orl")
	}

	exists, err := be.Exists(ctx, "data/p1")
	if err != nil || !exists {
		t.Fatalf("Exists(present): got (%v, %v)", exists, err)
	}
	exists, err = be.Exists(ctx, "data/missing")
	if err != nil || exists {
		t.Fatalf("Exists(absent): got (%v, %v)", exists, err)
	}

	if _, err := be.Get(ctx, "data/missing"); !errors.IsNotFound(err) {
		t.Fatalf("Get(missing): got %v, want NotFound", err)
	}

	listed, err := be.List(ctx, "data/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("List: got %d entries, want 2: %+v", len(listed), listed)
	}

	if err := be.Delete(ctx, "data/p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := be.Get(ctx, "data/p1"); !errors.IsNotFound(err) {
		t.Fatalf("Get after Delete: got %v, want NotFound", err)
	}
}

func TestMemoryBackendSuite(t *testing.T) {
	suite(t, NewMemory())
}

func TestLocalBackendSuite(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	suite(t, l)
}

func TestMemoryBackendCorrupt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Put(ctx, "index/i1", []byte("intact-payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	m.Corrupt("index/i1", 3)
	got, err := m.Get(ctx, "index/i1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) == "intact-payload" {
		t.Fatalf("Corrupt did not modify stored bytes")
	}
}

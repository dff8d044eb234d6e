// Package index maintains the in-memory chunk-id to location map built
// from a repository's persisted index objects, and the machinery to
// flush new entries and compact old ones.
//
// Grounded on mmp/bk's packidx.go ChunkIndex (a hash table from chunk
// hash to pack location, with a pack-name interning table for
// compactness), replumbed from pack file paths onto pack ids and from
// a plaintext .idx sidecar format onto the encrypted index/<id> object
// this repository persists.
package index

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/pack"
)

// Location records where a chunk's ciphertext lives.
type Location struct {
	PackID string `json:"pack_id"`
	Offset int64  `json:"offset"`
	CTLen  int64  `json:"ct_len"`
	PTLen  int64  `json:"pt_len"`
}

// persisted is the JSON payload of an index/<id> object, AEAD-sealed
// before being written.
type persisted struct {
	Chunks map[string]Location     `json:"chunks"`
	Packs  map[string]pack.Summary `json:"packs"`
}

// Index is the in-memory chunk-id -> location map for one open
// repository, plus a pending buffer of entries not yet flushed to a
// backend object.
type Index struct {
	be  backend.Backend
	key []byte

	mu             sync.RWMutex
	chunks         map[crypto.ChunkID]Location
	packs          map[string]pack.Summary
	pendingChunks  map[crypto.ChunkID]Location
	pendingPacks   map[string]pack.Summary
	flushThreshold int
}

// DefaultFlushThreshold is the number of pending entries after which
// callers should call Flush proactively, per the buffer-size trigger.
const DefaultFlushThreshold = 4096

// Open builds an Index by listing, downloading, decrypting, and
// merging every object under the index/ prefix. Merge order does not
// matter: every entry is idempotent under equal chunk identity.
func Open(ctx context.Context, be backend.Backend, key []byte) (*Index, error) {
	idx := &Index{
		be:             be,
		key:            key,
		chunks:         make(map[crypto.ChunkID]Location),
		packs:          make(map[string]pack.Summary),
		pendingChunks:  make(map[crypto.ChunkID]Location),
		pendingPacks:   make(map[string]pack.Summary),
		flushThreshold: DefaultFlushThreshold,
	}

	objs, err := be.List(ctx, backend.PrefixIndex)
	if err != nil {
		return nil, errors.Annotate(err, "list index objects")
	}
	for _, obj := range objs {
		if err := idx.mergeObject(ctx, obj.Key); err != nil {
			return nil, errors.Annotatef(err, "merge index object %s", obj.Key)
		}
	}
	return idx, nil
}

func (idx *Index) mergeObject(ctx context.Context, key string) error {
	envelope, err := idx.be.Get(ctx, key)
	if err != nil {
		return err
	}
	plaintext, err := crypto.Open(idx.key, envelope, nil)
	if err != nil {
		return err
	}
	var p persisted
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return crypto.NewCorruptError(key, "index object is not valid JSON")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for hexID, loc := range p.Chunks {
		id, err := crypto.HashFromHex(hexID)
		if err != nil {
			continue // forward compatibility: ignore anything we can't parse
		}
		idx.chunks[id] = loc
	}
	for packID, summary := range p.Packs {
		idx.packs[packID] = summary
	}
	return nil
}

// Lookup returns the location of id, if known.
func (idx *Index) Lookup(id crypto.ChunkID) (Location, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	loc, ok := idx.chunks[id]
	return loc, ok
}

// Add records a chunk's location, both in the live lookup table and in
// the pending buffer to be flushed to a new index object.
func (idx *Index) Add(id crypto.ChunkID, loc Location) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.chunks[id] = loc
	idx.pendingChunks[id] = loc
}

// AddPackSummary records a sealed pack's summary, both live and
// pending.
func (idx *Index) AddPackSummary(packID string, summary pack.Summary) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.packs[packID] = summary
	idx.pendingPacks[packID] = summary
}

// PendingCount returns the number of entries not yet flushed.
func (idx *Index) PendingCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.pendingChunks) + len(idx.pendingPacks)
}

// ShouldFlush reports whether the pending buffer has crossed the flush
// threshold.
func (idx *Index) ShouldFlush() bool {
	return idx.PendingCount() >= idx.flushThreshold
}

// Flush writes every pending entry to a new index/<id> object and
// clears the pending buffer. It is a no-op returning "" if nothing is
// pending.
func (idx *Index) Flush(ctx context.Context) (string, error) {
	idx.mu.Lock()
	if len(idx.pendingChunks) == 0 && len(idx.pendingPacks) == 0 {
		idx.mu.Unlock()
		return "", nil
	}
	p := persisted{
		Chunks: make(map[string]Location, len(idx.pendingChunks)),
		Packs:  make(map[string]pack.Summary, len(idx.pendingPacks)),
	}
	for id, loc := range idx.pendingChunks {
		p.Chunks[id.String()] = loc
	}
	for packID, summary := range idx.pendingPacks {
		p.Packs[packID] = summary
	}
	idx.mu.Unlock()

	id, err := idx.writeObject(ctx, p)
	if err != nil {
		return "", err
	}

	idx.mu.Lock()
	for chunkID := range p.Chunks {
		parsed, err := crypto.HashFromHex(chunkID)
		if err == nil {
			delete(idx.pendingChunks, parsed)
		}
	}
	for packID := range p.Packs {
		delete(idx.pendingPacks, packID)
	}
	idx.mu.Unlock()

	return id, nil
}

func (idx *Index) writeObject(ctx context.Context, p persisted) (string, error) {
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", errors.Annotate(err, "marshal index object")
	}
	envelope, err := crypto.Seal(idx.key, plaintext, nil)
	if err != nil {
		return "", errors.Annotate(err, "seal index object")
	}
	u := uuid.New()
	id := hex.EncodeToString(u[:])
	if err := idx.be.PutIfAbsent(ctx, backend.IndexKey(id), envelope); err != nil {
		return "", errors.Annotatef(err, "upload index object %s", id)
	}
	return id, nil
}

// Compact rewrites the full live index as a single new object and,
// only after that object is durably uploaded, deletes every existing
// index object. This bounds cold-start list/download cost, which
// otherwise grows with the number of backup sessions ever run.
func (idx *Index) Compact(ctx context.Context) error {
	objs, err := idx.be.List(ctx, backend.PrefixIndex)
	if err != nil {
		return errors.Annotate(err, "list index objects for compaction")
	}

	idx.mu.RLock()
	p := persisted{
		Chunks: make(map[string]Location, len(idx.chunks)),
		Packs:  make(map[string]pack.Summary, len(idx.packs)),
	}
	for id, loc := range idx.chunks {
		p.Chunks[id.String()] = loc
	}
	for packID, summary := range idx.packs {
		p.Packs[packID] = summary
	}
	idx.mu.RUnlock()

	newID, err := idx.writeObject(ctx, p)
	if err != nil {
		return errors.Annotate(err, "write compacted index object")
	}

	for _, obj := range objs {
		if obj.Key == backend.IndexKey(newID) {
			continue
		}
		if err := idx.be.Delete(ctx, obj.Key); err != nil {
			return errors.Annotatef(err, "delete superseded index object %s", obj.Key)
		}
	}

	idx.mu.Lock()
	idx.pendingChunks = make(map[crypto.ChunkID]Location)
	idx.pendingPacks = make(map[string]pack.Summary)
	idx.mu.Unlock()
	return nil
}

// Entries returns a snapshot copy of every chunk-id to location
// mapping currently indexed. Prune uses this to group chunks by the
// pack that holds them without serializing all of its work behind the
// index's own lock.
func (idx *Index) Entries() map[crypto.ChunkID]Location {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[crypto.ChunkID]Location, len(idx.chunks))
	for id, loc := range idx.chunks {
		out[id] = loc
	}
	return out
}

// RemoveChunk deletes id from the live and pending chunk tables. The
// removal is only durable once Compact rewrites the persisted index.
func (idx *Index) RemoveChunk(id crypto.ChunkID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.chunks, id)
	delete(idx.pendingChunks, id)
}

// RemovePack deletes packID's summary from the live and pending pack
// tables.
func (idx *Index) RemovePack(packID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.packs, packID)
	delete(idx.pendingPacks, packID)
}

// PackSummary returns the recorded summary for packID, if known.
func (idx *Index) PackSummary(packID string) (pack.Summary, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s, ok := idx.packs[packID]
	return s, ok
}

// ChunkCount returns the number of distinct chunks currently indexed.
func (idx *Index) ChunkCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

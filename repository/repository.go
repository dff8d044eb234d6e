// Package repository orchestrates a backend transport, the repository's
// encryption keys, its chunk/pack/tree/snapshot object model, and its
// locking, exposing the operations a backup or restore engine drives:
// open/init, store/load for chunks, trees, and snapshots, short-id
// resolution, and integrity checking.
package repository

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/index"
	"github.com/ghostsnap/ghostsnap/pack"
	"github.com/ghostsnap/ghostsnap/snapshot"
	"github.com/ghostsnap/ghostsnap/tree"
)

// Repository is an open connection to one backup repository: a
// backend transport, its unwrapped data encryption key, and the
// in-memory index built from it.
type Repository struct {
	be     backend.Backend
	config Config
	dek    []byte
	idx    *index.Index
	clock  clock.Clock

	mu         sync.Mutex
	current    *pack.Writer
	currentIDs map[crypto.ChunkID]bool // chunks already added to the still-open pack

	verifyMu      sync.Mutex
	verifiedPacks map[string]bool // pack ids whose trailer hash has been checked this session
}

// getWithRetry, putIfAbsentWithRetry, listWithRetry, and
// deleteWithRetry wrap the corresponding Backend method in
// backend.Do, retrying only errors the backend classifies as
// Transient. Reads and listings use backend.Quick() since a caller is
// usually waiting on them; writes use backend.Persistent() since an
// upload that has to be redone is far more expensive to lose than a
// few extra seconds of backoff.
func getWithRetry(ctx context.Context, be backend.Backend, key string) ([]byte, error) {
	var data []byte
	err := backend.Do(ctx, backend.Quick(), func() error {
		var err error
		data, err = be.Get(ctx, key)
		return err
	})
	return data, err
}

func putIfAbsentWithRetry(ctx context.Context, be backend.Backend, key string, data []byte) error {
	return backend.Do(ctx, backend.Persistent(), func() error {
		return be.PutIfAbsent(ctx, key, data)
	})
}

func listWithRetry(ctx context.Context, be backend.Backend, prefix string) ([]backend.ObjectInfo, error) {
	var objs []backend.ObjectInfo
	err := backend.Do(ctx, backend.Quick(), func() error {
		var err error
		objs, err = be.List(ctx, prefix)
		return err
	})
	return objs, err
}

func deleteWithRetry(ctx context.Context, be backend.Backend, key string) error {
	return backend.Do(ctx, backend.Quick(), func() error {
		return be.Delete(ctx, key)
	})
}

// Init creates a brand new, empty repository on be: a fresh config, a
// freshly generated data encryption key wrapped under a key derived
// from password, and an empty index. It fails if a config object
// already exists.
func Init(ctx context.Context, be backend.Backend, password string) (*Repository, error) {
	_, err := getWithRetry(ctx, be, backend.KeyConfig)
	if err == nil {
		return nil, errors.AlreadyExistsf("repository config")
	} else if !errors.IsNotFound(err) {
		return nil, errors.Annotate(err, "check for existing repository")
	}

	cfg, err := newConfig()
	if err != nil {
		return nil, err
	}

	wrappingKey, err := crypto.DeriveKey(password, cfg.KDFParams)
	if err != nil {
		return nil, errors.Annotate(err, "derive wrapping key")
	}
	dek, err := crypto.GenerateDEK()
	if err != nil {
		return nil, errors.Annotate(err, "generate data encryption key")
	}
	encryptedDEK, err := crypto.Seal(wrappingKey, dek, nil)
	if err != nil {
		return nil, errors.Annotate(err, "seal data encryption key")
	}

	kf := keyFile{KDFParams: cfg.KDFParams, EncryptedKey: encryptedDEK}
	kfData, err := marshalKeyFile(kf)
	if err != nil {
		return nil, err
	}
	keyID := hex.EncodeToString(randomID())
	if err := putIfAbsentWithRetry(ctx, be, backend.KeyFileKey(keyID), kfData); err != nil {
		return nil, errors.Annotate(err, "write key file")
	}

	configData, err := marshalConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := putIfAbsentWithRetry(ctx, be, backend.KeyConfig, configData); err != nil {
		return nil, errors.Annotate(err, "write repository config")
	}

	idx, err := index.Open(ctx, be, dek)
	if err != nil {
		return nil, errors.Annotate(err, "open fresh index")
	}

	return &Repository{be: be, config: cfg, dek: dek, idx: idx, clock: clock.WallClock}, nil
}

// Open connects to an existing repository on be, deriving the data
// encryption key from password by trying every key file until one
// decrypts. It fails with an Unauthorized error if none do.
func Open(ctx context.Context, be backend.Backend, password string) (*Repository, error) {
	configData, err := getWithRetry(ctx, be, backend.KeyConfig)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundf("repository config")
		}
		return nil, errors.Annotate(err, "read repository config")
	}
	cfg, err := unmarshalConfig(configData)
	if err != nil {
		return nil, err
	}
	if cfg.Version != ConfigVersion {
		return nil, errors.NotSupportedf("repository format version %d", cfg.Version)
	}
	if cfg.IDEncoding != "" && cfg.IDEncoding != IDEncodingHex {
		return nil, errors.NotSupportedf("repository id encoding %q", cfg.IDEncoding)
	}

	keyObjs, err := listWithRetry(ctx, be, backend.PrefixKeys)
	if err != nil {
		return nil, errors.Annotate(err, "list key files")
	}

	dek, err := tryKeys(ctx, be, keyObjs, password)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(ctx, be, dek)
	if err != nil {
		return nil, errors.Annotate(err, "open index")
	}

	return &Repository{be: be, config: cfg, dek: dek, idx: idx, clock: clock.WallClock}, nil
}

func tryKeys(ctx context.Context, be backend.Backend, keyObjs []backend.ObjectInfo, password string) ([]byte, error) {
	for _, obj := range keyObjs {
		data, err := getWithRetry(ctx, be, obj.Key)
		if err != nil {
			continue
		}
		kf, err := unmarshalKeyFile(data)
		if err != nil {
			continue
		}
		wrappingKey, err := crypto.DeriveKey(password, kf.KDFParams)
		if err != nil {
			continue
		}
		dek, err := crypto.Open(wrappingKey, kf.EncryptedKey, nil)
		if err != nil {
			continue // wrong password for this key file; try the next
		}
		return dek, nil
	}
	return nil, errors.Unauthorizedf("no key file decrypts with the given password")
}

// Config returns the repository's plaintext configuration.
func (r *Repository) Config() Config { return r.config }

// HasChunk reports whether id is already stored, either present in the
// index or added to the still-open pack: the same dedup check
// StoreChunk makes before a chunk is encrypted and added to a pack.
func (r *Repository) HasChunk(id crypto.ChunkID) bool {
	if _, ok := r.idx.Lookup(id); ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentIDs[id]
}

// StoreChunk encrypts plaintext and appends it to the repository's
// currently open pack; its location enters the index when that pack is
// sealed (once it fills, or on Flush). It returns the chunk's
// content-derived id. If plaintext is already
// present, StoreChunk returns its existing id without writing
// anything, since the ciphertext for equal plaintext is
// indistinguishable from work already done.
func (r *Repository) StoreChunk(ctx context.Context, plaintext []byte) (crypto.ChunkID, error) {
	id := crypto.HashBytes(plaintext)
	if _, ok := r.idx.Lookup(id); ok {
		return id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentIDs[id] {
		// Already added to the still-open pack by an earlier call in this
		// same backup; it will be indexed once that pack is sealed.
		return id, nil
	}

	if r.current == nil {
		r.current = pack.NewWriter(r.dek, pack.DefaultTargetSize)
		r.currentIDs = make(map[crypto.ChunkID]bool)
	}
	if _, err := r.current.Add(plaintext); err != nil {
		return id, errors.Annotate(err, "add chunk to pack")
	}
	r.currentIDs[id] = true

	if r.current.Full() {
		if err := r.sealCurrentLocked(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// sealCurrentLocked seals and uploads the open pack, backfilling every
// entry's pack id into the index. r.mu must be held.
func (r *Repository) sealCurrentLocked(ctx context.Context) error {
	if r.current == nil || r.current.Empty() {
		return nil
	}
	packID, blob, entries, summary, err := r.current.Seal()
	r.current = nil
	r.currentIDs = nil
	if err != nil {
		return errors.Annotate(err, "seal pack")
	}
	if err := putIfAbsentWithRetry(ctx, r.be, backend.DataKey(packID), blob); err != nil {
		if errors.IsAlreadyExists(err) {
			// Another writer produced a pack with the same id: negligible
			// under proper randomness, but if it happens our work is not
			// lost, only redundant.
		} else {
			return errors.Annotatef(err, "upload pack %s", packID)
		}
	}
	for _, e := range entries {
		r.idx.Add(e.ChunkID, index.Location{PackID: packID, Offset: e.Offset, CTLen: e.CTLen, PTLen: e.PTLen})
	}
	r.idx.AddPackSummary(packID, summary)
	return nil
}

// Flush seals any partially filled open pack and flushes the index's
// pending entries to a new index object. Callers call this at the end
// of a backup so that the snapshot they are about to write only
// references durably persisted chunks.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	err := r.sealCurrentLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := r.idx.Flush(ctx); err != nil {
		return errors.Annotate(err, "flush index")
	}
	return nil
}

// LoadChunk decrypts and returns the plaintext of a previously stored
// chunk. Before ever reading a chunk out of a given pack, LoadChunk
// verifies that pack's trailer hash once and remembers the result, so
// a pack whose bytes were damaged after it was written cannot silently
// hand back corrupt plaintext just because it was never explicitly
// checked.
func (r *Repository) LoadChunk(ctx context.Context, id crypto.ChunkID) ([]byte, error) {
	loc, ok := r.idx.Lookup(id)
	if !ok {
		return nil, errors.NotFoundf("chunk %s", id)
	}
	if err := r.verifyPackOnce(ctx, loc.PackID); err != nil {
		return nil, err
	}
	return pack.ReadChunk(ctx, r.be, loc.PackID, loc.Offset, loc.CTLen, r.dek)
}

// verifyPackOnce runs pack.ReadHeader against packID the first time
// it's asked about in this Repository's lifetime, caching a bare
// success so later chunk reads from the same pack skip the full
// download. A pack sealed by this same process (its id already has
// index entries from sealCurrentLocked) still goes through this once,
// the same as one opened fresh from an existing repository.
func (r *Repository) verifyPackOnce(ctx context.Context, packID string) error {
	r.verifyMu.Lock()
	if r.verifiedPacks[packID] {
		r.verifyMu.Unlock()
		return nil
	}
	r.verifyMu.Unlock()

	if _, err := pack.ReadHeader(ctx, r.be, packID, r.dek); err != nil {
		return err
	}

	r.verifyMu.Lock()
	if r.verifiedPacks == nil {
		r.verifiedPacks = make(map[string]bool)
	}
	r.verifiedPacks[packID] = true
	r.verifyMu.Unlock()
	return nil
}

// StoreTree serializes and stores obj as a chunk, returning its
// content-derived id the way any other chunk is addressed: a tree
// object with the same children as one already stored dedups for
// free.
func (r *Repository) StoreTree(ctx context.Context, obj *tree.Object) (crypto.ChunkID, error) {
	data, err := tree.Marshal(obj)
	if err != nil {
		return crypto.ChunkID{}, err
	}
	return r.StoreChunk(ctx, data)
}

// LoadTree loads and decodes the tree object stored at id.
func (r *Repository) LoadTree(ctx context.Context, id crypto.ChunkID) (*tree.Object, error) {
	data, err := r.LoadChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	return tree.Unmarshal(data)
}

// StoreSnapshot seals and uploads rec to snapshots/<id>.
func (r *Repository) StoreSnapshot(ctx context.Context, rec snapshot.Record) error {
	data, err := snapshot.Marshal(rec)
	if err != nil {
		return err
	}
	envelope, err := crypto.Seal(r.dek, data, nil)
	if err != nil {
		return errors.Annotate(err, "seal snapshot")
	}
	if err := putIfAbsentWithRetry(ctx, r.be, backend.SnapshotKey(rec.ID), envelope); err != nil {
		return errors.Annotatef(err, "upload snapshot %s", rec.ID)
	}
	return nil
}

// LoadSnapshot loads the snapshot exactly matching id.
func (r *Repository) LoadSnapshot(ctx context.Context, id string) (snapshot.Record, error) {
	envelope, err := getWithRetry(ctx, r.be, backend.SnapshotKey(id))
	if err != nil {
		if errors.IsNotFound(err) {
			return snapshot.Record{}, errors.NotFoundf("snapshot %s", id)
		}
		return snapshot.Record{}, errors.Annotatef(err, "read snapshot %s", id)
	}
	data, err := crypto.Open(r.dek, envelope, nil)
	if err != nil {
		return snapshot.Record{}, err
	}
	return snapshot.Unmarshal(data)
}

// ListSnapshots returns every snapshot in the repository, sorted by
// time ascending.
func (r *Repository) ListSnapshots(ctx context.Context) ([]snapshot.Record, error) {
	objs, err := listWithRetry(ctx, r.be, backend.PrefixSnapshots)
	if err != nil {
		return nil, errors.Annotate(err, "list snapshots")
	}
	recs := make([]snapshot.Record, 0, len(objs))
	for _, obj := range objs {
		id := backend.IDFromKey(backend.PrefixSnapshots, obj.Key)
		rec, err := r.LoadSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Time.Before(recs[j].Time) })
	return recs, nil
}

// ResolveSnapshot resolves a full id or an unambiguous hex prefix to
// its full snapshot id. It fails with a NotFound error if nothing
// matches, or an AmbiguousError if more than one snapshot shares the
// prefix.
func (r *Repository) ResolveSnapshot(ctx context.Context, idOrPrefix string) (string, error) {
	objs, err := listWithRetry(ctx, r.be, backend.PrefixSnapshots)
	if err != nil {
		return "", errors.Annotate(err, "list snapshots")
	}
	var matches []string
	for _, obj := range objs {
		id := backend.IDFromKey(backend.PrefixSnapshots, obj.Key)
		if id == idOrPrefix {
			return id, nil
		}
		if strings.HasPrefix(id, idOrPrefix) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", errors.NotFoundf("snapshot %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", NewAmbiguousError(idOrPrefix, matches)
	}
}

// ForgetSnapshot deletes one snapshot record. It does not reclaim the
// storage of any chunk or pack the snapshot referenced; that is
// Prune's job.
func (r *Repository) ForgetSnapshot(ctx context.Context, id string) error {
	if err := deleteWithRetry(ctx, r.be, backend.SnapshotKey(id)); err != nil {
		return errors.Annotatef(err, "delete snapshot %s", id)
	}
	return nil
}

// CheckReport summarizes the result of Check.
type CheckReport struct {
	PacksChecked     int
	ChunksVerified   int
	MissingChunks    []string
	CorruptPacks     []string
	SnapshotsChecked int
}

// Check enumerates every pack, verifies its trailing integrity hash,
// and verifies that every chunk referenced by every snapshot resolves
// to an entry in the index. It does not re-download and re-verify
// every file chunk's ciphertext against its plaintext hash; no such
// deeper per-chunk check is implemented.
func (r *Repository) Check(ctx context.Context) (CheckReport, error) {
	var report CheckReport

	packObjs, err := listWithRetry(ctx, r.be, backend.PrefixData)
	if err != nil {
		return report, errors.Annotate(err, "list packs")
	}
	for _, obj := range packObjs {
		packID := backend.IDFromKey(backend.PrefixData, obj.Key)
		if _, err := pack.ReadHeader(ctx, r.be, packID, r.dek); err != nil {
			if crypto.IsCorrupt(err) {
				if r.repairPack(ctx, packID) {
					report.PacksChecked++
					continue
				}
				report.CorruptPacks = append(report.CorruptPacks, packID)
				continue
			}
			return report, errors.Annotatef(err, "read pack %s", packID)
		}
		report.PacksChecked++
	}

	recs, err := r.ListSnapshots(ctx)
	if err != nil {
		return report, err
	}
	seen := make(map[crypto.ChunkID]bool)
	for _, rec := range recs {
		report.SnapshotsChecked++
		if err := r.checkTree(ctx, rec.Tree, seen, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// repairPack asks the backend to repair packID from parity, if it
// implements backend.ParityChecker, and re-verifies the pack's header
// afterward. It reports whether the pack now reads back clean; a
// backend with no parity support, or a pack with no sidecar, always
// reports false.
func (r *Repository) repairPack(ctx context.Context, packID string) bool {
	pc, ok := r.be.(backend.ParityChecker)
	if !ok {
		return false
	}
	repaired, err := pc.CheckParity(backend.DataKey(packID))
	if err != nil || !repaired {
		return false
	}
	// verifyPackOnce may already have cached an earlier success for this
	// pack; forget it so the repaired bytes get a fresh trailer-hash check.
	r.verifyMu.Lock()
	delete(r.verifiedPacks, packID)
	r.verifyMu.Unlock()
	return r.verifyPackOnce(ctx, packID) == nil
}

func (r *Repository) checkTree(ctx context.Context, id crypto.ChunkID, seen map[crypto.ChunkID]bool, report *CheckReport) error {
	if seen[id] {
		return nil
	}
	seen[id] = true

	if _, ok := r.idx.Lookup(id); !ok {
		report.MissingChunks = append(report.MissingChunks, id.String())
		return nil
	}
	report.ChunksVerified++

	obj, err := r.LoadTree(ctx, id)
	if err != nil {
		if crypto.IsCorrupt(err) || errors.IsNotFound(err) {
			report.MissingChunks = append(report.MissingChunks, id.String())
			return nil
		}
		return err
	}
	for _, n := range obj.Children {
		switch n.Kind {
		case tree.KindFile:
			for _, chunkID := range n.Chunks {
				if seen[chunkID] {
					continue
				}
				seen[chunkID] = true
				if _, ok := r.idx.Lookup(chunkID); !ok {
					report.MissingChunks = append(report.MissingChunks, chunkID.String())
					continue
				}
				report.ChunksVerified++
			}
		case tree.KindDirectory:
			if n.SubtreeID != nil {
				if err := r.checkTree(ctx, *n.SubtreeID, seen, report); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

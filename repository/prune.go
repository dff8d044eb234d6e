package repository

import (
	"context"

	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
	"github.com/ghostsnap/ghostsnap/index"
	"github.com/ghostsnap/ghostsnap/pack"
	"github.com/ghostsnap/ghostsnap/tree"
)

// PruneReport summarizes one garbage-collection pass.
type PruneReport struct {
	PacksDeleted    int
	PacksRewritten  int
	ChunksReclaimed int
	BytesReclaimed  int64
}

// Prune removes chunks with zero reachability from any surviving
// snapshot. Forgetting a snapshot only deletes its record; Prune is
// what actually reclaims the storage a forgotten snapshot held, and
// is the one operation besides index compaction that needs the
// repository lock, since it rewrites pack objects other operations
// read by id.
func (r *Repository) Prune(ctx context.Context) (PruneReport, error) {
	lk, err := r.Lock(ctx)
	if err != nil {
		return PruneReport{}, err
	}
	defer lk.Release(ctx)

	live, err := r.reachableChunks(ctx)
	if err != nil {
		return PruneReport{}, err
	}

	byPack := make(map[string][]crypto.ChunkID)
	entries := r.idx.Entries()
	for id, loc := range entries {
		byPack[loc.PackID] = append(byPack[loc.PackID], id)
	}

	var report PruneReport
	for packID, ids := range byPack {
		deadCount := 0
		for _, id := range ids {
			if !live[id] {
				deadCount++
			}
		}
		switch {
		case deadCount == 0:
			// Every chunk in this pack is still referenced; nothing to do.
		case deadCount == len(ids):
			if err := r.deletePack(ctx, packID, ids, &report); err != nil {
				return report, err
			}
		default:
			if err := r.rewritePack(ctx, packID, ids, entries, live, &report); err != nil {
				return report, err
			}
		}
	}

	if _, err := r.idx.Flush(ctx); err != nil {
		return report, errors.Annotate(err, "flush index before compaction")
	}
	if err := r.idx.Compact(ctx); err != nil {
		return report, errors.Annotate(err, "compact index")
	}
	return report, nil
}

func (r *Repository) deletePack(ctx context.Context, packID string, ids []crypto.ChunkID, report *PruneReport) error {
	if err := r.be.Delete(ctx, backend.DataKey(packID)); err != nil {
		return errors.Annotatef(err, "delete pack %s", packID)
	}
	if summary, ok := r.idx.PackSummary(packID); ok {
		report.BytesReclaimed += summary.CiphertextBytes
	}
	r.idx.RemovePack(packID)
	for _, id := range ids {
		r.idx.RemoveChunk(id)
	}
	report.PacksDeleted++
	report.ChunksReclaimed += len(ids)
	return nil
}

// rewritePack reads every still-live chunk out of packID, writes them
// into a fresh pack, points the index at the new pack for those
// chunks, and deletes the old pack, reclaiming the ciphertext bytes
// its dead chunks held.
func (r *Repository) rewritePack(ctx context.Context, packID string, ids []crypto.ChunkID, entries map[crypto.ChunkID]index.Location, live map[crypto.ChunkID]bool, report *PruneReport) error {
	if err := r.verifyPackOnce(ctx, packID); err != nil {
		return err
	}

	w := pack.NewWriter(r.dek, pack.DefaultTargetSize)
	dead := 0
	for _, id := range ids {
		if !live[id] {
			dead++
			continue
		}
		loc := entries[id]
		pt, err := pack.ReadChunk(ctx, r.be, packID, loc.Offset, loc.CTLen, r.dek)
		if err != nil {
			return errors.Annotatef(err, "read live chunk from pack %s during prune", packID)
		}
		if _, err := w.Add(pt); err != nil {
			return errors.Annotate(err, "add chunk to rewritten pack")
		}
	}

	oldSummary, _ := r.idx.PackSummary(packID)

	if !w.Empty() {
		newID, blob, newEntries, summary, err := w.Seal()
		if err != nil {
			return errors.Annotate(err, "seal rewritten pack")
		}
		if err := r.be.PutIfAbsent(ctx, backend.DataKey(newID), blob); err != nil {
			return errors.Annotatef(err, "upload rewritten pack %s", newID)
		}
		for _, e := range newEntries {
			r.idx.Add(e.ChunkID, index.Location{PackID: newID, Offset: e.Offset, CTLen: e.CTLen, PTLen: e.PTLen})
		}
		r.idx.AddPackSummary(newID, summary)
	}

	if err := r.be.Delete(ctx, backend.DataKey(packID)); err != nil {
		return errors.Annotatef(err, "delete superseded pack %s", packID)
	}
	r.idx.RemovePack(packID)
	for _, id := range ids {
		if !live[id] {
			r.idx.RemoveChunk(id)
		}
	}

	report.PacksRewritten++
	report.ChunksReclaimed += dead
	report.BytesReclaimed += oldSummary.CiphertextBytes - sumCiphertext(entries, ids, live)
	return nil
}

func sumCiphertext(entries map[crypto.ChunkID]index.Location, ids []crypto.ChunkID, live map[crypto.ChunkID]bool) int64 {
	var total int64
	for _, id := range ids {
		if live[id] {
			total += entries[id].CTLen
		}
	}
	return total
}

// reachableChunks walks every surviving snapshot's tree and returns
// the set of chunk ids (tree chunks and file chunks alike) reachable
// from at least one of them. A tree that fails to load still counts as
// reachable itself, but nothing beneath it is marked, rather than
// aborting the pass: Check
// is the operation responsible for reporting that kind of damage.
func (r *Repository) reachableChunks(ctx context.Context) (map[crypto.ChunkID]bool, error) {
	recs, err := r.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[crypto.ChunkID]bool)
	for _, rec := range recs {
		r.markReachable(ctx, rec.Tree, live)
	}
	return live, nil
}

func (r *Repository) markReachable(ctx context.Context, id crypto.ChunkID, live map[crypto.ChunkID]bool) {
	if live[id] {
		return
	}
	live[id] = true
	obj, err := r.LoadTree(ctx, id)
	if err != nil {
		return
	}
	for _, n := range obj.Children {
		switch n.Kind {
		case tree.KindFile:
			for _, chunkID := range n.Chunks {
				live[chunkID] = true
			}
		case tree.KindDirectory:
			if n.SubtreeID != nil {
				r.markReachable(ctx, *n.SubtreeID, live)
			}
		}
	}
}

// Package pack implements the on-disk pack object format: a sequence of
// encrypted chunks followed by an encrypted header describing their
// offsets, followed by a length-prefixed integrity trailer.
//
// Layout of a sealed pack, grounded on mmp/bk's packidx.go (which packs
// chunks with a similar offset-table-plus-trailer shape, though under
// a different, plaintext, on-disk index):
//
//	ciphertext_chunks || aead(header_json) || u32_le(header_ct_len) || H(all_preceding)
package pack

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/backend"
	"github.com/ghostsnap/ghostsnap/crypto"
)

// DefaultTargetSize is the ciphertext size at which an open pack is
// sealed and uploaded.
const DefaultTargetSize = 16 * 1024 * 1024

// trailerLen is the width of the length-prefix plus integrity hash
// appended after the encrypted header.
const trailerLen = 4 + crypto.HashSize

// Entry locates one chunk's ciphertext within a sealed pack.
type Entry struct {
	ChunkID crypto.ChunkID `json:"chunk_id"`
	Offset  int64          `json:"offset"`
	CTLen   int64          `json:"ct_len"`
	PTLen   int64          `json:"pt_len"`
}

// Summary describes a sealed pack for the index's packs table.
type Summary struct {
	ChunkCount      int   `json:"chunk_count"`
	PlaintextBytes  int64 `json:"plaintext_bytes"`
	CiphertextBytes int64 `json:"ciphertext_bytes"`
}

type header struct {
	Entries []Entry `json:"entries"`
}

// Writer accumulates encrypted chunks for a single pack. It is not
// safe for concurrent use; callers serialize writes per open pack, as
// mmp/bk's PackFileBackend does by dedicating one goroutine to each
// open pack file.
type Writer struct {
	key     []byte
	target  int64
	buf     []byte
	entries []Entry
	ptBytes int64
}

// NewWriter returns a Writer that seals a pack once its buffered
// ciphertext reaches targetSize bytes. A targetSize of zero uses
// DefaultTargetSize.
func NewWriter(key []byte, targetSize int64) *Writer {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	return &Writer{key: key, target: targetSize}
}

// Add encrypts plaintext and appends it to the open pack, returning its
// content-derived chunk id.
func (w *Writer) Add(plaintext []byte) (crypto.ChunkID, error) {
	id := crypto.HashBytes(plaintext)
	ct, err := crypto.Seal(w.key, plaintext, nil)
	if err != nil {
		return id, errors.Annotate(err, "seal chunk")
	}
	w.entries = append(w.entries, Entry{
		ChunkID: id,
		Offset:  int64(len(w.buf)),
		CTLen:   int64(len(ct)),
		PTLen:   int64(len(plaintext)),
	})
	w.buf = append(w.buf, ct...)
	w.ptBytes += int64(len(plaintext))
	return id, nil
}

// Size returns the number of ciphertext bytes buffered so far.
func (w *Writer) Size() int64 { return int64(len(w.buf)) }

// Full reports whether the pack has reached its target size and should
// be sealed.
func (w *Writer) Full() bool { return w.Size() >= w.target }

// Empty reports whether any chunk has been added.
func (w *Writer) Empty() bool { return len(w.entries) == 0 }

// Seal serializes the header, encrypts it, appends the length prefix
// and trailing integrity hash, and returns the pack id and the
// complete binary object ready for backend.Backend.PutIfAbsent under
// backend.DataKey(id). The Writer must not be reused after Seal.
func (w *Writer) Seal() (id string, blob []byte, entries []Entry, summary Summary, err error) {
	if w.Empty() {
		return "", nil, nil, Summary{}, errors.New("seal: pack has no chunks")
	}

	headerJSON, err := json.Marshal(header{Entries: w.entries})
	if err != nil {
		return "", nil, nil, Summary{}, errors.Annotate(err, "marshal pack header")
	}
	headerCT, err := crypto.Seal(w.key, headerJSON, nil)
	if err != nil {
		return "", nil, nil, Summary{}, errors.Annotate(err, "seal pack header")
	}

	blob = make([]byte, 0, len(w.buf)+len(headerCT)+trailerLen)
	blob = append(blob, w.buf...)
	blob = append(blob, headerCT...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerCT)))
	blob = append(blob, lenBuf[:]...)

	trailerHash := crypto.HashBytes(blob)
	blob = append(blob, trailerHash[:]...)

	summary = Summary{
		ChunkCount:      len(w.entries),
		PlaintextBytes:  w.ptBytes,
		CiphertextBytes: int64(len(w.buf)),
	}
	u := uuid.New()
	id = hex.EncodeToString(u[:])
	return id, blob, w.entries, summary, nil
}

// ReadHeader fetches an entire pack object, verifies its trailing
// integrity hash, and decodes its header. This performs the
// full-object verification that must happen at least once before any
// entry from a never-verified pack is trusted; callers that already
// trust a pack (its entries came from a verified index) should use
// ReadChunk directly instead of paying for a full download per lookup.
func ReadHeader(ctx context.Context, be backend.Backend, packID string, key []byte) ([]Entry, error) {
	data, err := be.Get(ctx, backend.DataKey(packID))
	if err != nil {
		return nil, errors.Annotatef(err, "read pack %s", packID)
	}
	return decodeHeader(data, packID, key)
}

// decodeHeader validates the trailer over the full object and decrypts
// the header it references.
func decodeHeader(data []byte, packID string, key []byte) ([]Entry, error) {
	if len(data) < trailerLen {
		return nil, crypto.NewCorruptError(packID, "pack shorter than trailer")
	}
	body, wantHash := data[:len(data)-crypto.HashSize], data[len(data)-crypto.HashSize:]
	gotHash := crypto.HashBytes(body)
	if !crypto.ConstantTimeEqual(gotHash[:], wantHash) {
		return nil, crypto.NewCorruptError(packID, "trailer hash mismatch")
	}

	if len(body) < 4 {
		return nil, crypto.NewCorruptError(packID, "pack shorter than header length prefix")
	}
	headerLen := binary.LittleEndian.Uint32(body[len(body)-4:])
	body = body[:len(body)-4]
	if uint32(len(body)) < headerLen {
		return nil, crypto.NewCorruptError(packID, "header length prefix exceeds pack size")
	}
	headerCT := body[len(body)-int(headerLen):]

	headerJSON, err := crypto.Open(key, headerCT, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "decrypt pack %s header", packID)
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, crypto.NewCorruptError(packID, "header is not valid JSON")
	}
	return h.Entries, nil
}

// ReadChunk performs a ranged read of a single chunk's ciphertext and
// decrypts it. This is the hot path for single-chunk restore: it costs
// O(ct_len), never O(pack size).
func ReadChunk(ctx context.Context, be backend.Backend, packID string, offset, ctLen int64, key []byte) ([]byte, error) {
	ct, err := be.GetRange(ctx, backend.DataKey(packID), offset, ctLen)
	if err != nil {
		return nil, errors.Annotatef(err, "read chunk from pack %s", packID)
	}
	pt, err := crypto.Open(key, ct, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "decrypt chunk from pack %s", packID)
	}
	return pt, nil
}

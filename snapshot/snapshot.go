// Package snapshot defines the snapshot record and its serialization:
// id, parent, tree, paths, hostname/username, time, tags, excludes,
// plus its short-id and one-line summary helpers. The optional fields
// are set through idiomatic With* value-receiver builders rather than
// a mutating constructor chain.
package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/crypto"
)

// Record is a point-in-time backup: the root tree it captured, the
// source paths it covered, and the metadata needed to browse and
// select it later.
type Record struct {
	ID       string         `json:"id"`
	Parent   string         `json:"parent,omitempty"`
	Tree     crypto.ChunkID `json:"tree"`
	Paths    []string       `json:"paths"`
	Host     string         `json:"host"`
	User     string         `json:"user"`
	Time     time.Time      `json:"time"`
	Tags     []string       `json:"tags,omitempty"`
	Excludes []string       `json:"excludes,omitempty"`

	// WarningCount is non-zero when one or more entries were skipped
	// due to a per-entry error (permission denied, I/O failure) during
	// the walk that produced this snapshot. The snapshot is still
	// valid; this is the user-visible signal that it is incomplete.
	WarningCount int `json:"warning_count,omitempty"`
}

// New builds a Record for paths rooted at tree, stamped with the
// current host, user, and time. Every id in this repository is a
// lowercase-hex-encoded 128-bit value, so a fresh UUIDv4 is re-encoded
// without its dashes rather than kept in canonical UUID form.
func New(host, user string, paths []string, tree crypto.ChunkID) Record {
	return Record{
		ID:    hex.EncodeToString(mustUUID()),
		Tree:  tree,
		Paths: paths,
		Host:  host,
		User:  user,
		Time:  time.Now().UTC(),
	}
}

func mustUUID() []byte {
	id := uuid.New()
	return id[:]
}

// WithParent sets the informational parent snapshot id: the most
// recent snapshot for the same source paths, if any.
func (r Record) WithParent(parent string) Record {
	r.Parent = parent
	return r
}

// WithTags sets the record's tags.
func (r Record) WithTags(tags []string) Record {
	r.Tags = tags
	return r
}

// WithExcludes records the exclude patterns that were in effect.
func (r Record) WithExcludes(excludes []string) Record {
	r.Excludes = excludes
	return r
}

// WithWarningCount records how many entries were skipped due to a
// per-entry error.
func (r Record) WithWarningCount(n int) Record {
	r.WarningCount = n
	return r
}

// ShortID returns the first 8 hex characters of the snapshot id, the
// form shown in listings and accepted as an unambiguous prefix.
func (r Record) ShortID() string {
	if len(r.ID) < 8 {
		return r.ID
	}
	return r.ID[:8]
}

// Summary returns a single human-readable line describing the
// snapshot, in the style of a directory listing entry.
func (r Record) Summary() string {
	return fmt.Sprintf("%s  %s  %d paths on %s%s",
		r.ShortID(), r.Time.Format("2006-01-02 15:04:05 UTC"), len(r.Paths), r.Host, warningSuffix(r.WarningCount))
}

func warningSuffix(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("  (%d warning(s))", n)
}

// Marshal encodes r as JSON. The repository is responsible for AEAD-
// sealing the result before writing it to snapshots/<id>.
func Marshal(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Annotate(err, "marshal snapshot record")
	}
	return data, nil
}

// Unmarshal decodes a snapshot record. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, crypto.NewCorruptError("snapshot record", "not valid JSON")
	}
	if r.ID == "" {
		return Record{}, errors.NotValidf("snapshot record: missing id")
	}
	return r, nil
}

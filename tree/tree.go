// Package tree implements the directory tree node model and its
// deterministic serialization.
//
// A directory's serialized form is a function of its children only,
// with children sorted by name using byte-wise ordering, so that an
// unchanged directory always serializes identically and therefore
// dedups across snapshots. Node models the tree node's file/directory/
// symlink variants as a Kind string plus kind-specific optional
// fields rather than as three separate wire shapes, so unrelated
// fields never round-trip on the wrong node type.
package tree

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/juju/errors"

	"github.com/ghostsnap/ghostsnap/crypto"
)

// Kind identifies which of the three node shapes a Node holds.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindSymlink   Kind = "symlink"
)

// Node is one entry in a directory listing: a file, a subdirectory, or
// a symlink. Fields not meaningful for a given Kind are omitted from
// the wire form.
type Node struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Mode  uint32 `json:"mode"`
	UID   uint32 `json:"uid"`
	GID   uint32 `json:"gid"`
	MTime int64  `json:"mtime"` // unix seconds

	// File only.
	Size   int64            `json:"size,omitempty"`
	Chunks []crypto.ChunkID `json:"chunks,omitempty"`

	// Directory only.
	SubtreeID *crypto.ChunkID `json:"subtree_id,omitempty"`

	// Symlink only.
	LinkTarget []byte `json:"link_target,omitempty"`
}

// Object is the serialized form of one directory: its children, sorted
// deterministically.
type Object struct {
	Children []Node `json:"children"`
}

// Marshal sorts obj's children by name using byte-wise ordering and
// encodes the result as JSON. Two Objects with the same children,
// added in any order, produce byte-identical output.
func Marshal(obj *Object) ([]byte, error) {
	sorted := make([]Node, len(obj.Children))
	copy(sorted, obj.Children)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare([]byte(sorted[i].Name), []byte(sorted[j].Name)) < 0
	})
	data, err := json.Marshal(Object{Children: sorted})
	if err != nil {
		return nil, errors.Annotate(err, "marshal tree object")
	}
	return data, nil
}

// Unmarshal decodes a tree object. Unknown fields are ignored for
// forward compatibility: a newer writer's extra per-node fields never
// break an older reader.
func Unmarshal(data []byte) (*Object, error) {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, crypto.NewCorruptError("tree object", "not valid JSON")
	}
	return &obj, nil
}

// NewFile builds a File node.
func NewFile(name string, mode, uid, gid uint32, mtime int64, size int64, chunks []crypto.ChunkID) Node {
	return Node{Name: name, Kind: KindFile, Mode: mode, UID: uid, GID: gid, MTime: mtime, Size: size, Chunks: chunks}
}

// NewDirectory builds a Directory node referencing its already-stored
// subtree by chunk id.
func NewDirectory(name string, mode, uid, gid uint32, mtime int64, subtreeID crypto.ChunkID) Node {
	id := subtreeID
	return Node{Name: name, Kind: KindDirectory, Mode: mode, UID: uid, GID: gid, MTime: mtime, SubtreeID: &id}
}

// NewSymlink builds a Symlink node.
func NewSymlink(name string, mode, uid, gid uint32, mtime int64, target []byte) Node {
	return Node{Name: name, Kind: KindSymlink, Mode: mode, UID: uid, GID: gid, MTime: mtime, LinkTarget: target}
}

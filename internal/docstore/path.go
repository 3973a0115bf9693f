package docstore

import (
	"fmt"
	"strings"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
)

// Snapshot is the state of one document as read from the store.
//
// Version is 0 for a path that has never been written. A logically deleted
// document keeps a nonzero Version with Exists false.
type Snapshot struct {
	Path    string
	Exists  bool
	Data    fields.Map
	Version int64
}

// ID returns the final segment of the snapshot's path.
func (s Snapshot) ID() string {
	return ID(s.Path)
}

// Split breaks a slash-separated path into its segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Join joins segments into a path.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ID returns the last segment of path.
func ID(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Parent returns path without its last segment. For a document path that is
// the collection containing it, for a collection path the owning document.
func Parent(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return ""
}

// IsDocumentPath reports whether path addresses a document (an even number of
// segments) rather than a collection.
func IsDocumentPath(path string) bool {
	n := len(Split(path))
	return n > 0 && n%2 == 0
}

// docKey is the indexed decomposition of a document path.
type docKey struct {
	parent     string // owning document path, "" for top-level collections
	collection string // collection id
	id         string // document id
}

func splitDocument(path string) (docKey, error) {
	if !IsDocumentPath(path) {
		return docKey{}, fmt.Errorf("%q is not a document path", path)
	}
	collectionPath := Parent(path)
	return docKey{
		parent:     Parent(collectionPath),
		collection: ID(collectionPath),
		id:         ID(path),
	}, nil
}

func splitCollection(path string) (parent, collection string, err error) {
	n := len(Split(path))
	if n == 0 || n%2 != 1 {
		return "", "", fmt.Errorf("%q is not a collection path", path)
	}
	return Parent(path), ID(path), nil
}

// subtreeBounds returns the half-open range [lo, hi) of paths strictly below
// prefix. '0' sorts directly after '/'.
func subtreeBounds(prefix string) (lo, hi string) {
	return prefix + "/", prefix + "0"
}

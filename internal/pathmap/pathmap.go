// Package pathmap maps object keys in a bucket to document paths in the
// mirror tree and back.
//
// An object key "a/b/c.txt" in bucket B under root R maps to:
//
//	R/B/prefixes/a                      (prefix document)
//	R/B/prefixes/a/prefixes/b           (prefix document)
//	R/B/prefixes/a/prefixes/b/items/c.txt  (item document)
//
// Tombstones for a document live in the sibling collection named by the
// configuration, e.g. R/B/items-tombstones/c.txt.
package pathmap

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
)

// Limits on generated document identifiers and paths.
const (
	MaxIDBytes   = 1500
	MaxPathBytes = 6 * 1024
	MaxDepth     = 100
)

// Default collection names.
const (
	DefaultItems              = "items"
	DefaultPrefixes           = "prefixes"
	DefaultItemsTombstones    = "items-tombstones"
	DefaultPrefixesTombstones = "prefixes-tombstones"
)

// ErrInvalidPath is returned when an object key cannot be represented in the
// document tree. Callers skip such objects.
var ErrInvalidPath = errors.New("invalid document path")

// InvalidPathError names the offending object key and segment.
type InvalidPathError struct {
	Key     string
	Segment string
	Reason  string
}

func (e *InvalidPathError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("invalid document path for %q: segment %q %s", e.Key, e.Segment, e.Reason)
	}
	return fmt.Sprintf("invalid document path for %q: %s", e.Key, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool {
	return target == ErrInvalidPath
}

// Config names the root of the mirror tree and its collections.
type Config struct {
	Root               string `json:"root" yaml:"root"`
	Bucket             string `json:"bucket" yaml:"bucket"`
	ItemsCollection    string `json:"items,omitempty" yaml:"items,omitempty"`
	PrefixesCollection string `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	ItemsTombstones    string `json:"itemsTombstones,omitempty" yaml:"itemsTombstones,omitempty"`
	PrefixesTombstones string `json:"prefixesTombstones,omitempty" yaml:"prefixesTombstones,omitempty"`
}

// withDefaults fills unset collection names.
func (c Config) withDefaults() Config {
	if c.ItemsCollection == "" {
		c.ItemsCollection = DefaultItems
	}
	if c.PrefixesCollection == "" {
		c.PrefixesCollection = DefaultPrefixes
	}
	if c.ItemsTombstones == "" {
		c.ItemsTombstones = c.ItemsCollection + "-tombstones"
	}
	if c.PrefixesTombstones == "" {
		c.PrefixesTombstones = c.PrefixesCollection + "-tombstones"
	}
	return c
}

// Mapping is the document layout of one object key.
type Mapping struct {
	ObjectKey string
	ItemPath  string
	// PrefixPaths is ordered from the root to the immediate parent.
	PrefixPaths []string
}

// Parent returns the document that directly contains the item: the deepest
// prefix, or the bucket document for top-level objects.
func (m Mapping) Parent(bucketPath string) string {
	if len(m.PrefixPaths) == 0 {
		return bucketPath
	}
	return m.PrefixPaths[len(m.PrefixPaths)-1]
}

// Mapper is a pure function from object keys to document paths.
type Mapper struct {
	cfg Config
}

// New validates cfg and returns a Mapper.
func New(cfg Config) (*Mapper, error) {
	cfg = cfg.withDefaults()
	for _, seg := range []string{
		cfg.Root, cfg.Bucket,
		cfg.ItemsCollection, cfg.PrefixesCollection,
		cfg.ItemsTombstones, cfg.PrefixesTombstones,
	} {
		if reason := checkID(seg); reason != "" {
			return nil, fmt.Errorf("pathmap config: segment %q %s", seg, reason)
		}
	}
	names := map[string]bool{}
	for _, c := range []string{cfg.ItemsCollection, cfg.PrefixesCollection, cfg.ItemsTombstones, cfg.PrefixesTombstones} {
		if names[c] {
			return nil, fmt.Errorf("pathmap config: collection name %q used twice", c)
		}
		names[c] = true
	}
	return &Mapper{cfg: cfg}, nil
}

// Config returns the effective configuration, defaults included.
func (m *Mapper) Config() Config {
	return m.cfg
}

// RootPath is the collection holding one document per mirrored bucket.
func (m *Mapper) RootPath() string {
	return m.cfg.Root
}

// BucketPath is the document every top-level item and prefix hangs off.
func (m *Mapper) BucketPath() string {
	return docstore.Join(m.cfg.Root, m.cfg.Bucket)
}

// Items returns the items collection below a bucket or prefix document.
func (m *Mapper) Items(container string) string {
	return docstore.Join(container, m.cfg.ItemsCollection)
}

// Prefixes returns the prefixes collection below a bucket or prefix document.
func (m *Mapper) Prefixes(container string) string {
	return docstore.Join(container, m.cfg.PrefixesCollection)
}

// Map computes the item path and ancestor prefix paths for an object key.
// Any segment that is not a valid document id makes the whole key invalid.
func (m *Mapper) Map(objectKey string) (Mapping, error) {
	segments := strings.Split(objectKey, "/")
	if len(segments)*2+2 > MaxDepth {
		return Mapping{}, &InvalidPathError{Key: objectKey, Reason: fmt.Sprintf("is nested deeper than %d", MaxDepth)}
	}
	for _, seg := range segments {
		if reason := checkID(seg); reason != "" {
			return Mapping{}, &InvalidPathError{Key: objectKey, Segment: seg, Reason: reason}
		}
	}

	container := m.BucketPath()
	prefixes := make([]string, 0, len(segments)-1)
	for _, seg := range segments[:len(segments)-1] {
		container = docstore.Join(m.Prefixes(container), seg)
		prefixes = append(prefixes, container)
	}
	item := docstore.Join(m.Items(container), segments[len(segments)-1])

	if longest := m.TombstonePath(item); len(longest) > MaxPathBytes {
		return Mapping{}, &InvalidPathError{Key: objectKey, Reason: fmt.Sprintf("maps to a path longer than %d bytes", MaxPathBytes)}
	}
	return Mapping{ObjectKey: objectKey, ItemPath: item, PrefixPaths: prefixes}, nil
}

// PrefixPath returns the prefix document for a storage prefix such as
// "a/b/". The trailing delimiter is optional.
func (m *Mapper) PrefixPath(prefixKey string) (string, error) {
	key := strings.TrimSuffix(prefixKey, "/")
	if key == "" {
		return "", &InvalidPathError{Key: prefixKey, Reason: "is empty"}
	}
	mapping, err := m.Map(key)
	if err != nil {
		return "", err
	}
	return docstore.Join(mapping.Parent(m.BucketPath()), m.cfg.PrefixesCollection, docstore.ID(mapping.ItemPath)), nil
}

// TombstonePath returns the tombstone that shadows an item or prefix
// document. Any other path is returned unchanged.
func (m *Mapper) TombstonePath(docPath string) string {
	collectionPath := docstore.Parent(docPath)
	container := docstore.Parent(collectionPath)
	switch docstore.ID(collectionPath) {
	case m.cfg.ItemsCollection:
		return docstore.Join(container, m.cfg.ItemsTombstones, docstore.ID(docPath))
	case m.cfg.PrefixesCollection:
		return docstore.Join(container, m.cfg.PrefixesTombstones, docstore.ID(docPath))
	default:
		return docPath
	}
}

// IsItem reports whether docPath is an item document of this mapper's tree.
func (m *Mapper) IsItem(docPath string) bool {
	return m.collectionOf(docPath) == m.cfg.ItemsCollection
}

// IsPrefix reports whether docPath is a prefix document of this mapper's tree.
func (m *Mapper) IsPrefix(docPath string) bool {
	return m.collectionOf(docPath) == m.cfg.PrefixesCollection
}

func (m *Mapper) collectionOf(docPath string) string {
	if !strings.HasPrefix(docPath, m.BucketPath()+"/") || !docstore.IsDocumentPath(docPath) {
		return ""
	}
	return docstore.ID(docstore.Parent(docPath))
}

// ObjectKey reverses Map for an item path.
func (m *Mapper) ObjectKey(itemPath string) (string, error) {
	if !m.IsItem(itemPath) {
		return "", fmt.Errorf("%q is not an item path", itemPath)
	}
	segs, err := m.keySegments(docstore.Parent(docstore.Parent(itemPath)))
	if err != nil {
		return "", err
	}
	return strings.Join(append(segs, docstore.ID(itemPath)), "/"), nil
}

// PrefixKey reverses PrefixPath, returning the storage prefix with a
// trailing delimiter ("a/b/").
func (m *Mapper) PrefixKey(prefixPath string) (string, error) {
	if !m.IsPrefix(prefixPath) {
		return "", fmt.Errorf("%q is not a prefix path", prefixPath)
	}
	segs, err := m.keySegments(prefixPath)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/") + "/", nil
}

// keySegments returns the object key segments encoded by a container path.
func (m *Mapper) keySegments(container string) ([]string, error) {
	bucket := m.BucketPath()
	if container == bucket {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(container, bucket+"/")
	if !ok {
		return nil, fmt.Errorf("%q is outside %s", container, bucket)
	}
	parts := docstore.Split(rest)
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("%q is not a container path", container)
	}
	segs := make([]string, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		if parts[i] != m.cfg.PrefixesCollection {
			return nil, fmt.Errorf("%q has unexpected collection %q", container, parts[i])
		}
		segs = append(segs, parts[i+1])
	}
	return segs, nil
}

// checkID returns why seg is not a valid document id, or "" if it is.
func checkID(seg string) string {
	switch {
	case seg == "":
		return "is empty"
	case len(seg) > MaxIDBytes:
		return fmt.Sprintf("is longer than %d bytes", MaxIDBytes)
	case !utf8.ValidString(seg):
		return "is not valid UTF-8"
	case seg == "." || seg == "..":
		return "is a relative path element"
	case len(seg) >= 4 && strings.HasPrefix(seg, "__") && strings.HasSuffix(seg, "__"):
		return "is a reserved id"
	case strings.Contains(seg, "/"):
		return "contains a slash"
	}
	return ""
}

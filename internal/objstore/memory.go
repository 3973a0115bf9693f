package objstore

import (
	"context"
	"fmt"
	"maps"
	"mime"
	"path"
	"slices"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryBucket is an in-process Bucket. Every Put creates a new generation,
// like an overwrite in a versioned object store.
type MemoryBucket struct {
	name    string
	objects *xsync.MapOf[string, ObjectAttrs]
	clock   atomic.Pointer[func() time.Time]
	lastGen atomic.Int64
}

// NewMemoryBucket creates an empty bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	b := &MemoryBucket{
		name:    name,
		objects: xsync.NewMapOf[string, ObjectAttrs](),
	}
	now := time.Now
	b.clock.Store(&now)
	return b
}

// SetClock replaces the time source used for Created and Updated.
func (b *MemoryBucket) SetClock(now func() time.Time) {
	b.clock.Store(&now)
}

func (b *MemoryBucket) now() time.Time {
	return (*b.clock.Load())().UTC()
}

func (b *MemoryBucket) Name() string { return b.name }

func (b *MemoryBucket) Attrs(_ context.Context, name string) (ObjectAttrs, error) {
	a, ok := b.objects.Load(name)
	if !ok {
		return ObjectAttrs{}, fmt.Errorf("%s/%s: %w", b.name, name, ErrObjectNotExist)
	}
	return cloneAttrs(a), nil
}

func (b *MemoryBucket) List(_ context.Context, q Query) (Page, error) {
	names := make([]string, 0, b.objects.Size())
	b.objects.Range(func(name string, _ ObjectAttrs) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)

	return paginate(names, q, func(name string) (ObjectAttrs, bool) {
		a, ok := b.objects.Load(name)
		return cloneAttrs(a), ok
	}), nil
}

func (b *MemoryBucket) Put(_ context.Context, name string, data []byte, opts PutOptions) (ObjectAttrs, error) {
	if name == "" {
		return ObjectAttrs{}, fmt.Errorf("put: empty object name")
	}
	now := b.now()
	gen := b.nextGeneration(now)

	contentType := opts.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(name))
	}

	attrs, _ := b.objects.Compute(name, func(old ObjectAttrs, loaded bool) (ObjectAttrs, bool) {
		a := ObjectAttrs{
			Bucket:              b.name,
			Name:                name,
			ContentType:         contentType,
			Size:                int64(len(data)),
			Generation:          gen,
			Metageneration:      1,
			Created:             now,
			Updated:             now,
			StorageClassUpdated: now,
			Metadata:            maps.Clone(opts.Metadata),
		}
		return a, false
	})
	return cloneAttrs(attrs), nil
}

// UpdateMetadata replaces the custom metadata of an existing object and
// bumps its metageneration, like a metadata-only update.
func (b *MemoryBucket) UpdateMetadata(_ context.Context, name string, metadata map[string]string) (ObjectAttrs, error) {
	now := b.now()
	attrs, ok := b.objects.Compute(name, func(old ObjectAttrs, loaded bool) (ObjectAttrs, bool) {
		if !loaded {
			return old, true
		}
		old.Metadata = maps.Clone(metadata)
		old.Metageneration++
		old.Updated = now
		return old, false
	})
	if !ok {
		return ObjectAttrs{}, fmt.Errorf("%s/%s: %w", b.name, name, ErrObjectNotExist)
	}
	return cloneAttrs(attrs), nil
}

func (b *MemoryBucket) Delete(_ context.Context, name string) error {
	if _, ok := b.objects.LoadAndDelete(name); !ok {
		return fmt.Errorf("%s/%s: %w", b.name, name, ErrObjectNotExist)
	}
	return nil
}

// Len returns the number of stored objects.
func (b *MemoryBucket) Len() int {
	return b.objects.Size()
}

// nextGeneration returns a strictly increasing generation derived from the
// clock, as object stores do.
func (b *MemoryBucket) nextGeneration(now time.Time) int64 {
	candidate := now.UnixMicro()
	for {
		last := b.lastGen.Load()
		next := max(candidate, last+1)
		if b.lastGen.CompareAndSwap(last, next) {
			return next
		}
	}
}

func cloneAttrs(a ObjectAttrs) ObjectAttrs {
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

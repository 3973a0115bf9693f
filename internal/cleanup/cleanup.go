// Package cleanup bulk-deletes mirror state and objects.
//
// Deletions bypass the tree maintainer. Mirror cleanup removes whole
// subtrees, then has the maintainer repair the ancestors of a cleaned
// prefix; the tree is consistent afterwards only when no notifications are
// being applied concurrently. Tombstone cleanup is safe
// at any time: a missing tombstone only weakens the stale check for that path.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pump"
)

const (
	DefaultPageSize    = 500
	DefaultConcurrency = 1000
	DefaultPartitions  = 8
)

// Cleaner deletes in bulk.
type Cleaner struct {
	docs        *docstore.Store
	mapper      *pathmap.Mapper
	logger      *slog.Logger
	metrics     *metrics.Metrics
	pageSize    int
	concurrency int
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cleaner) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cleaner) { c.metrics = m }
}

// WithPageSize sets how many records are listed and deleted per round trip.
func WithPageSize(n int) Option {
	return func(c *Cleaner) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithConcurrency caps concurrent object deletions.
func WithConcurrency(n int) Option {
	return func(c *Cleaner) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New returns a Cleaner for the tree laid out by mapper.
func New(docs *docstore.Store, mapper *pathmap.Mapper, opts ...Option) *Cleaner {
	c := &Cleaner{
		docs:        docs,
		mapper:      mapper,
		logger:      slog.Default(),
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CleanDocuments deletes the mirror below a storage prefix, or the whole
// bucket document and everything below it when prefix is empty. Tombstones
// in the subtree go with it. Ancestors of a cleaned prefix that used it as
// their witness are repointed or tombstoned.
func (c *Cleaner) CleanDocuments(ctx context.Context, prefix string) (int, error) {
	root := c.mapper.BucketPath()
	if prefix != "" {
		p, err := c.mapper.PrefixPath(prefix)
		if err != nil {
			return 0, err
		}
		root = p
	}

	deleted := 0
	cursor := ""
	for {
		paths, err := c.docs.SubtreePaths(ctx, root, cursor, c.pageSize)
		if err != nil {
			return deleted, err
		}
		if len(paths) == 0 {
			break
		}
		n, err := c.docs.BatchDelete(ctx, paths)
		deleted += n
		c.metrics.Deleted("documents", n)
		if err != nil {
			return deleted, err
		}
		cursor = paths[len(paths)-1]
		c.logger.Debug("deleted documents", "root", root, "count", deleted)
	}
	if prefix != "" {
		m := mirror.NewMaintainer(c.docs, c.mapper, mirror.WithLogger(c.logger), mirror.WithMetrics(c.metrics))
		if err := m.PruneAbove(ctx, prefix); err != nil {
			return deleted, err
		}
	}
	c.logger.Info("mirror cleaned", "root", root, "deleted", deleted)
	return deleted, nil
}

// CleanObjects deletes every object under prefix. Deletions run through a
// pump so at most the configured number are in flight.
func (c *Cleaner) CleanObjects(ctx context.Context, bucket objstore.Bucket, prefix string) (int, error) {
	var deleted atomic.Int64
	p := pump.New(c.concurrency)

	q := objstore.Query{Prefix: prefix, PageSize: c.pageSize}
	listErr := objstore.ListAll(ctx, bucket, q, func(page objstore.Page) error {
		for _, obj := range page.Objects {
			if err := p.Enqueue(ctx, func(ctx context.Context) error {
				if err := bucket.Delete(ctx, obj.Name); err != nil {
					return fmt.Errorf("delete %s: %w", obj.Name, err)
				}
				deleted.Add(1)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	drainErr := p.Drain(ctx)

	n := int(deleted.Load())
	c.metrics.Deleted("objects", n)
	if listErr != nil {
		return n, fmt.Errorf("list %q: %w", prefix, listErr)
	}
	if drainErr != nil {
		return n, drainErr
	}
	c.logger.Info("objects cleaned", "bucket", bucket.Name(), "prefix", prefix, "deleted", n)
	return n, nil
}

// CleanTombstones deletes every tombstone below the mirror root. Each
// tombstone collection group is split into partitions that are scanned and
// deleted concurrently.
func (c *Cleaner) CleanTombstones(ctx context.Context, partitions int) (int, error) {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	cfg := c.mapper.Config()
	var deleted atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for _, collection := range []string{cfg.ItemsTombstones, cfg.PrefixesTombstones} {
		parts, err := c.docs.Partitions(ctx, collection, cfg.Root, partitions)
		if err != nil {
			_ = g.Wait()
			return int(deleted.Load()), err
		}
		c.logger.Debug("scanning tombstones", "collection", collection, "partitions", len(parts))
		for _, part := range parts {
			g.Go(func() error {
				n, err := c.cleanPartition(ctx, collection, part)
				deleted.Add(int64(n))
				return err
			})
		}
	}
	err := g.Wait()

	n := int(deleted.Load())
	c.logger.Info("tombstones cleaned", "root", cfg.Root, "deleted", n)
	return n, err
}

func (c *Cleaner) cleanPartition(ctx context.Context, collection string, part docstore.Partition) (int, error) {
	deleted := 0
	cursor := ""
	for {
		page, err := c.docs.CollectionGroup(ctx, docstore.GroupQuery{
			CollectionID: collection,
			Under:        c.mapper.Config().Root,
			Start:        part.Start,
			End:          part.End,
			StartAfter:   cursor,
			Limit:        c.pageSize,
		})
		if err != nil {
			return deleted, err
		}
		if len(page) == 0 {
			return deleted, nil
		}
		paths := make([]string, len(page))
		for i, snap := range page {
			paths[i] = snap.Path
		}
		n, err := c.docs.BatchDelete(ctx, paths)
		deleted += n
		c.metrics.Deleted("tombstones", n)
		if err != nil {
			return deleted, err
		}
		cursor = paths[len(paths)-1]
	}
}

// Package backfill replays every object in a bucket through a mirror's
// resync endpoint, for mirrors started after the bucket already had data.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pump"
)

const DefaultConcurrency = 50

// Resyncer resyncs one object key.
type Resyncer interface {
	Resync(ctx context.Context, key string) (ResyncResponse, error)
}

// Result counts what a backfill did.
type Result struct {
	Objects  int64            `json:"objects"`
	Failed   int64            `json:"failed"`
	Outcomes map[string]int64 `json:"outcomes"`
}

// Backfiller lists a bucket and resyncs each object.
type Backfiller struct {
	bucket      objstore.Bucket
	client      Resyncer
	concurrency int
	prefix      string
	logger      *slog.Logger
}

// Option configures a Backfiller.
type Option func(*Backfiller)

// WithConcurrency caps in-flight resync requests.
func WithConcurrency(n int) Option {
	return func(b *Backfiller) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithPrefix limits the backfill to objects under prefix.
func WithPrefix(prefix string) Option {
	return func(b *Backfiller) { b.prefix = prefix }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backfiller) { b.logger = l }
}

// New returns a Backfiller.
func New(bucket objstore.Bucket, client Resyncer, opts ...Option) *Backfiller {
	b := &Backfiller{
		bucket:      bucket,
		client:      client,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run resyncs every object. A failed resync is logged and counted; it
// does not stop the backfill. Only a listing failure aborts.
func (b *Backfiller) Run(ctx context.Context) (Result, error) {
	var (
		objects, failed atomic.Int64
		mu              sync.Mutex
		outcomes        = map[string]int64{}
	)
	p := pump.New(b.concurrency)

	listErr := objstore.ListAll(ctx, b.bucket, objstore.Query{Prefix: b.prefix}, func(page objstore.Page) error {
		for _, obj := range page.Objects {
			objects.Add(1)
			err := p.Enqueue(ctx, func(ctx context.Context) error {
				resp, err := b.client.Resync(ctx, obj.Name)
				if err != nil {
					failed.Add(1)
					b.logger.Error("resync failed", "key", obj.Name, "error", err)
					return nil
				}
				mu.Lock()
				outcomes[resp.Outcome]++
				mu.Unlock()
				return nil
			})
			if err != nil {
				return err
			}
		}
		b.logger.Debug("backfill page queued", "objects", objects.Load())
		return nil
	})
	drainErr := p.Drain(ctx)

	res := Result{Objects: objects.Load(), Failed: failed.Load(), Outcomes: outcomes}
	if listErr != nil {
		return res, fmt.Errorf("list %s: %w", b.bucket.Name(), listErr)
	}
	if drainErr != nil {
		return res, drainErr
	}
	b.logger.Info("backfill finished", "objects", res.Objects, "failed", res.Failed)
	return res, nil
}

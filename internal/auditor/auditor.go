// Package auditor compares a bucket with its mirror and reports drift.
//
// Two passes run concurrently. The document pass walks prefix documents
// from the bucket document down and checks that every item document's
// object exists and that every prefix document still has children. The
// storage pass walks the bucket with delimiter listings and checks that
// every object has a matching item document and every storage prefix a
// prefix document.
//
// Both passes use an explicit stack and cursor loops, so memory is bounded
// by the tree's depth times the page size, not by its size. Per-entry
// network checks go through a pump. A discrepancy never stops a pass; a
// listing failure aborts only the pass that hit it.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pump"
)

const (
	DefaultPageSize    = 500
	DefaultConcurrency = 100
)

// Pass names one side of the audit.
type Pass string

const (
	PassDocuments Pass = "documents"
	PassStorage   Pass = "storage"
)

// Progress holds the live counters of one pass.
type Progress struct {
	Items         atomic.Int64
	Prefixes      atomic.Int64
	Stack         atomic.Int64
	Discrepancies atomic.Int64
}

// Stats is a point-in-time copy of Progress.
type Stats struct {
	Items         int64 `json:"items"`
	Prefixes      int64 `json:"prefixes"`
	Stack         int64 `json:"stack"`
	Discrepancies int64 `json:"discrepancies"`
}

func (p *Progress) snapshot() Stats {
	return Stats{
		Items:         p.Items.Load(),
		Prefixes:      p.Prefixes.Load(),
		Stack:         p.Stack.Load(),
		Discrepancies: p.Discrepancies.Load(),
	}
}

// Report summarizes a finished audit.
type Report struct {
	Documents Stats `json:"documents"`
	Storage   Stats `json:"storage"`
	Repaired  int64 `json:"repaired"`
}

// Discrepancies is the total across both passes.
func (r Report) Discrepancies() int64 {
	return r.Documents.Discrepancies + r.Storage.Discrepancies
}

// Config selects what an audit covers.
type Config struct {
	// Prefix limits the audit to objects under a storage prefix ("a/b/").
	Prefix string
	// SkipDocuments disables the document pass.
	SkipDocuments bool
	// SkipStorage disables the storage pass.
	SkipStorage bool
	// Repair resyncs objects with item-level discrepancies.
	Repair bool
	// PageSize is the listing page size on both sides.
	PageSize int
	// Concurrency is the pump capacity of each pass.
	Concurrency int
	// ProgressInterval logs progress periodically when positive.
	ProgressInterval time.Duration
}

// Auditor runs consistency checks for one mirrored bucket.
type Auditor struct {
	cfg        Config
	handler    *events.Handler
	bucket     objstore.Bucket
	docs       *docstore.Store
	mapper     *pathmap.Mapper
	normalizer *events.Normalizer
	sink       Sink
	logger     *slog.Logger
	metrics    *metrics.Metrics

	documents Progress
	storage   Progress
	repaired  atomic.Int64
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) { a.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Auditor) { a.metrics = m }
}

// New builds an auditor for the bucket and tree handler mirrors. Repairs go
// through handler so they take the same transactional path as notifications.
func New(handler *events.Handler, sink Sink, cfg Config, opts ...Option) *Auditor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	maintainer := handler.Maintainer()
	a := &Auditor{
		cfg:        cfg,
		handler:    handler,
		bucket:     handler.Bucket(),
		docs:       maintainer.Docs(),
		mapper:     maintainer.Mapper(),
		normalizer: handler.Normalizer(),
		sink:       sink,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Progress returns the current counters of both passes.
func (a *Auditor) Progress() Report {
	return Report{
		Documents: a.documents.snapshot(),
		Storage:   a.storage.snapshot(),
		Repaired:  a.repaired.Load(),
	}
}

// Run executes the enabled passes concurrently and waits for both. A failed
// pass does not cancel the other; their errors are joined.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	var (
		docErr, storageErr error
		wg                 sync.WaitGroup
	)
	if !a.cfg.SkipDocuments {
		wg.Go(func() { docErr = a.CheckDocuments(ctx) })
	}
	if !a.cfg.SkipStorage {
		wg.Go(func() { storageErr = a.CheckStorage(ctx) })
	}

	stop := a.logProgress()
	wg.Wait()
	stop()

	report := a.Progress()
	a.logger.Info("audit finished",
		"documents", report.Documents.Items, "storage", report.Storage.Items,
		"discrepancies", report.Discrepancies(), "repaired", report.Repaired)
	return report, errors.Join(docErr, storageErr)
}

func (a *Auditor) logProgress() (stop func()) {
	if a.cfg.ProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(a.cfg.ProgressInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p := a.Progress()
				a.logger.Info("audit progress",
					"documentItems", p.Documents.Items, "documentPrefixes", p.Documents.Prefixes, "documentStack", p.Documents.Stack,
					"storageItems", p.Storage.Items, "storagePrefixes", p.Storage.Prefixes, "storageStack", p.Storage.Stack,
					"discrepancies", p.Discrepancies())
			}
		}
	}()
	return func() { close(done) }
}

// CheckDocuments walks the mirror and checks it against the bucket.
func (a *Auditor) CheckDocuments(ctx context.Context) error {
	start := a.mapper.BucketPath()
	if a.cfg.Prefix != "" {
		p, err := a.mapper.PrefixPath(a.cfg.Prefix)
		if err != nil {
			return fmt.Errorf("document pass: %w", err)
		}
		snap, err := a.docs.Get(ctx, p)
		if err != nil {
			return fmt.Errorf("document pass: %w", err)
		}
		if !snap.Exists {
			a.logger.Info("no prefix document to audit", "prefix", a.cfg.Prefix)
			return nil
		}
		start = p
	}

	p := pump.New(a.cfg.Concurrency)
	stack := []string{start}
	var walkErr error
	for len(stack) > 0 && walkErr == nil {
		container := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		a.documents.Stack.Store(int64(len(stack)))

		var children []string
		children, walkErr = a.visitContainer(ctx, p, container, container != start || a.cfg.Prefix != "")
		stack = append(stack, children...)
		a.documents.Stack.Store(int64(len(stack)))
	}

	drainErr := p.Drain(ctx)
	if walkErr != nil {
		return fmt.Errorf("document pass: %w", errors.Join(walkErr, drainErr))
	}
	if drainErr != nil {
		return fmt.Errorf("document pass: %w", drainErr)
	}
	return nil
}

// visitContainer checks the items below a bucket or prefix document and
// returns its child prefix documents. isPrefix is false for the bucket
// document, which may legitimately be empty.
func (a *Auditor) visitContainer(ctx context.Context, p *pump.Pump, container string, isPrefix bool) ([]string, error) {
	items := 0
	err := a.eachDocument(ctx, a.mapper.Items(container), func(snap docstore.Snapshot) error {
		items++
		a.documents.Items.Add(1)
		a.metrics.Checked(string(PassDocuments), "item")
		return p.Enqueue(ctx, func(ctx context.Context) error {
			return a.checkItemObject(ctx, snap.Path)
		})
	})
	if err != nil {
		return nil, err
	}

	var children []string
	err = a.eachDocument(ctx, a.mapper.Prefixes(container), func(snap docstore.Snapshot) error {
		a.documents.Prefixes.Add(1)
		a.metrics.Checked(string(PassDocuments), "prefix")
		children = append(children, snap.Path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if isPrefix && items == 0 && len(children) == 0 {
		key, _ := a.mapper.PrefixKey(container)
		a.report(ctx, Discrepancy{Pass: PassDocuments, Kind: KindEmptyPrefix, Path: container, Key: key})
	}
	// Reverse so the stack pops children in document order
	for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
		children[i], children[j] = children[j], children[i]
	}
	return children, nil
}

// eachDocument pages through the live documents of a collection.
func (a *Auditor) eachDocument(ctx context.Context, collection string, fn func(docstore.Snapshot) error) error {
	cursor := ""
	for {
		page, err := a.docs.List(ctx, collection, docstore.ListQuery{StartAfter: cursor, Limit: a.cfg.PageSize})
		if err != nil {
			return fmt.Errorf("list %s: %w", collection, err)
		}
		for _, snap := range page {
			if err := fn(snap); err != nil {
				return err
			}
		}
		if len(page) < a.cfg.PageSize {
			return nil
		}
		cursor = page[len(page)-1].ID()
	}
}

func (a *Auditor) checkItemObject(ctx context.Context, itemPath string) error {
	key, err := a.mapper.ObjectKey(itemPath)
	if err != nil {
		return err
	}
	_, err = a.bucket.Attrs(ctx, key)
	if errors.Is(err, objstore.ErrObjectNotExist) {
		a.report(ctx, Discrepancy{Pass: PassDocuments, Kind: KindMissingObject, Path: itemPath, Key: key})
		return nil
	}
	if err != nil {
		return fmt.Errorf("attrs %s: %w", key, err)
	}
	return nil
}

// CheckStorage walks the bucket and checks it against the mirror.
func (a *Auditor) CheckStorage(ctx context.Context) error {
	p := pump.New(a.cfg.Concurrency)
	stack := []string{a.cfg.Prefix}
	var walkErr error
	for len(stack) > 0 && walkErr == nil {
		prefix := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		a.storage.Stack.Store(int64(len(stack)))

		var children []string
		children, walkErr = a.visitPrefix(ctx, p, prefix)
		stack = append(stack, children...)
		a.storage.Stack.Store(int64(len(stack)))
	}

	drainErr := p.Drain(ctx)
	if walkErr != nil {
		return fmt.Errorf("storage pass: %w", errors.Join(walkErr, drainErr))
	}
	if drainErr != nil {
		return fmt.Errorf("storage pass: %w", drainErr)
	}
	return nil
}

func (a *Auditor) visitPrefix(ctx context.Context, p *pump.Pump, prefix string) ([]string, error) {
	var children []string
	q := objstore.Query{Prefix: prefix, Delimiter: "/", PageSize: a.cfg.PageSize}
	err := objstore.ListAll(ctx, a.bucket, q, func(page objstore.Page) error {
		for _, obj := range page.Objects {
			a.storage.Items.Add(1)
			a.metrics.Checked(string(PassStorage), "item")
			if err := p.Enqueue(ctx, func(ctx context.Context) error {
				return a.checkObjectItem(ctx, obj)
			}); err != nil {
				return err
			}
		}
		for _, sub := range page.Prefixes {
			a.storage.Prefixes.Add(1)
			a.metrics.Checked(string(PassStorage), "prefix")
			children = append(children, sub)
			if err := p.Enqueue(ctx, func(ctx context.Context) error {
				return a.checkPrefixDocument(ctx, sub)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
		children[i], children[j] = children[j], children[i]
	}
	return children, nil
}

func (a *Auditor) checkObjectItem(ctx context.Context, obj objstore.ObjectAttrs) error {
	mapping, err := a.mapper.Map(obj.Name)
	if errors.Is(err, pathmap.ErrInvalidPath) {
		a.logger.Info("skipping unmappable object", "key", obj.Name, "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	snap, err := a.docs.Get(ctx, mapping.ItemPath)
	if err != nil {
		return fmt.Errorf("get %s: %w", mapping.ItemPath, err)
	}
	if !snap.Exists {
		a.report(ctx, Discrepancy{Pass: PassStorage, Kind: KindMissingItem, Path: mapping.ItemPath, Key: obj.Name})
		return nil
	}
	detail, err := a.compareMetadata(snap, obj)
	if err != nil {
		return err
	}
	if detail != "" {
		a.report(ctx, Discrepancy{Pass: PassStorage, Kind: KindMetadataMismatch, Path: mapping.ItemPath, Key: obj.Name, Detail: detail})
	}
	return nil
}

// compareMetadata describes how the item document differs from obj, or
// returns "" when size and custom metadata agree. Fields the mirror is
// configured not to keep are not compared.
func (a *Auditor) compareMetadata(snap docstore.Snapshot, obj objstore.ObjectAttrs) (string, error) {
	stored, ok := mirror.Metadata(snap)
	if !ok {
		return "item has no metadata", nil
	}
	want, err := a.normalizer.Metadata(obj.Resource())
	if err != nil {
		return "", fmt.Errorf("normalize %s: %w", obj.Name, err)
	}

	var diffs []string
	if wantSize, keep := want["size"]; keep && !fields.Equal(wantSize, stored["size"]) {
		got, _ := stored.GetInt("size")
		diffs = append(diffs, fmt.Sprintf("size %d != %d", got, obj.Size))
	}
	if !fields.Equal(want["metadata"], stored["metadata"]) {
		diffs = append(diffs, "custom metadata differs")
	}
	return strings.Join(diffs, "; "), nil
}

func (a *Auditor) checkPrefixDocument(ctx context.Context, prefix string) error {
	path, err := a.mapper.PrefixPath(prefix)
	if errors.Is(err, pathmap.ErrInvalidPath) {
		a.logger.Info("skipping unmappable prefix", "prefix", prefix, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	snap, err := a.docs.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	if !snap.Exists {
		a.report(ctx, Discrepancy{Pass: PassStorage, Kind: KindMissingPrefix, Path: path, Key: prefix})
	}
	return nil
}

// report records d and, in repair mode, resyncs its object. A failed repair
// is logged and counted but never stops the pass.
func (a *Auditor) report(ctx context.Context, d Discrepancy) {
	if d.Pass == PassDocuments {
		a.documents.Discrepancies.Add(1)
	} else {
		a.storage.Discrepancies.Add(1)
	}
	a.metrics.Discrepancy(string(d.Kind))
	a.sink.Report(ctx, d)

	if !a.cfg.Repair || !d.Kind.Repairable() {
		return
	}
	out, err := a.handler.Resync(ctx, d.Key)
	if err != nil {
		a.metrics.Repair("failed")
		a.logger.Error("repair failed", "key", d.Key, "kind", string(d.Kind), "error", err)
		return
	}
	a.metrics.Repair(out.String())
	if out == mirror.OutcomeApplied {
		a.repaired.Add(1)
	}
	a.logger.Info("repaired", "key", d.Key, "kind", string(d.Kind), "outcome", out.String())
}

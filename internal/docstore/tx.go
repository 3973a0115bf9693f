package docstore

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
)

// DefaultMaxAttempts is the number of times RunTransaction runs a
// transaction function before giving up.
const DefaultMaxAttempts = 5

const (
	baseRetryDelay = 10 * time.Millisecond
	maxRetryDelay  = 500 * time.Millisecond
)

// TxOption configures RunTransaction.
type TxOption func(*txConfig)

type txConfig struct {
	maxAttempts int
	baseDelay   time.Duration
}

// MaxAttempts overrides DefaultMaxAttempts.
func MaxAttempts(n int) TxOption {
	return func(c *txConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// RetryDelay sets the base delay between attempts. Zero disables waiting.
func RetryDelay(d time.Duration) TxOption {
	return func(c *txConfig) {
		c.baseDelay = d
	}
}

type writeKind int

const (
	writeSet writeKind = iota + 1
	writeDelete
)

type write struct {
	kind writeKind
	path string
	data fields.Map
}

// Tx is an optimistic read-write transaction.
//
// Reads go straight to the store and record the version they observed.
// Writes are buffered and applied at commit, which fails with ErrContention
// if any document read by the transaction changed in the meantime. Reads
// never observe the transaction's own buffered writes.
type Tx struct {
	s       *Store
	reads   map[string]Snapshot
	queries []queryRead
	writes  []write
}

// queryRead is a List observed by a transaction. Commit re-runs it and
// fails if the page changed, so a decision based on "this collection is
// empty" cannot miss a document added concurrently.
type queryRead struct {
	collection string
	q          ListQuery
	result     []Snapshot
}

// Get reads path and records its version for commit-time validation.
// Reading the same path twice returns the first observation.
func (tx *Tx) Get(ctx context.Context, path string) (Snapshot, error) {
	if snap, ok := tx.reads[path]; ok {
		return snap, nil
	}
	snap, err := tx.s.Get(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}
	tx.reads[path] = snap
	return snap, nil
}

// List reads one page of a collection and records it for commit-time
// validation.
func (tx *Tx) List(ctx context.Context, collectionPath string, q ListQuery) ([]Snapshot, error) {
	page, err := tx.s.List(ctx, collectionPath, q)
	if err != nil {
		return nil, err
	}
	tx.queries = append(tx.queries, queryRead{collection: collectionPath, q: q, result: page})
	return page, nil
}

// Set queues a full replacement of the document at path.
func (tx *Tx) Set(path string, data fields.Map) {
	tx.writes = append(tx.writes, write{kind: writeSet, path: path, data: data.Clone()})
}

// Delete queues a logical delete of the document at path.
func (tx *Tx) Delete(path string) {
	tx.writes = append(tx.writes, write{kind: writeDelete, path: path})
}

// Writes returns the number of queued writes.
func (tx *Tx) Writes() int {
	return len(tx.writes)
}

// RunTransaction runs fn inside an optimistic transaction and commits its
// writes atomically. When fn or the commit fails with a retryable error
// (ErrContention or an error wrapped by Retryable) the whole function runs
// again with a fresh Tx, up to the attempt limit. Any other error from fn
// aborts without writing anything.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error, opts ...TxOption) error {
	cfg := txConfig{maxAttempts: DefaultMaxAttempts, baseDelay: baseRetryDelay}
	for _, opt := range opts {
		opt(&cfg)
	}

	for attempt := 1; ; attempt++ {
		tx := &Tx{s: s, reads: make(map[string]Snapshot)}
		err := fn(ctx, tx)
		if err == nil {
			err = s.commit(ctx, tx)
		}
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.maxAttempts {
			return &AttemptsExhaustedError{Attempts: attempt, Err: err}
		}
		if err := waitWithContext(ctx, retryDelay(cfg.baseDelay, attempt)); err != nil {
			return err
		}
	}
}

// commit validates every recorded read and applies the queued writes in one
// database transaction. Read-only transactions commit trivially.
func (s *Store) commit(ctx context.Context, tx *Tx) error {
	if len(tx.writes) == 0 {
		return nil
	}

	sqlTx, err := s.db.BeginTx(ctx, s.dialect.txOptions)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer sqlTx.Rollback() // No-op if committed

	paths := make([]string, 0, len(tx.reads))
	for p := range tx.reads {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		var current int64
		err := sqlTx.QueryRowContext(ctx, s.q(`
			SELECT COALESCE(MAX(version), 0) FROM documents WHERE path = $1
		`), p).Scan(&current)
		if err != nil {
			return classify(fmt.Errorf("validate %s: %w", p, err))
		}
		if expected := tx.reads[p].Version; current != expected {
			return &ContentionError{Path: p, Expected: expected, Actual: current}
		}
	}

	for _, qr := range tx.queries {
		page, err := tx.s.list(ctx, sqlTx, qr.collection, qr.q)
		if err != nil {
			return classify(fmt.Errorf("validate %s: %w", qr.collection, err))
		}
		if !samePage(qr.result, page) {
			return &ContentionError{Path: qr.collection, Err: fmt.Errorf("query result changed")}
		}
	}

	for _, w := range tx.writes {
		switch w.kind {
		case writeSet:
			err = s.upsert(ctx, sqlTx, w.path, w.data)
		case writeDelete:
			err = s.markDeleted(ctx, sqlTx, w.path)
		}
		if err != nil {
			return classify(fmt.Errorf("write %s: %w", w.path, err))
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func samePage(a, b []Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || a[i].Version != b[i].Version {
			return false
		}
	}
	return true
}

// retryDelay returns an exponential backoff with jitter for the given
// attempt (1-based), capped at maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base << (attempt - 1)
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	// Jitter in [delay/2, delay]
	return delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/metrics"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
)

// DefaultCandidateLimit bounds how many siblings witness repair inspects per
// child collection.
const DefaultCandidateLimit = 3

// ErrNoLiveCandidate is wrapped in the retryable error returned when every
// witness candidate found outside the transaction turned out to be deleted.
var ErrNoLiveCandidate = errors.New("no witness candidate is live")

// Maintainer applies mutations to the document tree.
type Maintainer struct {
	docs           *docstore.Store
	mapper         *pathmap.Mapper
	logger         *slog.Logger
	metrics        *metrics.Metrics
	maxAttempts    int
	retryDelay     time.Duration
	candidateLimit int

	// listCandidates is the non-transactional sibling query behind witness
	// repair.
	listCandidates func(ctx context.Context, collection string, q docstore.ListQuery) ([]docstore.Snapshot, error)
}

// Option configures a Maintainer.
type Option func(*Maintainer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Maintainer) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Maintainer) { m.metrics = mt }
}

// WithMaxAttempts overrides docstore.DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(m *Maintainer) { m.maxAttempts = n }
}

// WithRetryDelay sets the base backoff between transaction attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Maintainer) { m.retryDelay = d }
}

// WithCandidateLimit overrides DefaultCandidateLimit.
func WithCandidateLimit(n int) Option {
	return func(m *Maintainer) {
		if n > 0 {
			m.candidateLimit = n
		}
	}
}

// NewMaintainer creates a Maintainer writing through docs with paths from
// mapper.
func NewMaintainer(docs *docstore.Store, mapper *pathmap.Mapper, opts ...Option) *Maintainer {
	m := &Maintainer{
		docs:           docs,
		mapper:         mapper,
		logger:         slog.Default(),
		maxAttempts:    docstore.DefaultMaxAttempts,
		retryDelay:     10 * time.Millisecond,
		candidateLimit: DefaultCandidateLimit,
		listCandidates: docs.List,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mapper returns the path mapper the maintainer writes with.
func (m *Maintainer) Mapper() *pathmap.Mapper {
	return m.mapper
}

// Docs returns the document store the maintainer writes to.
func (m *Maintainer) Docs() *docstore.Store {
	return m.docs
}

// Apply runs one mutation in its own transaction.
//
// Stale mutations and unmappable keys are not errors. An error is returned
// only when the transaction cannot commit, in which case the mutation is
// abandoned; redelivery or a resync is the way to retry it.
func (m *Maintainer) Apply(ctx context.Context, mut Mutation) (Outcome, error) {
	if err := mut.Validate(); err != nil {
		return 0, err
	}

	mapping, err := m.mapper.Map(mut.ObjectKey)
	if err != nil {
		m.logger.Info("skipping object with unmappable key",
			"key", mut.ObjectKey,
			"kind", mut.Kind.String(),
			"error", err,
		)
		m.metrics.Mutation(mut.Kind.String(), OutcomeSkipped.String())
		return OutcomeSkipped, nil
	}

	var (
		outcome Outcome
		actions []ancestorAction
	)
	err = m.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		// Reset per attempt: only the committed attempt's decisions count.
		actions = actions[:0]
		var err error
		outcome, err = m.apply(ctx, tx, mapping, mut, &actions)
		return err
	}, docstore.MaxAttempts(m.maxAttempts), docstore.RetryDelay(m.retryDelay))

	if err != nil {
		if errors.Is(err, docstore.ErrAttemptsExhausted) {
			m.metrics.AttemptsExhausted()
		}
		m.logger.Error("mutation abandoned",
			"key", mut.ObjectKey,
			"path", mapping.ItemPath,
			"kind", mut.Kind.String(),
			"timestamp", mut.Timestamp,
			"error", err,
		)
		m.metrics.Mutation(mut.Kind.String(), "failed")
		return 0, fmt.Errorf("apply %s %s: %w", mut.Kind, mut.ObjectKey, err)
	}

	switch outcome {
	case OutcomeStale:
		m.logger.Info("stale event ignored",
			"key", mut.ObjectKey,
			"kind", mut.Kind.String(),
			"timestamp", mut.Timestamp,
		)
	case OutcomeApplied:
		m.logger.Debug("mutation applied",
			"key", mut.ObjectKey,
			"kind", mut.Kind.String(),
			"timestamp", mut.Timestamp,
			"ancestors", len(actions),
		)
		for _, a := range actions {
			m.metrics.Ancestor(a.String())
		}
	}
	m.metrics.Mutation(mut.Kind.String(), outcome.String())
	return outcome, nil
}

type ancestorAction int

const (
	ancestorCreated ancestorAction = iota + 1
	ancestorRepointed
	ancestorTombstoned
)

func (a ancestorAction) String() string {
	switch a {
	case ancestorCreated:
		return "created"
	case ancestorRepointed:
		return "repointed"
	case ancestorTombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// apply is one attempt of the read-decide-write cycle.
func (m *Maintainer) apply(ctx context.Context, tx *docstore.Tx, mapping pathmap.Mapping, mut Mutation, actions *[]ancestorAction) (Outcome, error) {
	deletion := mut.Kind.IsDeletion()
	leaf := mapping.ItemPath
	leafTomb := m.mapper.TombstonePath(leaf)

	live, err := tx.Get(ctx, leaf)
	if err != nil {
		return 0, err
	}
	tomb, err := tx.Get(ctx, leafTomb)
	if err != nil {
		return 0, err
	}
	if IsStale(live, mut.Timestamp, deletion) || IsStale(tomb, mut.Timestamp, deletion) {
		return OutcomeStale, nil
	}

	if deletion {
		tx.Set(leafTomb, tombstoneBody(mut.Timestamp))
		if live.Exists {
			tx.Delete(leaf)
		}
		if err := m.pruneAncestors(ctx, tx, mapping, mut.Timestamp, actions); err != nil {
			return 0, err
		}
		return OutcomeApplied, nil
	}

	tx.Set(leaf, itemBody(mut.Timestamp, mut.Metadata))
	if tomb.Exists {
		tx.Delete(leafTomb)
	}
	if err := m.createAncestors(ctx, tx, mapping, mut.Timestamp, actions); err != nil {
		return 0, err
	}
	return OutcomeApplied, nil
}

// createAncestors creates missing prefix documents from the deepest up,
// stopping at the first one that already exists. Creation always proceeds
// to the root in a single transaction, so an existing prefix implies all of
// its ancestors exist too.
func (m *Maintainer) createAncestors(ctx context.Context, tx *docstore.Tx, mapping pathmap.Mapping, t time.Time, actions *[]ancestorAction) error {
	child := mapping.ItemPath
	for i := len(mapping.PrefixPaths) - 1; i >= 0; i-- {
		prefix := mapping.PrefixPaths[i]
		snap, err := tx.Get(ctx, prefix)
		if err != nil {
			return err
		}
		if snap.Exists {
			return nil
		}

		tombPath := m.mapper.TombstonePath(prefix)
		tomb, err := tx.Get(ctx, tombPath)
		if err != nil {
			return err
		}
		tx.Set(prefix, prefixBody(latest(t, tomb), WitnessRef(child)))
		if tomb.Exists {
			tx.Delete(tombPath)
		}
		*actions = append(*actions, ancestorCreated)
		child = prefix
	}
	return nil
}

// pruneAncestors repairs prefix documents above a deleted child. Each level
// either keeps a different witness (stop), gets repointed to a live sibling
// (stop), or is tombstoned because it has no live child left (continue up).
func (m *Maintainer) pruneAncestors(ctx context.Context, tx *docstore.Tx, mapping pathmap.Mapping, t time.Time, actions *[]ancestorAction) error {
	child := mapping.ItemPath
	for i := len(mapping.PrefixPaths) - 1; i >= 0; i-- {
		prefix := mapping.PrefixPaths[i]
		snap, err := tx.Get(ctx, prefix)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return nil
		}

		tombPath := m.mapper.TombstonePath(prefix)
		tomb, err := tx.Get(ctx, tombPath)
		if err != nil {
			return err
		}
		if tomb.Exists {
			return nil
		}

		witness, hasWitness := snap.Data.GetString(FieldWitnessChild)
		_, hasTime := snap.Data.GetTime(FieldLastEvent)
		if !hasWitness || !hasTime {
			m.logger.Warn("prefix document missing required fields",
				"path", prefix,
				"has_witness", hasWitness,
				"has_last_event", hasTime,
			)
		} else if witness != WitnessRef(child) {
			return nil
		}

		replacement, err := m.findWitness(ctx, tx, prefix, child)
		if err != nil {
			return err
		}
		if replacement != "" {
			tx.Set(prefix, prefixBody(latest(t, snap), WitnessRef(replacement)))
			*actions = append(*actions, ancestorRepointed)
			return nil
		}

		tx.Set(tombPath, tombstoneBody(latest(t, snap)))
		tx.Delete(prefix)
		*actions = append(*actions, ancestorTombstoned)
		child = prefix
	}
	return nil
}

// findWitness looks for a live child of prefix other than dying.
//
// Candidates come from a bounded query outside the transaction and are
// re-read inside it, since they may have been deleted concurrently. If
// candidates were found but none is live, the attempt fails with a
// retryable error: a fresh attempt may see another sibling. If no candidate
// exists at all, emptiness is confirmed with transactional reads so a sibling
// added before commit forces a retry instead of being orphaned.
func (m *Maintainer) findWitness(ctx context.Context, tx *docstore.Tx, prefix, dying string) (string, error) {
	collections := []string{m.mapper.Prefixes(prefix), m.mapper.Items(prefix)}

	var candidates []string
	for _, coll := range collections {
		page, err := m.listCandidates(ctx, coll, docstore.ListQuery{Limit: m.candidateLimit + 1})
		if err != nil {
			return "", fmt.Errorf("witness candidates for %s: %w", prefix, err)
		}
		for _, snap := range page {
			if snap.Path != dying && len(candidates) < m.candidateLimit {
				candidates = append(candidates, snap.Path)
			}
		}
	}

	for _, c := range candidates {
		snap, err := tx.Get(ctx, c)
		if err != nil {
			return "", err
		}
		if snap.Exists {
			return c, nil
		}
	}
	if len(candidates) > 0 {
		return "", docstore.Retryable(fmt.Errorf("%s: %w (%d checked)", prefix, ErrNoLiveCandidate, len(candidates)))
	}

	for _, coll := range collections {
		page, err := tx.List(ctx, coll, docstore.ListQuery{Limit: 2})
		if err != nil {
			return "", err
		}
		for _, snap := range page {
			if snap.Path != dying {
				return "", docstore.Retryable(fmt.Errorf("%s: child %s appeared during repair", prefix, snap.Path))
			}
		}
	}
	return "", nil
}

// PruneAbove repairs the ancestors of a prefix whose subtree was removed
// without going through Apply. Ancestors whose witness named the removed
// prefix are repointed or tombstoned exactly as after a deletion, keeping
// their own lastEvent.
func (m *Maintainer) PruneAbove(ctx context.Context, prefixKey string) error {
	removed, err := m.mapper.PrefixPath(prefixKey)
	if err != nil {
		return err
	}
	parents, err := m.mapper.Map(strings.TrimSuffix(prefixKey, "/"))
	if err != nil {
		return err
	}
	mapping := pathmap.Mapping{ObjectKey: prefixKey, ItemPath: removed, PrefixPaths: parents.PrefixPaths}

	var actions []ancestorAction
	err = m.docs.RunTransaction(ctx, func(ctx context.Context, tx *docstore.Tx) error {
		actions = actions[:0]
		return m.pruneAncestors(ctx, tx, mapping, time.Time{}, &actions)
	}, docstore.MaxAttempts(m.maxAttempts), docstore.RetryDelay(m.retryDelay))
	if err != nil {
		return fmt.Errorf("prune above %s: %w", removed, err)
	}
	for _, a := range actions {
		m.metrics.Ancestor(a.String())
	}
	m.logger.Debug("ancestors pruned", "path", removed, "ancestors", len(actions))
	return nil
}

// Snapshot reads the live document and tombstone for an object key outside
// of any transaction. Used by resync and the auditor.
func (m *Maintainer) Snapshot(ctx context.Context, objectKey string) (live, tomb docstore.Snapshot, err error) {
	mapping, err := m.mapper.Map(objectKey)
	if err != nil {
		return docstore.Snapshot{}, docstore.Snapshot{}, err
	}
	if live, err = m.docs.Get(ctx, mapping.ItemPath); err != nil {
		return docstore.Snapshot{}, docstore.Snapshot{}, err
	}
	if tomb, err = m.docs.Get(ctx, m.mapper.TombstonePath(mapping.ItemPath)); err != nil {
		return docstore.Snapshot{}, docstore.Snapshot{}, err
	}
	return live, tomb, nil
}

// Metadata returns the mirrored metadata of a live item snapshot.
func Metadata(snap docstore.Snapshot) (fields.Map, bool) {
	if !snap.Exists {
		return nil, false
	}
	return snap.Data.GetMap(FieldMetadata)
}

package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/events"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/pathmap"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/testutil"
)

// Root is the root collection scenarios mirror into.
const Root = "mirror"

// Harness is one scenario's mirror: a memory bucket, a private in-memory
// document store and the maintainer and handler wired over them.
type Harness struct {
	bucket     *objstore.MemoryBucket
	docs       *docstore.Store
	mapper     *pathmap.Mapper
	maintainer *mirror.Maintainer
	handler    *events.Handler
}

// New builds a fresh mirror for scenario. Close it when done.
func New(scenario *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	bucket := objstore.NewMemoryBucket(scenario.Bucket)
	clock := testutil.NewStepClock(scenario.Start, time.Second)
	bucket.SetClock(clock.Now)

	mapper, err := pathmap.New(pathmap.Config{Root: Root, Bucket: scenario.Bucket})
	if err != nil {
		return nil, err
	}
	norm, err := events.NewNormalizer(bucket, events.Config{FieldPattern: scenario.FieldPattern}, logger)
	if err != nil {
		return nil, err
	}
	docs, err := docstore.Open("memory://")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	maintainer := mirror.NewMaintainer(docs, mapper, mirror.WithLogger(logger), mirror.WithRetryDelay(time.Millisecond))
	handler := events.NewHandler(bucket, norm, maintainer, events.WithHandlerLogger(logger))
	return &Harness{
		bucket:     bucket,
		docs:       docs,
		mapper:     mapper,
		maintainer: maintainer,
		handler:    handler,
	}, nil
}

// Close releases the document store.
func (h *Harness) Close() error {
	return h.docs.Close()
}

// Run executes a scenario in a fresh mirror and returns the result.
//
// Execution flow:
// 1. Write the scenario's objects to the bucket
// 2. Execute flow steps, checking expected outcomes
// 3. Dump the final tree
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	h, err := New(scenario)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	ctx := context.Background()
	result := NewResult()

	for i, obj := range scenario.Objects {
		if _, err := h.bucket.Put(ctx, obj.Key, []byte(obj.Data), objstore.PutOptions{Metadata: obj.Metadata}); err != nil {
			return nil, fmt.Errorf("objects[%d]: %w", i, err)
		}
	}

	for i, step := range scenario.Flow {
		outcome, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("flow[%d] %s %s: %w", i, step.Op, step.Key, err)
		}
		result.AddTrace(step.Op, step.Key, outcome)
		if step.Expect != "" && outcome != step.Expect {
			result.AddError(fmt.Sprintf("flow[%d] %s %s: expected %s, got %s", i, step.Op, step.Key, step.Expect, outcome))
		}
	}

	if result.Tree, err = h.Dump(ctx); err != nil {
		return nil, err
	}

	for i, assertion := range scenario.Assertions {
		if err := h.evaluate(ctx, result.Trace, assertion); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

// execute runs one step and returns its outcome ("" for bucket writes).
func (h *Harness) execute(ctx context.Context, step FlowStep) (string, error) {
	switch step.Op {
	case OpCreate, OpUpdate, OpDelete:
		mut := mirror.Mutation{ObjectKey: step.Key, Timestamp: step.Time}
		switch step.Op {
		case OpCreate:
			mut.Kind = mirror.KindCreate
		case OpUpdate:
			mut.Kind = mirror.KindUpdate
		default:
			mut.Kind = mirror.KindDelete
		}
		if mut.Kind != mirror.KindDelete {
			meta, err := fields.FromAny(orEmpty(step.Metadata))
			if err != nil {
				return "", fmt.Errorf("metadata: %w", err)
			}
			mut.Metadata = meta.(fields.Map)
		}
		out, err := h.maintainer.Apply(ctx, mut)
		if err != nil {
			return "", err
		}
		return out.String(), nil

	case OpResync:
		out, err := h.handler.Resync(ctx, step.Key)
		if err != nil {
			return "", err
		}
		return out.String(), nil

	case OpPut:
		_, err := h.bucket.Put(ctx, step.Key, []byte(step.Data), objstore.PutOptions{})
		return "", err

	case OpRemove:
		return "", h.bucket.Delete(ctx, step.Key)
	}
	return "", fmt.Errorf("unknown op %q", step.Op)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Dump lists every live document below the root in path order. Witness
// references are resolved to the child they name, relative to the prefix.
func (h *Harness) Dump(ctx context.Context) ([]TreeEntry, error) {
	var entries []TreeEntry
	cursor := ""
	for {
		paths, err := h.docs.SubtreePaths(ctx, Root, cursor, docstore.DefaultPageSize)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return entries, nil
		}
		for _, p := range paths {
			snap, err := h.docs.Get(ctx, p)
			if err != nil {
				return nil, err
			}
			if !snap.Exists {
				continue
			}
			entry, err := h.entry(ctx, snap)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		cursor = paths[len(paths)-1]
	}
}

func (h *Harness) entry(ctx context.Context, snap docstore.Snapshot) (TreeEntry, error) {
	entry := TreeEntry{Path: snap.Path}
	for _, name := range snap.Data.SortedKeys() {
		value := snap.Data[name]
		var text string
		switch v := value.(type) {
		case fields.Timestamp:
			text = v.Time().UTC().Format(time.RFC3339Nano)
		case fields.String:
			text = string(v)
			if name == mirror.FieldWitnessChild {
				child, err := h.resolveWitness(ctx, snap.Path, text)
				if err != nil {
					return TreeEntry{}, err
				}
				text = child
			}
		default:
			b, err := fields.MarshalCanonical(value)
			if err != nil {
				return TreeEntry{}, fmt.Errorf("%s.%s: %w", snap.Path, name, err)
			}
			text = string(b)
		}
		entry.Fields = append(entry.Fields, name+"="+text)
	}
	return entry, nil
}

// resolveWitness finds the live child of prefix whose reference is ref.
// An unresolvable reference is shown as "dangling:<ref>".
func (h *Harness) resolveWitness(ctx context.Context, prefix, ref string) (string, error) {
	for _, coll := range []string{h.mapper.Prefixes(prefix), h.mapper.Items(prefix)} {
		var found string
		err := h.each(ctx, coll, func(snap docstore.Snapshot) {
			if found == "" && mirror.WitnessRef(snap.Path) == ref {
				found = strings.TrimPrefix(snap.Path, prefix+"/")
			}
		})
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "dangling:" + ref, nil
}

func (h *Harness) each(ctx context.Context, collection string, fn func(docstore.Snapshot)) error {
	q := docstore.ListQuery{}
	for {
		page, err := h.docs.List(ctx, collection, q)
		if err != nil {
			return err
		}
		for _, snap := range page {
			fn(snap)
		}
		if len(page) < docstore.DefaultPageSize {
			return nil
		}
		q.StartAfter = page[len(page)-1].ID()
	}
}

// evaluate checks one assertion against the mirror and trace.
func (h *Harness) evaluate(ctx context.Context, trace []TraceEvent, a Assertion) error {
	switch a.Type {
	case AssertItemExists, AssertItemAbsent, AssertTombstoneExists:
		live, tomb, err := h.maintainer.Snapshot(ctx, a.Key)
		if err != nil {
			return err
		}
		return assertItem(a, live, tomb, trace)

	case AssertPrefixExists, AssertPrefixAbsent:
		path, err := h.mapper.PrefixPath(a.Key)
		if err != nil {
			return err
		}
		snap, err := h.docs.Get(ctx, path)
		if err != nil {
			return err
		}
		return assertPrefix(a, snap, trace)

	case AssertOutcomeCount:
		return assertOutcomeCount(a, trace)
	}
	return errors.New("unknown assertion type " + a.Type)
}

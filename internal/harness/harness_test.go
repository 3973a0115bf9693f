package harness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(minute int) time.Time {
	return DefaultStart.Add(time.Duration(minute) * time.Minute)
}

func scenario(flow []FlowStep, assertions ...Assertion) *Scenario {
	s := &Scenario{Name: "inline", Description: "inline", Flow: flow, Assertions: assertions}
	s.applyDefaults()
	return s
}

func TestRun_Passes(t *testing.T) {
	s := scenario([]FlowStep{
		{Op: OpCreate, Key: "a/b.txt", Time: at(1), Metadata: map[string]any{"size": 1}, Expect: "applied"},
		{Op: OpCreate, Key: "a/c.txt", Time: at(2), Expect: "applied"},
		{Op: OpDelete, Key: "a/b.txt", Time: at(3), Expect: "applied"},
	},
		Assertion{Type: AssertItemAbsent, Key: "a/b.txt"},
		Assertion{Type: AssertTombstoneExists, Key: "a/b.txt"},
		Assertion{Type: AssertItemExists, Key: "a/c.txt"},
		Assertion{Type: AssertPrefixExists, Key: "a"},
		Assertion{Type: AssertOutcomeCount, Outcome: "applied", Count: 3},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, "3 delete a/b.txt applied", result.Trace[2].String())

	require.Len(t, result.Tree, 3)
	assert.Equal(t, "mirror/photos/prefixes/a lastEvent=2024-05-01T10:03:00Z witnessChild=items/c.txt", result.Tree[0].String())
	assert.Equal(t, "mirror/photos/prefixes/a/items-tombstones/b.txt lastEvent=2024-05-01T10:03:00Z", result.Tree[1].String())
	assert.Equal(t, `mirror/photos/prefixes/a/items/c.txt gcsMetadata={} lastEvent=2024-05-01T10:02:00Z`, result.Tree[2].String())
}

func TestRun_ExpectMismatch(t *testing.T) {
	s := scenario([]FlowStep{
		{Op: OpCreate, Key: "x", Time: at(2), Expect: "applied"},
		{Op: OpUpdate, Key: "x", Time: at(1), Expect: "applied"},
	}, Assertion{Type: AssertItemExists, Key: "x"})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "flow[1] update x: expected applied, got stale", result.Errors[0])
}

func TestRun_FailedAssertions(t *testing.T) {
	s := scenario([]FlowStep{
		{Op: OpCreate, Key: "a/b", Time: at(1)},
	},
		Assertion{Type: AssertItemAbsent, Key: "a/b"},
		Assertion{Type: AssertTombstoneExists, Key: "a/b"},
		Assertion{Type: AssertPrefixAbsent, Key: "a/"},
		Assertion{Type: AssertOutcomeCount, Outcome: "stale", Count: 1},
	)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "Expected: no item for a/b")
	assert.Contains(t, result.Errors[0], "mirror/photos/prefixes/a/items/b is live")
	assert.Contains(t, result.Errors[1], "items-tombstones/b does not exist")
	assert.Contains(t, result.Errors[2], "Expected: no prefix document for a/")
	assert.Contains(t, result.Errors[3], "Actual: 0 stale steps")
	assert.Contains(t, result.Errors[3], "1 create a/b applied")
}

func TestRun_BucketSteps(t *testing.T) {
	s := scenario([]FlowStep{
		{Op: OpPut, Key: "new.txt", Data: "abc"},
		{Op: OpResync, Key: "new.txt", Expect: "applied"},
		{Op: OpPut, Key: "new.txt", Data: "abcdef"},
		{Op: OpResync, Key: "new.txt", Expect: "applied"},
	}, Assertion{Type: AssertItemExists, Key: "new.txt"})
	s.FieldPattern = "^(size|updated)$"

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Equal(t, "2 resync new.txt applied", result.Trace[1].String())
	assert.Equal(t, "3 put new.txt", result.Trace[2].String())

	// The second put reads the clock one second later.
	require.Len(t, result.Tree, 1)
	assert.Equal(t,
		`mirror/photos/items/new.txt gcsMetadata={"size":6,"updated":"2024-05-01T10:00:01Z"} lastEvent=2024-05-01T10:00:01Z`,
		result.Tree[0].String())
}

func TestRun_StepError(t *testing.T) {
	s := scenario([]FlowStep{{Op: OpRemove, Key: "missing.txt"}}, Assertion{Type: AssertItemAbsent, Key: "missing.txt"})

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flow[0] remove missing.txt")
}

func TestRun_InvalidAssertionKey(t *testing.T) {
	s := scenario([]FlowStep{{Op: OpResync, Key: "a"}}, Assertion{Type: AssertItemExists, Key: "a//b"})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "invalid document path")
}

func TestDump_DanglingWitness(t *testing.T) {
	s := scenario([]FlowStep{{Op: OpCreate, Key: "a/b", Time: at(1)}}, Assertion{Type: AssertItemExists, Key: "a/b"})
	h, err := New(s)
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	_, err = h.execute(ctx, s.Flow[0])
	require.NoError(t, err)
	// Remove the witness behind the maintainer's back.
	require.NoError(t, h.docs.Delete(ctx, "mirror/photos/prefixes/a/items/b"))

	tree, err := h.Dump(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.True(t, strings.HasPrefix(tree[0].String(), "mirror/photos/prefixes/a lastEvent=2024-05-01T10:01:00Z witnessChild=dangling:"))
}

func TestRender(t *testing.T) {
	result := NewResult()
	result.AddTrace(OpCreate, "a", "applied")
	result.AddTrace(OpRemove, "a", "")
	result.Tree = []TreeEntry{{Path: "mirror/photos/items/a", Fields: []string{"lastEvent=x"}}, {Path: "bare"}}

	assert.Equal(t, "scenario: r\ntrace:\n  1 create a applied\n  2 remove a\ntree:\n  mirror/photos/items/a lastEvent=x\n  bare\n",
		string(Render("r", result)))
}

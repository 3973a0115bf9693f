package harness

import (
	"fmt"
	"strings"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  %s\n", event)
	}

	return buf.String()
}

func describe(snap docstore.Snapshot) string {
	if snap.Exists {
		return snap.Path + " is live"
	}
	return snap.Path + " does not exist"
}

// assertItem checks the item document or tombstone of an object key.
func assertItem(a Assertion, live, tomb docstore.Snapshot, trace []TraceEvent) error {
	var (
		ok       bool
		expected string
		actual   string
	)
	switch a.Type {
	case AssertItemExists:
		ok, expected, actual = live.Exists, fmt.Sprintf("item for %s is live", a.Key), describe(live)
	case AssertItemAbsent:
		ok, expected, actual = !live.Exists, fmt.Sprintf("no item for %s", a.Key), describe(live)
	case AssertTombstoneExists:
		ok, expected, actual = tomb.Exists, fmt.Sprintf("tombstone for %s is live", a.Key), describe(tomb)
	}
	if ok {
		return nil
	}
	return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: trace}
}

// assertPrefix checks the prefix document of a storage prefix.
func assertPrefix(a Assertion, snap docstore.Snapshot, trace []TraceEvent) error {
	want := a.Type == AssertPrefixExists
	if snap.Exists == want {
		return nil
	}
	expected := fmt.Sprintf("prefix %s is live", a.Key)
	if !want {
		expected = fmt.Sprintf("no prefix document for %s", a.Key)
	}
	return &AssertionError{Type: a.Type, Expected: expected, Actual: describe(snap), Trace: trace}
}

// assertOutcomeCount checks that exactly Count steps ended with Outcome.
func assertOutcomeCount(a Assertion, trace []TraceEvent) error {
	count := 0
	for _, event := range trace {
		if event.Outcome == a.Outcome {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutcomeCount,
		Expected: fmt.Sprintf("%d %s steps", a.Count, a.Outcome),
		Actual:   fmt.Sprintf("%d %s steps", count, a.Outcome),
		Trace:    trace,
	}
}

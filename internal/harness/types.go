package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records one executed flow step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Op      string `json:"op"`
	Key     string `json:"key"`
	Outcome string `json:"outcome,omitempty"` // empty for put and remove
}

func (e TraceEvent) String() string {
	s := fmt.Sprintf("%d %s %s", e.Seq, e.Op, e.Key)
	if e.Outcome != "" {
		s += " " + e.Outcome
	}
	return s
}

// TreeEntry is one live document of the final tree.
type TreeEntry struct {
	Path   string   `json:"path"`
	Fields []string `json:"fields"` // "name=value", sorted by name
}

func (e TreeEntry) String() string {
	if len(e.Fields) == 0 {
		return e.Path
	}
	return e.Path + " " + strings.Join(e.Fields, " ")
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every expect and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains the executed flow steps in order.
	Trace []TraceEvent `json:"trace"`

	// Tree is the final document tree, ordered by path.
	Tree []TreeEntry `json:"tree"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an executed step.
func (r *Result) AddTrace(op, key, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Op:      op,
		Key:     key,
		Outcome: outcome,
	})
}

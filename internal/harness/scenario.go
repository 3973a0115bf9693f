package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBucket is the bucket name used when a scenario does not set one.
const DefaultBucket = "photos"

// DefaultStart is the first reading of the bucket clock when a scenario does
// not set start.
var DefaultStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// Scenario defines a mirror scenario.
type Scenario struct {
	// Name uniquely identifies this scenario; it also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Bucket is the mirrored bucket's name.
	Bucket string `yaml:"bucket,omitempty"`

	// FieldPattern filters the object fields resyncs mirror.
	FieldPattern string `yaml:"fieldPattern,omitempty"`

	// Start is the bucket clock's first reading. The clock advances one
	// second per write.
	Start time.Time `yaml:"start,omitempty"`

	// Objects are written to the bucket before the flow runs.
	Objects []ObjectStep `yaml:"objects,omitempty"`

	// Flow contains the steps to execute, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final tree and trace.
	Assertions []Assertion `yaml:"assertions"`
}

// ObjectStep is an object present in the bucket.
type ObjectStep struct {
	Key      string            `yaml:"key"`
	Data     string            `yaml:"data"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Flow step operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpResync = "resync"
	OpPut    = "put"
	OpRemove = "remove"
)

var mutationOps = []string{OpCreate, OpUpdate, OpDelete}

// FlowStep is one operation of the flow.
type FlowStep struct {
	// Op is one of create, update, delete (mutations applied directly),
	// resync (through the event handler), put or remove (bucket writes).
	Op string `yaml:"op"`

	// Key is the object key.
	Key string `yaml:"key"`

	// Time is the mutation timestamp. Required for mutations.
	Time time.Time `yaml:"time,omitempty"`

	// Metadata is mirrored by create and update.
	Metadata map[string]any `yaml:"metadata,omitempty"`

	// Data is the content written by put.
	Data string `yaml:"data,omitempty"`

	// Expect is the expected outcome (applied, stale, skipped). Empty skips
	// the check. Not allowed for put and remove.
	Expect string `yaml:"expect,omitempty"`
}

// Assertion validates the final tree or trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Key is the object key (item assertions) or storage prefix (prefix
	// assertions, trailing "/" optional).
	Key string `yaml:"key,omitempty"`

	// Outcome and Count are used by outcome_count.
	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertItemExists      = "item_exists"
	AssertItemAbsent      = "item_absent"
	AssertTombstoneExists = "tombstone_exists"
	AssertPrefixExists    = "prefix_exists"
	AssertPrefixAbsent    = "prefix_absent"
	AssertOutcomeCount    = "outcome_count"
)

var outcomes = []string{"applied", "stale", "skipped"}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML and applies defaults.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	scenario.applyDefaults()
	return &scenario, nil
}

func (s *Scenario) applyDefaults() {
	if s.Bucket == "" {
		s.Bucket = DefaultBucket
	}
	if s.Start.IsZero() {
		s.Start = DefaultStart
	}
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, obj := range s.Objects {
		if obj.Key == "" {
			return fmt.Errorf("objects[%d]: key is required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *FlowStep) error {
	if step.Key == "" {
		return fmt.Errorf("flow[%d]: key is required", index)
	}
	switch {
	case slices.Contains(mutationOps, step.Op):
		if step.Time.IsZero() {
			return fmt.Errorf("flow[%d]: time is required for %s", index, step.Op)
		}
		if step.Op == OpDelete && step.Metadata != nil {
			return fmt.Errorf("flow[%d]: delete takes no metadata", index)
		}
	case step.Op == OpResync:
	case step.Op == OpPut || step.Op == OpRemove:
		if step.Expect != "" {
			return fmt.Errorf("flow[%d]: %s has no outcome to expect", index, step.Op)
		}
	case step.Op == "":
		return fmt.Errorf("flow[%d]: op is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown op %q", index, step.Op)
	}
	if step.Expect != "" && !slices.Contains(outcomes, step.Expect) {
		return fmt.Errorf("flow[%d]: unknown outcome %q", index, step.Expect)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertItemExists, AssertItemAbsent, AssertTombstoneExists, AssertPrefixExists, AssertPrefixAbsent:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for %s", index, a.Type)
		}
	case AssertOutcomeCount:
		if !slices.Contains(outcomes, a.Outcome) {
			return fmt.Errorf("assertions[%d]: outcome_count needs one of %v", index, outcomes)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outcome_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

package mirror

import (
	"fmt"
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
)

// Document field names.
const (
	FieldLastEvent    = "lastEvent"
	FieldMetadata     = "gcsMetadata"
	FieldWitnessChild = "witnessChild"
)

// Kind is the closed set of mutation kinds.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsDeletion reports whether the mutation removes the object.
func (k Kind) IsDeletion() bool {
	return k == KindDelete
}

// Mutation is the normalized unit of change consumed by the Maintainer.
type Mutation struct {
	ObjectKey string
	Kind      Kind
	// Timestamp orders mutations on the same path.
	Timestamp time.Time
	// Metadata is the filtered object metadata. Nil for deletions.
	Metadata fields.Map
}

// Validate checks the fields every mutation must carry.
func (m Mutation) Validate() error {
	switch {
	case m.ObjectKey == "":
		return fmt.Errorf("mutation has no object key")
	case m.Kind < KindCreate || m.Kind > KindDelete:
		return fmt.Errorf("mutation for %q has unknown kind %v", m.ObjectKey, m.Kind)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%s mutation for %q has no timestamp", m.Kind, m.ObjectKey)
	}
	return nil
}

// Outcome reports what happened to a mutation.
type Outcome int

const (
	// OutcomeApplied means the mutation was committed.
	OutcomeApplied Outcome = iota + 1
	// OutcomeStale means a newer or equal event was already recorded.
	OutcomeStale
	// OutcomeSkipped means the mutation was discarded before reaching the
	// tree: an unmappable key, a suppressed overwrite, or nothing to do.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome in JSON responses.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

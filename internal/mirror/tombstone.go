package mirror

import (
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
)

// tombstoneBody is the whole content of a tombstone: the time of deletion.
func tombstoneBody(t time.Time) fields.Map {
	return fields.Map{FieldLastEvent: fields.NewTimestamp(t)}
}

// itemBody is the content of a live item document.
func itemBody(t time.Time, metadata fields.Map) fields.Map {
	if metadata == nil {
		metadata = fields.Map{}
	}
	return fields.Map{
		FieldLastEvent: fields.NewTimestamp(t),
		FieldMetadata:  metadata,
	}
}

// prefixBody is the content of a live prefix document.
func prefixBody(t time.Time, witness string) fields.Map {
	return fields.Map{
		FieldLastEvent:    fields.NewTimestamp(t),
		FieldWitnessChild: fields.String(witness),
	}
}

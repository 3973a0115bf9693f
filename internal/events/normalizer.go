// Package events turns storage notifications and resync requests into
// mirror mutations and hands them to the tree maintainer.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/docstore"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/mirror"
	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/objstore"
)

// customMetadataKey holds the user-defined metadata map in an object resource.
const customMetadataKey = "metadata"

var (
	intFields  = map[string]bool{"size": true, "generation": true, "metageneration": true}
	timeFields = map[string]bool{"timeCreated": true, "timeStorageClassUpdated": true, "updated": true}
)

// ErrNothingToResync is returned by FromResync when neither the object nor
// its item document exists.
var ErrNothingToResync = errors.New("nothing to resync")

// ErrSuppressed marks a notification that is deliberately not applied.
var ErrSuppressed = errors.New("notification suppressed")

// SuppressedError says why a notification was dropped.
type SuppressedError struct {
	Key    string
	Reason string
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("notification for %q suppressed: %s", e.Key, e.Reason)
}

func (e *SuppressedError) Is(target error) bool {
	return target == ErrSuppressed
}

// Suppression reasons.
const (
	ReasonOverwritten = "object still exists"
	ReasonOtherBucket = "different bucket"
)

// Config selects which object fields are mirrored.
type Config struct {
	// FieldPattern is matched against top-level resource fields.
	FieldPattern string `json:"fieldPattern,omitempty" yaml:"fieldPattern,omitempty"`
	// CustomFieldPattern is matched against custom metadata keys.
	CustomFieldPattern string `json:"customFieldPattern,omitempty" yaml:"customFieldPattern,omitempty"`
}

// Normalizer converts notifications and object attributes into mutations.
type Normalizer struct {
	bucket objstore.Bucket
	fields *regexp.Regexp
	custom *regexp.Regexp
	logger *slog.Logger
}

// NewNormalizer compiles the field filters. Empty patterns match everything.
func NewNormalizer(bucket objstore.Bucket, cfg Config, logger *slog.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fieldRe, err := compilePattern(cfg.FieldPattern)
	if err != nil {
		return nil, fmt.Errorf("field pattern: %w", err)
	}
	customRe, err := compilePattern(cfg.CustomFieldPattern)
	if err != nil {
		return nil, fmt.Errorf("custom field pattern: %w", err)
	}
	return &Normalizer{bucket: bucket, fields: fieldRe, custom: customRe, logger: logger}, nil
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if p == "" {
		p = ".*"
	}
	return regexp.Compile(p)
}

// FromNotification builds the mutation for a notification.
//
// Delete and archive notifications are re-checked against the bucket: if
// the object still exists the notification belongs to an overwrite and is
// suppressed, since applying it would briefly remove a live object from the
// mirror.
func (n *Normalizer) FromNotification(ctx context.Context, notif Notification) (mirror.Mutation, error) {
	key := notif.objectName()
	if key == "" {
		return mirror.Mutation{}, fmt.Errorf("notification %s has no object name", notif.ID)
	}
	if notif.Bucket != "" && notif.Bucket != n.bucket.Name() {
		return mirror.Mutation{}, &SuppressedError{Key: key, Reason: ReasonOtherBucket}
	}

	switch notif.Type {
	case TypeFinalize, TypeMetadataUpdate:
		kind := mirror.KindCreate
		if notif.Type == TypeMetadataUpdate {
			kind = mirror.KindUpdate
		}
		resource := notif.Object
		if notif.ContentType != "" && resource["contentType"] == nil {
			resource = withField(resource, "contentType", notif.ContentType)
		}
		return n.fromResource(key, kind, resource, notif.EventTime)

	case TypeDelete, TypeArchive:
		_, err := n.bucket.Attrs(ctx, key)
		if err == nil {
			return mirror.Mutation{}, &SuppressedError{Key: key, Reason: ReasonOverwritten}
		}
		if !errors.Is(err, objstore.ErrObjectNotExist) {
			return mirror.Mutation{}, fmt.Errorf("check %s: %w", key, err)
		}

		// The deleted generation's update time orders the deletion on the
		// same clock as the create it follows.
		ts, ok := parseTime(notif.Object["updated"])
		if !ok {
			ts = notif.EventTime
		}
		if ts.IsZero() {
			return mirror.Mutation{}, fmt.Errorf("%s notification for %q has no timestamp", notif.Type, key)
		}
		return mirror.Mutation{ObjectKey: key, Kind: mirror.KindDelete, Timestamp: ts}, nil

	default:
		return mirror.Mutation{}, fmt.Errorf("unknown event type %q for %q", notif.Type, key)
	}
}

// FromResync builds the mutation that brings the item document for key in
// line with the bucket. live is the current item document.
//
// If the object exists its attributes are applied as a create (or an update
// when live exists). If it is gone but live exists, a deletion is built with
// live's own lastEvent rather than the current time, so the tombstone never
// claims to be newer than an event that is still in flight.
func (n *Normalizer) FromResync(ctx context.Context, key string, live docstore.Snapshot) (mirror.Mutation, error) {
	attrs, err := n.bucket.Attrs(ctx, key)
	switch {
	case err == nil:
		kind := mirror.KindCreate
		if live.Exists {
			kind = mirror.KindUpdate
		}
		return n.FromAttrs(attrs, kind)

	case errors.Is(err, objstore.ErrObjectNotExist):
		if !live.Exists {
			return mirror.Mutation{}, ErrNothingToResync
		}
		ts, ok := mirror.LastEvent(live)
		if !ok {
			n.logger.Warn("item document has no lastEvent, tombstoning at epoch", "key", key)
			ts = time.Unix(0, 0).UTC()
		}
		return mirror.Mutation{ObjectKey: key, Kind: mirror.KindDelete, Timestamp: ts}, nil

	default:
		return mirror.Mutation{}, fmt.Errorf("lookup %s: %w", key, err)
	}
}

// FromAttrs builds a create or update mutation from live object attributes.
func (n *Normalizer) FromAttrs(attrs objstore.ObjectAttrs, kind mirror.Kind) (mirror.Mutation, error) {
	return n.fromResource(attrs.Name, kind, attrs.Resource(), time.Time{})
}

// Metadata filters and types an object resource the way it is stored in
// item documents.
func (n *Normalizer) Metadata(resource map[string]any) (fields.Map, error) {
	out := make(fields.Map, len(resource))
	for key, raw := range resource {
		if !n.fields.MatchString(key) {
			continue
		}
		if key == customMetadataKey {
			custom, err := n.customMetadata(raw)
			if err != nil {
				return nil, err
			}
			out[key] = custom
			continue
		}
		v, err := convertField(key, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func (n *Normalizer) customMetadata(raw any) (fields.Value, error) {
	src, ok := raw.(map[string]any)
	if !ok {
		if strs, isStrs := raw.(map[string]string); isStrs {
			src = make(map[string]any, len(strs))
			for k, v := range strs {
				src[k] = v
			}
		} else {
			return fields.FromAny(raw)
		}
	}
	out := make(fields.Map, len(src))
	for k, v := range src {
		if !n.custom.MatchString(k) {
			continue
		}
		fv, err := fields.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("custom metadata %q: %w", k, err)
		}
		out[k] = fv
	}
	return out, nil
}

func (n *Normalizer) fromResource(key string, kind mirror.Kind, resource map[string]any, fallback time.Time) (mirror.Mutation, error) {
	ts, ok := parseTime(resource["updated"])
	if !ok {
		ts = fallback
	}
	if ts.IsZero() {
		return mirror.Mutation{}, fmt.Errorf("object %q has no update time", key)
	}
	meta, err := n.Metadata(resource)
	if err != nil {
		return mirror.Mutation{}, fmt.Errorf("object %q: %w", key, err)
	}
	return mirror.Mutation{ObjectKey: key, Kind: kind, Timestamp: ts, Metadata: meta}, nil
}

// convertField types the well-known numeric and date fields. Values that do
// not parse are kept as they came.
func convertField(key string, raw any) (fields.Value, error) {
	switch {
	case intFields[key]:
		if i, ok := parseInt(raw); ok {
			return fields.Int(i), nil
		}
	case timeFields[key]:
		if t, ok := parseTime(raw); ok {
			return fields.NewTimestamp(t), nil
		}
	}
	return fields.FromAny(raw)
}

func parseInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	case float64:
		return int64(v), v == float64(int64(v))
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func parseTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t.UTC(), err == nil
	case time.Time:
		return v.UTC(), !v.IsZero()
	}
	return time.Time{}, false
}

func withField(m map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[key] = v
	return out
}

package events

import (
	"fmt"
	"strings"
	"time"
)

// Type is the storage event that produced a notification.
type Type string

const (
	TypeFinalize       Type = "finalize"
	TypeMetadataUpdate Type = "metadataUpdate"
	TypeDelete         Type = "delete"
	TypeArchive        Type = "archive"
)

// ParseType accepts the short event names as well as the fully qualified
// "google.storage.object.<name>" form.
func ParseType(s string) (Type, error) {
	short := s[strings.LastIndexByte(s, '.')+1:]
	switch t := Type(short); t {
	case TypeFinalize, TypeMetadataUpdate, TypeDelete, TypeArchive:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Notification is a storage change notification. Object is the object
// resource as the storage service reports it: integers as decimal strings,
// times as RFC 3339, custom metadata under "metadata".
type Notification struct {
	ID          string         `json:"id,omitempty"`
	Type        Type           `json:"type"`
	Bucket      string         `json:"bucket"`
	Name        string         `json:"name"`
	ContentType string         `json:"contentType,omitempty"`
	EventTime   time.Time      `json:"eventTime,omitzero"`
	Object      map[string]any `json:"metadata,omitempty"`
}

// objectName returns the notification's object key.
func (n Notification) objectName() string {
	if n.Name != "" {
		return n.Name
	}
	name, _ := n.Object["name"].(string)
	return name
}

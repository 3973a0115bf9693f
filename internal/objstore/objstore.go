// Package objstore is the storage side of the mirror: a flat namespace of
// objects with delimiter-based listing, as exposed by cloud object stores.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultPageSize is used by List when Query.PageSize is unset.
const DefaultPageSize = 1000

// ErrObjectNotExist is returned for a missing object.
var ErrObjectNotExist = errors.New("object does not exist")

// ObjectAttrs describes one stored object.
type ObjectAttrs struct {
	Bucket              string
	Name                string
	ContentType         string
	Size                int64
	Generation          int64
	Metageneration      int64
	Created             time.Time
	Updated             time.Time
	StorageClassUpdated time.Time
	// Metadata holds user-provided custom metadata.
	Metadata map[string]string
}

// Resource renders attrs the way storage notifications carry an object:
// integers as decimal strings and times as RFC 3339.
func (a ObjectAttrs) Resource() map[string]any {
	res := map[string]any{
		"bucket":         a.Bucket,
		"name":           a.Name,
		"size":           strconv.FormatInt(a.Size, 10),
		"generation":     strconv.FormatInt(a.Generation, 10),
		"metageneration": strconv.FormatInt(a.Metageneration, 10),
	}
	if a.ContentType != "" {
		res["contentType"] = a.ContentType
	}
	for key, t := range map[string]time.Time{
		"timeCreated":             a.Created,
		"updated":                 a.Updated,
		"timeStorageClassUpdated": a.StorageClassUpdated,
	} {
		if !t.IsZero() {
			res[key] = t.UTC().Format(time.RFC3339Nano)
		}
	}
	if len(a.Metadata) > 0 {
		custom := make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			custom[k] = v
		}
		res["metadata"] = custom
	}
	return res
}

// Query selects a page of a bucket listing.
//
// With a Delimiter, names that contain it after Prefix are collapsed into
// a single entry in Page.Prefixes, like a directory listing.
type Query struct {
	Prefix    string
	Delimiter string
	PageToken string
	PageSize  int
}

// Page is one page of a listing. NextPageToken is empty on the last page.
type Page struct {
	Objects       []ObjectAttrs
	Prefixes      []string
	NextPageToken string
}

// PutOptions carries the attributes set when writing an object.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Bucket is the storage client the mirror, auditor and cleanup tools use.
type Bucket interface {
	Name() string
	Attrs(ctx context.Context, name string) (ObjectAttrs, error)
	List(ctx context.Context, q Query) (Page, error)
	Put(ctx context.Context, name string, data []byte, opts PutOptions) (ObjectAttrs, error)
	Delete(ctx context.Context, name string) error
}

// Open returns the bucket addressed by rawURL:
//
//	mem://name        in-process bucket, empty on open
//	file:///abs/dir   objects are the files below dir
func Open(rawURL string) (Bucket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bucket URL: %w", err)
	}
	switch u.Scheme {
	case "mem":
		if u.Host == "" {
			return nil, fmt.Errorf("bucket URL %q has no name", rawURL)
		}
		return NewMemoryBucket(u.Host), nil
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("bucket URL %q has no path", rawURL)
		}
		return NewDirBucket(filepath.Base(u.Path), u.Path)
	default:
		return nil, fmt.Errorf("unsupported bucket scheme: %q", u.Scheme)
	}
}

// ListAll pages through a whole listing and calls fn for every page.
func ListAll(ctx context.Context, b Bucket, q Query, fn func(Page) error) error {
	for {
		page, err := b.List(ctx, q)
		if err != nil {
			return err
		}
		if err := fn(page); err != nil {
			return err
		}
		if page.NextPageToken == "" {
			return nil
		}
		q.PageToken = page.NextPageToken
	}
}

// paginate builds one page over a sorted name list.
func paginate(sorted []string, q Query, attrs func(name string) (ObjectAttrs, bool)) Page {
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}

	var (
		page    Page
		entries int
		last    string
	)
	for _, name := range sorted {
		if !strings.HasPrefix(name, q.Prefix) || name <= q.PageToken {
			continue
		}
		// A collapsed prefix token covers every name below it.
		if q.Delimiter != "" && strings.HasSuffix(q.PageToken, q.Delimiter) && strings.HasPrefix(name, q.PageToken) {
			continue
		}

		key := name
		isPrefix := false
		if q.Delimiter != "" {
			rest := name[len(q.Prefix):]
			if idx := strings.Index(rest, q.Delimiter); idx >= 0 {
				key = q.Prefix + rest[:idx+len(q.Delimiter)]
				isPrefix = true
			}
		}
		if isPrefix && key == last {
			continue
		}

		if entries == size {
			page.NextPageToken = last
			return page
		}
		if isPrefix {
			page.Prefixes = append(page.Prefixes, key)
		} else {
			a, ok := attrs(name)
			if !ok {
				continue
			}
			page.Objects = append(page.Objects, a)
		}
		entries++
		last = key
	}
	return page
}

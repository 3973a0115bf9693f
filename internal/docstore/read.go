package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
)

// ListQuery pages through one collection in document id order.
type ListQuery struct {
	StartAfter string // document id cursor, "" for the first page
	Limit      int    // DefaultPageSize when <= 0
}

// GroupQuery scans every collection with a given id below a document,
// ordered by full path. Start and End restrict the scan to one partition.
type GroupQuery struct {
	CollectionID string
	Under        string // document path the scan is confined to
	Start        string // inclusive lower path bound, optional
	End          string // exclusive upper path bound, optional
	StartAfter   string // path cursor, "" for the first page
	Limit        int
}

// Partition is a half-open path range of a collection group. Empty bounds
// are unbounded.
type Partition struct {
	Start string
	End   string
}

// Get reads the document at path. A missing document is not an error; the
// snapshot reports Exists false.
func (s *Store) Get(ctx context.Context, path string) (Snapshot, error) {
	if !IsDocumentPath(path) {
		return Snapshot{}, fmt.Errorf("get: %q is not a document path", path)
	}

	var (
		data    string
		live    int
		version int64
	)
	err := s.queryRow(ctx, `
		SELECT data, live, version FROM documents WHERE path = $1
	`, path).Scan(&data, &live, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Path: path}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", path, err)
	}

	snap := Snapshot{Path: path, Exists: live == 1, Version: version}
	if snap.Exists {
		if snap.Data, err = decodeData(data); err != nil {
			return Snapshot{}, fmt.Errorf("get %s: %w", path, err)
		}
	}
	return snap, nil
}

// List returns one page of live documents in the collection at
// collectionPath, ordered by document id.
func (s *Store) List(ctx context.Context, collectionPath string, q ListQuery) ([]Snapshot, error) {
	return s.list(ctx, s.db, collectionPath, q)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) list(ctx context.Context, qr queryer, collectionPath string, q ListQuery) ([]Snapshot, error) {
	parent, collection, err := splitCollection(collectionPath)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	rows, err := qr.QueryContext(ctx, s.q(`
		SELECT path, data, version FROM documents
		WHERE parent = $1 AND collection = $2 AND live = 1 AND doc_id > $3
		ORDER BY doc_id
		LIMIT $4
	`), parent, collection, q.StartAfter, limitOrDefault(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collectionPath, err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collectionPath, err)
	}
	return snaps, nil
}

// CollectionGroup returns one page of live documents whose collection id
// matches q.CollectionID anywhere below q.Under, ordered by path.
func (s *Store) CollectionGroup(ctx context.Context, q GroupQuery) ([]Snapshot, error) {
	lo, hi := subtreeBounds(q.Under)
	if q.Start != "" && q.Start > lo {
		lo = q.Start
	}
	if q.End != "" && q.End < hi {
		hi = q.End
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT path, data, version FROM documents
		WHERE collection = $1 AND live = 1
		  AND path >= $2 AND path < $3 AND path > $4
		ORDER BY path
		LIMIT $5
	`), q.CollectionID, lo, hi, q.StartAfter, limitOrDefault(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("collection group %s: %w", q.CollectionID, err)
	}
	defer rows.Close()

	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, fmt.Errorf("collection group %s: %w", q.CollectionID, err)
	}
	return snaps, nil
}

// Partitions splits the collection group below under into at most n ranges
// of roughly equal size. The result always covers the whole group.
func (s *Store) Partitions(ctx context.Context, collectionID, under string, n int) ([]Partition, error) {
	if n <= 1 {
		return []Partition{{}}, nil
	}

	lo, hi := subtreeBounds(under)
	var count int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE collection = $1 AND live = 1 AND path >= $2 AND path < $3
	`, collectionID, lo, hi).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("partitions %s: %w", collectionID, err)
	}

	step := (count + n - 1) / n
	if step == 0 {
		return []Partition{{}}, nil
	}

	var bounds []string
	for offset := step; offset < count; offset += step {
		var path string
		err := s.queryRow(ctx, `
			SELECT path FROM documents
			WHERE collection = $1 AND live = 1 AND path >= $2 AND path < $3
			ORDER BY path
			LIMIT 1 OFFSET $4
		`, collectionID, lo, hi, offset).Scan(&path)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("partitions %s: %w", collectionID, err)
		}
		bounds = append(bounds, path)
	}

	parts := make([]Partition, 0, len(bounds)+1)
	start := ""
	for _, b := range bounds {
		parts = append(parts, Partition{Start: start, End: b})
		start = b
	}
	return append(parts, Partition{Start: start}), nil
}

// SubtreePaths returns up to limit paths of rows at or below docPath in path
// order, including logically deleted rows. Used by bulk cleanup.
func (s *Store) SubtreePaths(ctx context.Context, docPath, startAfter string, limit int) ([]string, error) {
	lo, hi := subtreeBounds(docPath)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT path FROM documents
		WHERE (path = $1 OR (path >= $2 AND path < $3)) AND path > $4
		ORDER BY path
		LIMIT $5
	`), docPath, lo, hi, startAfter, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("subtree %s: %w", docPath, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("subtree %s: %w", docPath, err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subtree %s: %w", docPath, err)
	}
	return paths, nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var snaps []Snapshot
	for rows.Next() {
		var (
			snap Snapshot
			data string
		)
		if err := rows.Scan(&snap.Path, &data, &snap.Version); err != nil {
			return nil, err
		}
		m, err := decodeData(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", snap.Path, err)
		}
		snap.Exists = true
		snap.Data = m
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func decodeData(data string) (fields.Map, error) {
	var m fields.Map
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return m, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

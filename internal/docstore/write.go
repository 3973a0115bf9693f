package docstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/FirebaseExtended/experimental-extensions-sub000/internal/fields"
)

// batchSize caps the number of rows removed per statement batch.
const batchSize = 500

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Set writes data at path outside of any transaction, replacing the previous
// body. Mirror writes go through RunTransaction; Set exists for seeding and
// out-of-band edits.
func (s *Store) Set(ctx context.Context, path string, data fields.Map) error {
	if err := s.upsert(ctx, s.db, path, data); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Delete logically deletes the document at path outside of any transaction.
// Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.markDeleted(ctx, s.db, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// BatchDelete physically removes the rows at paths in chunks. It is not
// transactional across chunks and does not participate in version checks,
// so it is reserved for bulk cleanup of records nothing reads optimistically.
func (s *Store) BatchDelete(ctx context.Context, paths []string) (int, error) {
	deleted := 0
	for start := 0; start < len(paths); start += batchSize {
		end := min(start+batchSize, len(paths))
		n, err := s.deleteChunk(ctx, paths[start:end])
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("batch delete: %w", err)
		}
	}
	return deleted, nil
}

func (s *Store) deleteChunk(ctx context.Context, paths []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	deleted := 0
	for _, p := range paths {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM documents WHERE path = $1`), p)
		if err != nil {
			return 0, fmt.Errorf("delete %s: %w", p, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return deleted, nil
}

// upsert creates or replaces a document body and bumps its version.
func (s *Store) upsert(ctx context.Context, ex execer, path string, data fields.Map) error {
	key, err := splitDocument(path)
	if err != nil {
		return err
	}
	if data == nil {
		data = fields.Map{}
	}
	body, err := data.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = ex.ExecContext(ctx, s.q(`
		INSERT INTO documents (path, parent, collection, doc_id, data, live, version)
		VALUES ($1, $2, $3, $4, $5, 1, 1)
		ON CONFLICT (path) DO UPDATE SET
			data = excluded.data,
			live = 1,
			version = documents.version + 1
	`), path, key.parent, key.collection, key.id, string(body))
	return err
}

// markDeleted clears a document but keeps its row, so the bumped version
// still tells optimistic readers that something happened at path.
func (s *Store) markDeleted(ctx context.Context, ex execer, path string) error {
	if !IsDocumentPath(path) {
		return fmt.Errorf("%q is not a document path", path)
	}
	_, err := ex.ExecContext(ctx, s.q(`
		UPDATE documents SET live = 0, data = '{}', version = version + 1
		WHERE path = $1 AND live = 1
	`), path)
	return err
}

package docstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// DefaultPageSize bounds List and scan queries that don't set a limit.
const DefaultPageSize = 500

// dialect captures the differences between the SQL engines backing a Store.
// Queries are written once with $N placeholders and rebound per dialect.
type dialect struct {
	name      string
	driver    string
	schema    string
	pragmas   []string
	txOptions *sql.TxOptions
	rebind    func(query string) string
}

var sqlitePlaceholder = regexp.MustCompile(`\$(\d+)`)

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: schemaSQLite,
	pragmas: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	},
	rebind: func(query string) string {
		// ?NNN binds explicitly to parameter NNN, so repeated or
		// out-of-order references keep their meaning.
		return sqlitePlaceholder.ReplaceAllString(query, "?$1")
	},
}

var postgresDialect = dialect{
	name:      "postgres",
	driver:    "postgres",
	schema:    schemaPostgres,
	txOptions: &sql.TxOptions{Isolation: sql.LevelSerializable},
	rebind:    func(query string) string { return query },
}

// Store is a hierarchical document database on top of database/sql.
//
// Documents are addressed by slash-separated paths that alternate collection
// and document ids ("root/bucket/items/leaf"). Every document row carries a
// version that increases on every write, including deletes, which is what
// RunTransaction validates at commit time.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open creates or opens a document store.
//
// Supported DSNs:
//   - postgres://... or postgresql://...  (lib/pq)
//   - sqlite:///path/to/file.db or a bare file path  (go-sqlite3)
//   - memory://  (private in-memory SQLite database)
//
// This function is idempotent - safe to call multiple times on the same DSN.
func Open(dsn string) (*Store, error) {
	d, source, err := resolveDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if d.name == sqliteDialect.name {
		// SQLite only supports one writer at a time, so limit connections.
		// The idle connection also keeps memory:// databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	for _, pragma := range d.pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(d.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, dialect: d}, nil
}

// resolveDSN picks the dialect and driver-level data source for dsn.
func resolveDSN(dsn string) (dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return dialect{}, "", fmt.Errorf("empty document store DSN")
	}
	scheme := ""
	if idx := strings.Index(dsn, "://"); idx > 0 {
		scheme = strings.ToLower(dsn[:idx])
	}
	switch scheme {
	case "postgres", "postgresql":
		return postgresDialect, dsn, nil
	case "memory", "mem":
		return sqliteDialect, fmt.Sprintf("file:docstore-%s?mode=memory&cache=shared", uuid.NewString()), nil
	case "sqlite", "sqlite3":
		parsed, err := url.Parse(dsn)
		if err != nil {
			return dialect{}, "", fmt.Errorf("parse sqlite DSN: %w", err)
		}
		path := parsed.Host + parsed.Path
		if path == "" {
			return dialect{}, "", fmt.Errorf("sqlite DSN %q has no path", dsn)
		}
		return sqliteDialect, path, nil
	case "":
		return sqliteDialect, dsn, nil
	default:
		return dialect{}, "", fmt.Errorf("unsupported document store scheme: %s", scheme)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect names the SQL engine backing the store ("sqlite" or "postgres").
func (s *Store) Dialect() string {
	return s.dialect.name
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.q(query), args...)
}

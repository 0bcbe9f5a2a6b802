package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent DocStore backing a durable session, per
// spec §5 ("persisted sessions keep their registry on disk"). Each record
// is stored as a JSON document keyed by canonical path, mirroring the
// teacher's document-store veneer rather than a normalized schema — the
// registry itself is the only reader/writer of the blob's shape.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the modules table at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite store: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS modules (
		path TEXT PRIMARY KEY,
		doc  TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create modules table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) FindAll(ctx context.Context) ([]ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM modules`)
	if err != nil {
		return nil, fmt.Errorf("registry: query modules: %w", err)
	}
	defer rows.Close()

	var out []ModuleRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("registry: scan module row: %w", err)
		}
		var rec ModuleRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("registry: decode module row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate modules: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) FindByPath(ctx context.Context, path string) (ModuleRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM modules WHERE path = ?`, path)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return ModuleRecord{}, false, nil
		}
		return ModuleRecord{}, false, fmt.Errorf("registry: query module by path: %w", err)
	}

	var rec ModuleRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return ModuleRecord{}, false, fmt.Errorf("registry: decode module: %w", err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec ModuleRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode module: %w", err)
	}

	const stmt = `INSERT INTO modules (path, doc) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET doc = excluded.doc`
	if _, err := s.db.ExecContext(ctx, stmt, rec.Path, string(doc)); err != nil {
		return fmt.Errorf("registry: upsert module: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveByPath(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE path = ?`, path); err != nil {
		return fmt.Errorf("registry: delete module: %w", err)
	}
	return nil
}

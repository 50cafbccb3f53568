package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteBlobPageSize bounds how much of a blob sqliteBlobReader pulls into
// memory per Read: database/sql gives no portable incremental-blob-I/O API,
// so GetReader pages through the row with SUBSTR instead of loading it whole.
const sqliteBlobPageSize = 256 * 1024

const objectSchemaDDL = `
CREATE TABLE IF NOT EXISTS objects (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// SQLiteStore is the default embedded object store backend, used when no
// external object storage is configured.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite object store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=10000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(objectSchemaDDL); err != nil {
		return nil, fmt.Errorf("apply object store schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (key, data, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

// sqliteBlobReader streams one object's bytes out in sqliteBlobPageSize
// pages via repeated SUBSTR queries, so a caller reading a multi-hundred
// megabyte source document never forces the whole blob into a single []byte.
type sqliteBlobReader struct {
	ctx    context.Context
	db     *sql.DB
	key    string
	offset int64
	length int64
	page   []byte
}

func (r *sqliteBlobReader) Read(p []byte) (int, error) {
	if len(r.page) == 0 {
		if r.offset >= r.length {
			return 0, io.EOF
		}
		n := int64(sqliteBlobPageSize)
		if r.offset+n > r.length {
			n = r.length - r.offset
		}
		var page []byte
		err := r.db.QueryRowContext(r.ctx,
			`SELECT substr(data, ?, ?) FROM objects WHERE key = ?`,
			r.offset+1, n, r.key).Scan(&page)
		if err != nil {
			return 0, fmt.Errorf("read object %s at offset %d: %w", r.key, r.offset, err)
		}
		if len(page) == 0 {
			return 0, io.EOF
		}
		r.page = page
		r.offset += int64(len(page))
	}
	n := copy(p, r.page)
	r.page = r.page[n:]
	return n, nil
}

func (r *sqliteBlobReader) Close() error { return nil }

func (s *SQLiteStore) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	var length int64
	err := s.db.QueryRowContext(ctx, `SELECT length(data) FROM objects WHERE key = ?`, key).Scan(&length)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return &sqliteBlobReader{ctx: ctx, db: s.db, key: key, length: length}, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE key = ?`, key).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check object %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]string, error) {
	escaped := strings.ReplaceAll(prefix, "%", "\\%")
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM objects WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escaped+"%")
	if err != nil {
		return nil, fmt.Errorf("list objects with prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan object key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS files (
		location   INTEGER NOT NULL,
		path       TEXT NOT NULL,
		data       BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (location, path)
	)`,
}

// SQLite is a Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) a SQLite database at path and runs
// migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migration")
		}
	}
	return nil
}

// Read implements Store.
func (s *SQLite) Read(ctx context.Context, loc Location, path string) ([]byte, error) {
	if err := CheckPath(loc, path); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM files WHERE location = ? AND path = ?`, int(loc), path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(loc, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s:%s", loc, path)
	}
	return data, nil
}

// Write implements Store.
func (s *SQLite) Write(ctx context.Context, loc Location, path string, data []byte) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (location, path, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (location, path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		int(loc), path, data, time.Now().UTC().Format(time.RFC3339))
	return errors.Wrapf(err, "write %s:%s", loc, path)
}

// Remove implements Store.
func (s *SQLite) Remove(ctx context.Context, loc Location, path string) error {
	if err := CheckPath(loc, path); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE location = ? AND path = ?`, int(loc), path)
	if err != nil {
		return errors.Wrapf(err, "remove %s:%s", loc, path)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "remove %s:%s", loc, path)
	}
	if n == 0 {
		return notFound(loc, path)
	}
	return nil
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, loc Location, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM files WHERE location = ? ORDER BY path`, int(loc))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s:%s", loc, prefix)
	}
	defer rows.Close() //nolint:errcheck

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, errors.Wrap(err, "scan path")
		}
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	return paths, errors.Wrap(rows.Err(), "list rows")
}

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }

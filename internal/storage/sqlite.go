package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Store using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for in-memory database, or a file path for persistent storage.
func NewSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY and keeps
	// ":memory:" databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set synchronous: %w", err)
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			repo_key TEXT NOT NULL,
			commit_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_records_repo_commit ON records(repo_key, commit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_repo_timestamp ON records(repo_key, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Upsert(ctx context.Context, repoKey, commitID string, timestamp int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (repo_key, commit_id, timestamp, status)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (repo_key, commit_id) DO UPDATE
		 SET timestamp = excluded.timestamp, status = excluded.status`,
		repoKey, commitID, timestamp, status)
	if err != nil {
		return wrap("upsert record", err)
	}
	return nil
}

func (s *SQLiteStorage) Query(ctx context.Context, repoKey string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT repo_key, commit_id, timestamp, status FROM records
		 WHERE repo_key = ? ORDER BY timestamp ASC, seq ASC`, repoKey)
	if err != nil {
		return nil, wrap("query records", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r := &Record{}
		if err := rows.Scan(&r.RepoKey, &r.CommitID, &r.Timestamp, &r.Status); err != nil {
			return nil, wrap("scan record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query records", err)
	}
	return records, nil
}

func (s *SQLiteStorage) ListRepos(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT repo_key FROM records ORDER BY repo_key`)
	if err != nil {
		return nil, wrap("list repos", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrap("scan repo key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list repos", err)
	}
	return keys, nil
}

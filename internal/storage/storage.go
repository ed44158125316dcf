package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStorage marks failures of the backing medium. Callers must surface
	// these as server errors rather than dropping the write.
	ErrStorage = errors.New("storage failure")
)

// Store defines the interface for build record persistence.
type Store interface {
	// Upsert inserts a record, or overwrites status and timestamp of the
	// existing record with the same repo key and commit id.
	Upsert(ctx context.Context, repoKey, commitID string, timestamp int64, status string) error

	// Query returns every record for repoKey ordered by ascending timestamp.
	// Records with equal timestamps keep insertion order.
	Query(ctx context.Context, repoKey string) ([]*Record, error)

	// ListRepos returns the distinct repo keys that have records, sorted.
	ListRepos(ctx context.Context) ([]string, error)

	// Lifecycle
	Close() error
}

// Record is a single build result for a repository.
type Record struct {
	RepoKey   string // "org/repo"
	CommitID  string
	Timestamp int64 // Unix seconds, supplied by the submitter
	Status    string
}

// RepoKey builds the canonical key for an org/repo pair.
func RepoKey(org, repo string) string {
	return org + "/" + repo
}

// Open opens the store identified by dsn. Postgres URLs select the Postgres
// backend; anything else is treated as a SQLite path (or ":memory:").
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("storage location is empty")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewSQLite(dsn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Package resolver turns a repository's stored records into its current
// badge status and its history.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"github.com/ivotron/popper-badge-server/internal/cache"
	"github.com/ivotron/popper-badge-server/internal/status"
	"github.com/ivotron/popper-badge-server/internal/storage"
)

// Current is the record that decides a repository's badge.
type Current struct {
	Status    status.Status
	Raw       string // status string as submitted
	CommitID  string
	Timestamp int64
	Found     bool // false when the repository has no records
}

// LastModified returns the timestamp of the current record, or the Unix
// epoch when there is none.
func (c Current) LastModified() time.Time {
	if !c.Found {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(c.Timestamp, 0).UTC()
}

// Descriptor returns the badge descriptor for c.
func (c Current) Descriptor() status.Descriptor {
	return status.Describe(c.Status)
}

// Entry is one history item. The repo key is not included.
type Entry struct {
	CommitID  string
	Status    string
	Timestamp int64
}

// Resolver reads records and picks the current status.
type Resolver struct {
	store storage.Store
	cache cache.Cache
	log   *slog.Logger
}

// New creates a resolver. A nil cache disables caching.
func New(store storage.Store, c cache.Cache, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, cache: c, log: log}
}

// Resolve returns the latest record by timestamp for repoKey.
func (r *Resolver) Resolve(ctx context.Context, repoKey string) (Current, error) {
	// The version is read before the store so a write that lands during the
	// query invalidates this fill.
	fill := false
	var version uint64
	if r.cache != nil {
		e, ok, err := r.cache.Get(ctx, repoKey)
		if err != nil {
			r.log.Warn("status cache read failed", "repo", repoKey, "error", err)
		} else if ok {
			return fromEntry(e), nil
		}
		if version, err = r.cache.Version(ctx, repoKey); err != nil {
			r.log.Warn("status cache version read failed", "repo", repoKey, "error", err)
		} else {
			fill = true
		}
	}

	records, err := r.store.Query(ctx, repoKey)
	if err != nil {
		return Current{}, err
	}

	var cur Current
	if len(records) > 0 {
		last := records[len(records)-1]
		cur = Current{
			Status:    status.Parse(last.Status),
			Raw:       last.Status,
			CommitID:  last.CommitID,
			Timestamp: last.Timestamp,
			Found:     true,
		}
	} else {
		cur = Current{Status: status.Undefined}
	}

	if fill {
		stored, err := r.cache.Fill(ctx, repoKey, version, toEntry(cur))
		if err != nil {
			r.log.Warn("status cache write failed", "repo", repoKey, "error", err)
		} else if !stored {
			r.log.Debug("discarded stale status cache fill", "repo", repoKey)
		}
	}
	return cur, nil
}

// CurrentStatus returns the status of the latest record, or Undefined.
func (r *Resolver) CurrentStatus(ctx context.Context, repoKey string) (status.Status, error) {
	cur, err := r.Resolve(ctx, repoKey)
	if err != nil {
		return status.Undefined, err
	}
	return cur.Status, nil
}

// LastModified returns the timestamp of the record CurrentStatus uses.
func (r *Resolver) LastModified(ctx context.Context, repoKey string) (time.Time, error) {
	cur, err := r.Resolve(ctx, repoKey)
	if err != nil {
		return time.Time{}, err
	}
	return cur.LastModified(), nil
}

// RenderBadge maps a status to its descriptor.
func (r *Resolver) RenderBadge(s status.Status) status.Descriptor {
	return status.Describe(s)
}

// History returns every record for repoKey in ascending timestamp order.
func (r *Resolver) History(ctx context.Context, repoKey string) ([]Entry, error) {
	records, err := r.store.Query(ctx, repoKey)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(records))
	for i, rec := range records {
		entries[i] = Entry{
			CommitID:  rec.CommitID,
			Status:    rec.Status,
			Timestamp: rec.Timestamp,
		}
	}
	return entries, nil
}

// Invalidate drops any cached status for repoKey. Called after writes.
func (r *Resolver) Invalidate(ctx context.Context, repoKey string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, repoKey); err != nil {
		r.log.Warn("status cache invalidate failed", "repo", repoKey, "error", err)
	}
}

func toEntry(c Current) cache.Entry {
	return cache.Entry{
		Found:     c.Found,
		CommitID:  c.CommitID,
		Status:    c.Raw,
		Timestamp: c.Timestamp,
	}
}

func fromEntry(e cache.Entry) Current {
	return Current{
		Status:    status.Parse(e.Status),
		Raw:       e.Status,
		CommitID:  e.CommitID,
		Timestamp: e.Timestamp,
		Found:     e.Found,
	}
}

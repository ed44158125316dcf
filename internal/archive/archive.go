// Package archive exports repository history as gzipped NDJSON snapshots,
// either to a local directory or to an S3-compatible bucket.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ivotron/popper-badge-server/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Line is one NDJSON entry in a snapshot.
type Line struct {
	Repo      string `json:"repo"`
	CommitID  string `json:"commit_id"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Sink stores a finished snapshot object.
type Sink interface {
	Put(ctx context.Context, name string, body []byte) error
}

// Summary reports what an export wrote.
type Summary struct {
	Repos   int
	Records int
}

// Exporter writes store contents to a Sink.
type Exporter struct {
	store storage.Store
	sink  Sink
	log   *slog.Logger
}

// NewExporter creates an exporter.
func NewExporter(store storage.Store, sink Sink, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{store: store, sink: sink, log: log}
}

// ObjectName returns the snapshot name for repoKey.
func ObjectName(repoKey string) string {
	return "records/" + repoKey + ".ndjson.gz"
}

// ExportRepo writes one repository's history and returns the record count.
func (e *Exporter) ExportRepo(ctx context.Context, repoKey string) (int, error) {
	records, err := e.store.Query(ctx, repoKey)
	if err != nil {
		return 0, err
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	enc := json.NewEncoder(gw)
	for _, r := range records {
		line := Line{
			Repo:      r.RepoKey,
			CommitID:  r.CommitID,
			Status:    r.Status,
			Timestamp: r.Timestamp,
		}
		if err := enc.Encode(line); err != nil {
			return 0, fmt.Errorf("encode record: %w", err)
		}
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("gzip close: %w", err)
	}

	name := ObjectName(repoKey)
	if err := e.sink.Put(ctx, name, compressed.Bytes()); err != nil {
		return 0, fmt.Errorf("put %s: %w", name, err)
	}

	e.log.Debug("exported repo history", "repo", repoKey, "records", len(records),
		"compressed_size", compressed.Len())
	return len(records), nil
}

// exportConcurrency bounds parallel repo exports.
const exportConcurrency = 4

// ExportAll exports every repository the store knows about.
func (e *Exporter) ExportAll(ctx context.Context) (Summary, error) {
	keys, err := e.store.ListRepos(ctx)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			n, err := e.ExportRepo(ctx, key)
			if err != nil {
				return fmt.Errorf("export %s: %w", key, err)
			}
			mu.Lock()
			sum.Repos++
			sum.Records += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	e.log.Info("export complete", "repos", sum.Repos, "records", sum.Records)
	return sum, nil
}

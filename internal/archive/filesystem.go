package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilesystemSink writes snapshots under a directory.
type FilesystemSink struct {
	dir string
}

// NewFilesystemSink creates the directory if needed.
func NewFilesystemSink(dir string) (*FilesystemSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &FilesystemSink{dir: dir}, nil
}

// Put writes body to dir/name via a temp file and rename, so a reader
// never sees a half-written snapshot.
func (s *FilesystemSink) Put(ctx context.Context, name string, body []byte) error {
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

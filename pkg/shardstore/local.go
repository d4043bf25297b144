package shardstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore reads shards directly from a flat directory on disk. It
// requires no cache of its own — the filesystem already is the durable
// store — and always reports RangeStatusFull from GetRange since a local
// *os.File can seek for free; the reassembler slices in-process.
type LocalStore struct {
	dir string
}

// NewLocalStore returns a Store backed by the flat directory at dir.
func NewLocalStore(dir string) *LocalStore { return &LocalStore{dir: dir} }

func (s *LocalStore) path(shardName string) string { return filepath.Join(s.dir, shardName) }

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, shardName string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(shardName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}

		return nil, 0, fmt.Errorf("shardstore: local: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, fmt.Errorf("shardstore: local: stat: %w", err)
	}

	return f, fi.Size(), nil
}

// GetRange implements Store. Local reads never need partial HTTP semantics:
// the file is opened and handed back whole, with RangeStatusFull telling
// the caller to slice it in-process (cheap: it's already a local seek).
func (s *LocalStore) GetRange(ctx context.Context, shardName string, _, _ int64) (io.ReadCloser, RangeStatus, int64, error) {
	body, size, err := s.Get(ctx, shardName)

	return body, RangeStatusFull, size, err
}

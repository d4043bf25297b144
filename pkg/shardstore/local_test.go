package shardstore_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardcast/shardcast/pkg/shardstore"
)

func TestLocalStoreGet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.shard.000"), []byte("hello world"), 0o644))

	s := shardstore.NewLocalStore(dir)

	body, size, err := s.Get(context.Background(), "a.shard.000")
	require.NoError(t, err)
	defer body.Close()

	require.EqualValues(t, 11, size)

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestLocalStoreGetMissing(t *testing.T) {
	s := shardstore.NewLocalStore(t.TempDir())

	_, _, err := s.Get(context.Background(), "missing.shard")
	require.ErrorIs(t, err, shardstore.ErrNotFound)
}

func TestLocalStoreGetRangeReportsFull(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.shard.000"), []byte("0123456789"), 0o644))

	s := shardstore.NewLocalStore(dir)

	body, status, size, err := s.GetRange(context.Background(), "a.shard.000", 2, 5)
	require.NoError(t, err)
	defer body.Close()

	require.Equal(t, shardstore.RangeStatusFull, status)
	require.EqualValues(t, 10, size)
}

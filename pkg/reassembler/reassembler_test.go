package reassembler_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/reassembler"
	"github.com/shardcast/shardcast/pkg/shardstore"
)

func unshardedEntry() filemap.FileEntry {
	return filemap.FileEntry{Size: 6, SHA256: "x", CDNFile: "whole.bin"}
}

func shardedEntry() filemap.FileEntry {
	return filemap.FileEntry{
		Size:   10,
		SHA256: "x",
		Shards: []filemap.Shard{
			{File: "a.shard.000", Offset: 0, Size: 4, SHA256: "s0"},
			{File: "a.shard.001", Offset: 4, Size: 4, SHA256: "s1"},
			{File: "a.shard.002", Offset: 8, Size: 2, SHA256: "s2"},
		},
	}
}

func TestReadFullUnsharded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "whole.bin", "abcdef")

	store := shardstore.NewLocalStore(dir)

	body, err := reassembler.ReadFull(context.Background(), store, unshardedEntry())
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got))
}

func TestReadFullSharded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.shard.000", "abcd")
	writeFile(t, dir, "a.shard.001", "efgh")
	writeFile(t, dir, "a.shard.002", "ij")

	store := shardstore.NewLocalStore(dir)

	body, err := reassembler.ReadFull(context.Background(), store, shardedEntry())
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "abcdefghij", string(got))
}

func TestReadRangeWithinSingleShard(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.shard.000", "abcd")
	writeFile(t, dir, "a.shard.001", "efgh")
	writeFile(t, dir, "a.shard.002", "ij")

	store := shardstore.NewLocalStore(dir)

	got, status, err := reassembler.ReadRange(context.Background(), store, shardedEntry(), 5, 6)
	require.NoError(t, err)
	require.Equal(t, reassembler.StatusPartial, status)
	require.Equal(t, "fg", string(got))
}

func TestReadRangeSpanningShards(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.shard.000", "abcd")
	writeFile(t, dir, "a.shard.001", "efgh")
	writeFile(t, dir, "a.shard.002", "ij")

	store := shardstore.NewLocalStore(dir)

	got, status, err := reassembler.ReadRange(context.Background(), store, shardedEntry(), 2, 9)
	require.NoError(t, err)
	require.Equal(t, reassembler.StatusPartial, status)
	require.Equal(t, "cdefghij", string(got))
}

func TestReadRangeFullIsStatus200(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "whole.bin", "abcdef")

	store := shardstore.NewLocalStore(dir)

	got, status, err := reassembler.ReadRange(context.Background(), store, unshardedEntry(), 0, 5)
	require.NoError(t, err)
	require.Equal(t, reassembler.StatusFull, status)
	require.Equal(t, "abcdef", string(got))
}

func TestReadRangeNotSatisfiable(t *testing.T) {
	dir := t.TempDir()
	store := shardstore.NewLocalStore(dir)

	_, _, err := reassembler.ReadRange(context.Background(), store, unshardedEntry(), 6, 10)
	require.ErrorIs(t, err, reassembler.ErrRangeNotSatisfiable)
}

func TestReadRangeInvalid(t *testing.T) {
	dir := t.TempDir()
	store := shardstore.NewLocalStore(dir)

	_, _, err := reassembler.ReadRange(context.Background(), store, unshardedEntry(), 4, 2)
	require.ErrorIs(t, err, reassembler.ErrInvalidRange)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

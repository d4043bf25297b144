package resolver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/resolver"
)

func writeLocalSource(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "whole.bin"), []byte("abcdef"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.shard.000"), []byte("0123"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.shard.001"), []byte("456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "literal.txt"), []byte("literal"), 0o644))

	fm := filemap.New()
	fm.Files["whole.bin"] = filemap.FileEntry{Size: 6, SHA256: "w", CDNFile: "whole.bin"}
	fm.Files["sharded.bin"] = filemap.FileEntry{
		Size:   10,
		SHA256: "s",
		Shards: []filemap.Shard{
			{File: "a.shard.000", Offset: 0, Size: 4, SHA256: "s0"},
			{File: "a.shard.001", Offset: 4, Size: 6, SHA256: "s1"},
		},
	}
	fm.Manifests = map[string]filemap.Manifest{
		"all": {Files: []string{"whole.bin", "sharded.bin"}, Size: 16},
	}

	raw, err := json.Marshal(fm)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filemap.json"), raw, 0o644))

	return dir
}

func newTestResolver(t *testing.T, localBase string) *resolver.Resolver {
	t.Helper()

	r := resolver.New(zerolog.Nop(), http.DefaultClient, t.TempDir(), nil, nil)
	r.Init(context.Background(), []resolver.Source{
		{PathPrefix: "/models/x", LocalBase: localBase},
	})

	require.Eventually(t, func() bool {
		return r.Status().FilemapsLoaded != nil
	}, time.Second, 5*time.Millisecond)

	return r
}

func TestResolveUnshardedFull(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/models/x/whole.bin", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(data))
}

func TestResolveShardedFull(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/models/x/sharded.bin", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
}

func TestResolveShardedRange(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/models/x/sharded.bin", "bytes=2-6")
	require.NoError(t, err)
	require.Equal(t, http.StatusPartialContent, resp.Status)
	require.Equal(t, "bytes 2-6/10", resp.ContentRange)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "23456", string(data))
}

func TestResolveRangeNotSatisfiable(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/models/x/whole.bin", "bytes=100-200")
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.Status)
}

func TestResolveUnmappedLocalLiteral(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/models/x/literal.txt", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "literal", string(data))
}

func TestResolveUnmappedLocalMissing404(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/models/x/does-not-exist.bin", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestResolveNoMatchingSource404(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	resp, err := r.Resolve(context.Background(), "/unregistered/whole.bin", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.Status)
}

func TestClearCacheDropsFilemap(t *testing.T) {
	r := newTestResolver(t, writeLocalSource(t))

	require.NoError(t, r.ClearCache(context.Background()))

	status := r.Status()
	require.Empty(t, status.FilemapsLoaded)

	// A subsequent resolve re-loads the filemap transparently.
	resp, err := r.Resolve(context.Background(), "/models/x/whole.bin", "")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
}

package shardstore_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shardcast/shardcast/pkg/shardstore"
)

func TestRemoteStoreGetCachesOnDisk(t *testing.T) {
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("shard-bytes"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	s := shardstore.NewRemoteStore(zerolog.Nop(), srv.Client(), srv.URL, cacheDir)

	body, _, err := s.Get(context.Background(), "a.shard.000")
	require.NoError(t, err)

	got, err := io.ReadAll(body)
	body.Close()
	require.NoError(t, err)
	require.Equal(t, "shard-bytes", string(got))

	// Second call must be served from the local cache, not the origin.
	body2, _, err := s.Get(context.Background(), "a.shard.000")
	require.NoError(t, err)

	got2, err := io.ReadAll(body2)
	body2.Close()
	require.NoError(t, err)
	require.Equal(t, "shard-bytes", string(got2))

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestRemoteStoreGetRetriesOnFailure(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := shardstore.NewRemoteStore(zerolog.Nop(), srv.Client(), srv.URL, t.TempDir())

	body, _, err := s.Get(context.Background(), "a.shard.000")
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(got))
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestRemoteStoreGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := shardstore.NewRemoteStore(zerolog.Nop(), srv.Client(), srv.URL, t.TempDir())

	_, _, err := s.Get(context.Background(), "missing.shard")
	require.ErrorIs(t, err, shardstore.ErrNotFound)
}

func TestRemoteStoreGetRangeHonored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte("BC"))

			return
		}

		w.Write([]byte("ABCDEF"))
	}))
	defer srv.Close()

	s := shardstore.NewRemoteStore(zerolog.Nop(), srv.Client(), srv.URL, t.TempDir())

	body, status, _, err := s.GetRange(context.Background(), "a.shard.000", 1, 2)
	require.NoError(t, err)
	defer body.Close()

	require.Equal(t, shardstore.RangeStatusPartial, status)

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "BC", string(got))
}

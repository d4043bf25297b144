package dedup_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardcast/shardcast/pkg/dedup"
	"github.com/shardcast/shardcast/pkg/shardstore"
)

// countingStore wraps a LocalStore and counts calls to Get, to verify
// coalescing behavior.
type countingStore struct {
	*shardstore.LocalStore
	gets int32
}

func (c *countingStore) Get(ctx context.Context, shardName string) (io.ReadCloser, int64, error) {
	atomic.AddInt32(&c.gets, 1)
	time.Sleep(10 * time.Millisecond) // widen the coalescing window

	return c.LocalStore.Get(ctx, shardName)
}

func TestDeduperCoalescesConcurrentGets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.shard.000"), []byte("payload"), 0o644))

	inner := &countingStore{LocalStore: shardstore.NewLocalStore(dir)}
	d := dedup.New(inner, nil)

	var wg sync.WaitGroup

	results := make([]string, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()

			body, _, err := d.Get(context.Background(), "a.shard.000")
			require.NoError(t, err)
			defer body.Close()

			data, err := io.ReadAll(body)
			require.NoError(t, err)
			results[idx] = string(data)
		}(i)
	}

	wg.Wait()

	for _, r := range results {
		require.Equal(t, "payload", r)
	}

	require.LessOrEqual(t, atomic.LoadInt32(&inner.gets), int32(2))
}

func TestDeduperGetRange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.shard.000"), []byte("0123456789"), 0o644))

	d := dedup.New(shardstore.NewLocalStore(dir), nil)

	body, status, size, err := d.GetRange(context.Background(), "a.shard.000", 2, 5)
	require.NoError(t, err)
	defer body.Close()

	require.Equal(t, shardstore.RangeStatusFull, status)
	require.EqualValues(t, 10, size)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
}

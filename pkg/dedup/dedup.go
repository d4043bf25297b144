// Package dedup coalesces concurrent requests for the same shard into a
// single in-flight fetch, per spec §4.F. It wraps a shardstore.Store and
// implements the same interface, so it composes transparently wherever a
// Store is expected.
package dedup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shardcast/shardcast/pkg/lock"
	"github.com/shardcast/shardcast/pkg/shardstore"
)

// distLockTTL bounds how long a distributed dedup lock may be held before
// it is considered abandoned and released by Redis itself, in case a
// holder crashes mid-fetch.
const distLockTTL = 30 * time.Second

// Deduper wraps a shardstore.Store so that concurrent Get/GetRange calls
// for the same key collapse into one fetch against the wrapped store. The
// wrapped store's own write-through cache remains the source of truth
// after a successful fetch; Deduper only prevents redundant concurrent
// flight, it does not cache anything itself.
type Deduper struct {
	inner shardstore.Store
	group singleflight.Group

	// dist, when set, additionally serializes fetches across process
	// replicas sharing the same backing store (e.g. several resolver
	// instances behind a load balancer writing into a shared S3 bucket or
	// NFS-mounted cache directory). It is a supplemental tier: in-process
	// coalescing via group above is always active and sufficient for a
	// single instance.
	dist lock.Locker
}

// New returns a Deduper wrapping store. dist may be nil, in which case
// only in-process coalescing is performed.
func New(store shardstore.Store, dist lock.Locker) *Deduper {
	return &Deduper{inner: store, dist: dist}
}

type result struct {
	data []byte
	size int64
}

// Get implements shardstore.Store.
func (d *Deduper) Get(ctx context.Context, shardName string) (io.ReadCloser, int64, error) {
	v, err, _ := d.group.Do("get:"+shardName, func() (interface{}, error) {
		return d.fetchWhole(ctx, shardName)
	})
	if err != nil {
		return nil, 0, err
	}

	res := v.(result)

	// Every awaiter — including the caller that actually performed the
	// fetch — gets its own reader over an independent copy of the bytes,
	// since singleflight.Group hands the same value to all callers and an
	// io.Reader is stateful.
	return io.NopCloser(bytes.NewReader(bytes.Clone(res.data))), res.size, nil
}

// GetRange implements shardstore.Store. Identical concurrent range
// requests for the same shard and byte range are coalesced the same way
// whole-shard fetches are; differing ranges are not deduplicated against
// each other, since the wrapped store's own cache already avoids most
// redundant network work once any range or whole fetch has landed the
// shard on disk.
func (d *Deduper) GetRange(
	ctx context.Context, shardName string, start, end int64,
) (io.ReadCloser, shardstore.RangeStatus, int64, error) {
	key := fmt.Sprintf("range:%s:%d:%d", shardName, start, end)

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return d.fetchRange(ctx, shardName, start, end)
	})
	if err != nil {
		return nil, 0, 0, err
	}

	res := v.(rangeResult)

	return io.NopCloser(bytes.NewReader(res.data)), res.status, res.size, nil
}

type rangeResult struct {
	data   []byte
	status shardstore.RangeStatus
	size   int64
}

func (d *Deduper) fetchWhole(ctx context.Context, shardName string) (interface{}, error) {
	if d.dist != nil {
		key := "shard:" + shardName

		if err := d.dist.Lock(ctx, key, distLockTTL); err != nil {
			return nil, fmt.Errorf("dedup: acquiring distributed lock for %s: %w", shardName, err)
		}
		defer d.dist.Unlock(ctx, key)
	}

	body, size, err := d.inner.Get(ctx, shardName)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("dedup: reading shard %s: %w", shardName, err)
	}

	return result{data: data, size: size}, nil
}

func (d *Deduper) fetchRange(ctx context.Context, shardName string, start, end int64) (interface{}, error) {
	if d.dist != nil {
		key := fmt.Sprintf("shard:%s:%d:%d", shardName, start, end)

		if err := d.dist.Lock(ctx, key, distLockTTL); err != nil {
			return nil, fmt.Errorf("dedup: acquiring distributed lock for %s: %w", shardName, err)
		}
		defer d.dist.Unlock(ctx, key)
	}

	body, status, size, err := d.inner.GetRange(ctx, shardName, start, end)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("dedup: reading shard range %s: %w", shardName, err)
	}

	return rangeResult{data: data, status: status, size: size}, nil
}

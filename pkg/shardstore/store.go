// Package shardstore implements content-addressed byte storage for shards:
// a local flat directory, a remote CDN namespace reached over HTTP, and an
// S3-compatible object store, the last two fronted by a write-through local
// cache.
package shardstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a shard does not exist at the source.
var ErrNotFound = errors.New("shardstore: shard not found")

// ErrRangeNotSupported reports a backend that cannot service partial reads.
// The stores in this package do not return it: their GetRange answers with
// RangeStatusFull and the whole shard instead.
var ErrRangeNotSupported = errors.New("shardstore: backend does not support range reads")

// RangeStatus mirrors the status an HTTP-shaped range read resolved to.
type RangeStatus int

const (
	// RangeStatusFull indicates the backend returned (or could only
	// return) the entire shard; the caller must slice the range itself
	// and may cache the full body for later reuse.
	RangeStatusFull RangeStatus = iota

	// RangeStatusPartial indicates the backend honored the byte range
	// itself; the returned body already covers exactly [start, end].
	RangeStatusPartial
)

// Store reads shard bytes from a single backing (local directory, remote
// CDN, or S3 bucket) for one source.
type Store interface {
	// Get returns the full contents of shardName. The caller must close
	// the returned ReadCloser. Implementations that sit behind a
	// write-through cache populate it on a successful remote fetch.
	Get(ctx context.Context, shardName string) (body io.ReadCloser, size int64, err error)

	// GetRange returns bytes covering [start, end] (inclusive) of
	// shardName where possible. Implementations that cannot service a
	// partial read return RangeStatusFull with the entire shard body
	// instead of erroring, per spec §4.D.
	GetRange(ctx context.Context, shardName string, start, end int64) (body io.ReadCloser, status RangeStatus, size int64, err error)
}

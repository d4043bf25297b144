// Package reassembler produces the exact bytes of a logical file — or a
// byte range of it — from a filemap entry and the shard store backing its
// source, per spec §4.D.
package reassembler

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/shardstore"
)

// ErrInvalidRange is returned when start > end, or either is negative.
var ErrInvalidRange = errors.New("reassembler: invalid range")

// ErrRangeNotSatisfiable corresponds to HTTP 416: start is at or beyond the
// logical file size.
var ErrRangeNotSatisfiable = errors.New("reassembler: range not satisfiable")

// Status mirrors the HTTP status a read resolved to, per spec §4.D/§6.4.
type Status int

const (
	StatusFull    Status = 200
	StatusPartial Status = 206
)

// ReadFull returns a lazy, finite, non-restartable sequence of shard-sized
// byte buffers concatenating to the reassembled logical file. The reader
// never materializes the whole file in memory up front.
func ReadFull(ctx context.Context, store shardstore.Store, entry filemap.FileEntry) (io.ReadCloser, error) {
	if !entry.Sharded() {
		body, _, err := store.Get(ctx, entry.CDNFile)
		if err != nil {
			return nil, fmt.Errorf("reassembler: %w", err)
		}

		return body, nil
	}

	return &shardSequenceReader{ctx: ctx, store: store, shards: entry.Shards}, nil
}

// shardSequenceReader opens one shard at a time, reading it to exhaustion
// before opening the next. It is not safe for concurrent use and cannot be
// rewound.
type shardSequenceReader struct {
	ctx    context.Context
	store  shardstore.Store
	shards []filemap.Shard

	idx     int
	current io.ReadCloser
}

func (r *shardSequenceReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.shards) {
				return 0, io.EOF
			}

			body, _, err := r.store.Get(r.ctx, r.shards[r.idx].File)
			if err != nil {
				return 0, fmt.Errorf("reassembler: fetching shard %s: %w", r.shards[r.idx].File, err)
			}

			r.current = body
			r.idx++
		}

		n, err := r.current.Read(p)
		if errors.Is(err, io.EOF) {
			r.current.Close()
			r.current = nil

			if n > 0 {
				return n, nil
			}

			continue
		}

		return n, err
	}
}

func (r *shardSequenceReader) Close() error {
	if r.current != nil {
		return r.current.Close()
	}

	return nil
}

// ReadRange returns the bytes covering [start, end] (inclusive) of entry,
// and the HTTP-shaped status the read resolved to. For sharded entries it
// selects the minimal covering prefix-suffix of the shard list; shards
// fully spanned by the range are fetched and cached whole, shards only
// partially covered are range-read directly from the shard store.
func ReadRange(
	ctx context.Context,
	store shardstore.Store,
	entry filemap.FileEntry,
	start, end int64,
) ([]byte, Status, error) {
	if start < 0 || end < start {
		return nil, 0, ErrInvalidRange
	}

	if start >= entry.Size {
		return nil, 0, ErrRangeNotSatisfiable
	}

	if end >= entry.Size {
		end = entry.Size - 1
	}

	status := StatusPartial
	if start == 0 && end == entry.Size-1 {
		status = StatusFull
	}

	if !entry.Sharded() {
		body, _, size, err := store.GetRange(ctx, entry.CDNFile, start, end)
		if err != nil {
			return nil, 0, fmt.Errorf("reassembler: %w", err)
		}
		defer body.Close()

		data, err := readExactly(body, size, start, end)
		if err != nil {
			return nil, 0, err
		}

		return data, status, nil
	}

	out := make([]byte, 0, end-start+1)

	for _, shard := range entry.Shards {
		shardEnd := shard.Offset + shard.Size - 1

		if shardEnd < start || shard.Offset > end {
			continue // shard outside the requested range entirely
		}

		coverStart := max64(start, shard.Offset) - shard.Offset
		coverEnd := min64(end, shardEnd) - shard.Offset

		fullySpanned := coverStart == 0 && coverEnd == shard.Size-1

		var chunk []byte

		if fullySpanned {
			body, _, err := store.Get(ctx, shard.File)
			if err != nil {
				return nil, 0, fmt.Errorf("reassembler: fetching shard %s: %w", shard.File, err)
			}

			chunk, err = io.ReadAll(body)
			body.Close()

			if err != nil {
				return nil, 0, fmt.Errorf("reassembler: reading shard %s: %w", shard.File, err)
			}
		} else {
			body, rangeStatus, size, err := store.GetRange(ctx, shard.File, coverStart, coverEnd)
			if err != nil {
				return nil, 0, fmt.Errorf("reassembler: range-reading shard %s: %w", shard.File, err)
			}

			if rangeStatus == shardstore.RangeStatusFull {
				chunk, err = readExactly(body, size, coverStart, coverEnd)
			} else {
				chunk, err = io.ReadAll(body)
			}
			body.Close()

			if err != nil {
				return nil, 0, err
			}
		}

		out = append(out, chunk...)
	}

	return out, status, nil
}

// readExactly slices [start, end] out of a full-body reader when the
// backend could not (or chose not to) honor a range request itself.
func readExactly(body io.Reader, size, start, end int64) ([]byte, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reassembler: reading body: %w", err)
	}

	if int64(len(raw)) == end-start+1 {
		// The backend already returned exactly the requested slice.
		return raw, nil
	}

	if end >= int64(len(raw)) {
		end = int64(len(raw)) - 1
	}

	if start > end {
		return nil, ErrInvalidRange
	}

	return raw[start : end+1], nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}

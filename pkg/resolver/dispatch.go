package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shardcast/shardcast/pkg/reassembler"
)

// Response is an HTTP-shaped response per spec §6.4, independent of
// whether it is ultimately written to a net/http.ResponseWriter (the HTTP
// server installation) or translated into an *http.Response (the
// RoundTripper installation).
type Response struct {
	Status        int
	ContentLength int64
	ContentRange  string
	AcceptRanges  bool
	Body          io.ReadCloser
}

// Resolve dispatches a single logical read against the registered
// sources. rangeHeader is the raw HTTP Range header value, or "" for a
// full read.
func (r *Resolver) Resolve(ctx context.Context, path, rangeHeader string) (*Response, error) {
	rs, relPath, ok := r.match(path)
	if !ok {
		return &Response{Status: http.StatusNotFound}, nil
	}

	fm, err := r.ensureFilemap(ctx, rs)
	if err != nil {
		return nil, err
	}

	entry, ok := fm.Files[relPath]
	if !ok {
		if rs.src.remote() {
			return r.proxyRemote(ctx, rs, relPath)
		}

		return readLocalLiteral(rs.src.LocalBase, relPath)
	}

	rs.tracker.OnRequest(relPath)
	rs.tracker.OnFetchStart()
	defer rs.tracker.OnFetchEnd()

	if rangeHeader == "" {
		body, err := reassembler.ReadFull(ctx, rs.store, entry)
		if err != nil {
			return nil, fmt.Errorf("resolver: reading %s: %w", relPath, err)
		}

		counted := &countingReadCloser{
			inner: body,
			onRead: func(n int) {
				rs.tracker.OnBytesLoaded(relPath, int64(n))
			},
		}

		return &Response{
			Status:        http.StatusOK,
			ContentLength: entry.Size,
			AcceptRanges:  true,
			Body:          counted,
		}, nil
	}

	start, end, ok := parseRange(rangeHeader, entry.Size)
	if !ok {
		return &Response{
			Status:       http.StatusRequestedRangeNotSatisfiable,
			ContentRange: fmt.Sprintf("bytes */%d", entry.Size),
		}, nil
	}

	data, status, err := reassembler.ReadRange(ctx, rs.store, entry, start, end)

	switch {
	case errors.Is(err, reassembler.ErrRangeNotSatisfiable):
		return &Response{
			Status:       http.StatusRequestedRangeNotSatisfiable,
			ContentRange: fmt.Sprintf("bytes */%d", entry.Size),
		}, nil
	case err != nil:
		return nil, fmt.Errorf("resolver: range-reading %s: %w", relPath, err)
	}

	rs.tracker.OnBytesLoaded(relPath, int64(len(data)))

	httpStatus := http.StatusPartialContent
	if status == reassembler.StatusFull {
		httpStatus = http.StatusOK
	}

	return &Response{
		Status:        httpStatus,
		ContentLength: int64(len(data)),
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", start, end, entry.Size),
		AcceptRanges:  true,
		Body:          io.NopCloser(bytes.NewReader(data)),
	}, nil
}

// proxyRemote forwards an unmapped path under a remote-backed source
// straight to the CDN and rewraps the response body as a fresh,
// same-origin body per spec §4.E/§9's cross-origin-isolation note.
func (r *Resolver) proxyRemote(ctx context.Context, rs *registeredSource, relPath string) (*Response, error) {
	url := strings.TrimRight(rs.src.CDNBase, "/") + "/" + relPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("resolver: building proxy request for %s: %w", relPath, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolver: proxying %s: %w", relPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("resolver: reading proxied body for %s: %w", relPath, err)
	}

	return &Response{
		Status:        resp.StatusCode,
		ContentLength: int64(len(raw)),
		Body:          io.NopCloser(bytes.NewReader(raw)),
	}, nil
}

// countingReadCloser reports bytes as they are read through it, for
// streaming progress accounting on full reads.
type countingReadCloser struct {
	inner  io.ReadCloser
	onRead func(n int)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}

	return n, err
}

func (c *countingReadCloser) Close() error { return c.inner.Close() }

// parseRange parses a single-range "bytes=start-end" header value against
// size, per spec §4.D's readRange preconditions. It returns ok=false for
// any range this resolver cannot satisfy (multi-range specs are rejected,
// matching the spec's single covering-range model).
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="

	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])

	switch {
	case startStr == "" && endStr != "":
		// suffix range: last N bytes
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}

		if n > size {
			n = size
		}

		return size - n, size - 1, true

	case startStr != "":
		s, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || s < 0 {
			return 0, 0, false
		}

		if s >= size {
			return 0, 0, false
		}

		e := size - 1

		if endStr != "" {
			parsedEnd, err := strconv.ParseInt(endStr, 10, 64)
			if err != nil || parsedEnd < s {
				return 0, 0, false
			}

			e = parsedEnd
		}

		return s, e, true

	default:
		return 0, 0, false
	}
}

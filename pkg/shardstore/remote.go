package shardstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/circuitbreaker"
)

const (
	// DefaultRetries is the number of retries attempted on a remote shard
	// fetch before the failure is surfaced to the caller, per spec §4.A.
	DefaultRetries = 3

	// retryBaseDelay is the linear backoff unit: attempt i waits i*retryBaseDelay.
	retryBaseDelay = 1 * time.Second
)

// RemoteStore reads shards over HTTP from a CDN namespace, writing every
// successfully fetched shard through to a local cache directory. Cache
// writes are best-effort: a write failure never fails the call that
// triggered the fetch (spec §7 "Cache I/O error").
type RemoteStore struct {
	cdnBase    string
	cacheDir   string
	httpClient *http.Client
	retries    int
	logger     zerolog.Logger
	breaker    *circuitbreaker.CircuitBreaker
	onCached   func(localPath string, size int64)
}

// NewRemoteStore returns a Store that fetches shardName objects from
// {cdnBase}/{shardName} and caches successful bodies under cacheDir.
func NewRemoteStore(logger zerolog.Logger, httpClient *http.Client, cdnBase, cacheDir string) *RemoteStore {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &RemoteStore{
		cdnBase:    cdnBase,
		cacheDir:   cacheDir,
		httpClient: httpClient,
		retries:    DefaultRetries,
		logger:     logger.With().Str("component", "shardstore.remote").Str("cdnBase", cdnBase).Logger(),
		breaker:    circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}
}

// OnCached registers a callback invoked after a shard is successfully
// written through to the local cache.
func (s *RemoteStore) OnCached(fn func(localPath string, size int64)) { s.onCached = fn }

// cachePath derives the deterministic local cache path for shardName: the
// first 16 hex chars of SHA-256 over the source URL, concatenated with the
// shard basename, per spec §4.A.
func (s *RemoteStore) cachePath(shardName string) string {
	sum := sha256.Sum256([]byte(s.cdnBase))
	prefix := hex.EncodeToString(sum[:])[:16]

	return filepath.Join(s.cacheDir, prefix+"-"+filepath.Base(shardName))
}

// Get implements Store.
func (s *RemoteStore) Get(ctx context.Context, shardName string) (io.ReadCloser, int64, error) {
	if f, size, ok := s.readCache(shardName); ok {
		return f, size, nil
	}

	if !s.breaker.AllowRequest() {
		return nil, 0, fmt.Errorf("shardstore: remote: %w", circuitbreaker.ErrOpen)
	}

	body, size, err := s.fetchWithRetry(ctx, shardName, -1, -1)
	if err != nil {
		s.breaker.RecordFailure()

		return nil, 0, err
	}

	s.breaker.RecordSuccess()

	raw, err := io.ReadAll(body)
	body.Close()

	if err != nil {
		return nil, 0, fmt.Errorf("shardstore: remote: reading body: %w", err)
	}

	s.writeCache(shardName, raw)

	return io.NopCloser(bytes.NewReader(raw)), size, nil
}

// GetRange implements Store.
func (s *RemoteStore) GetRange(
	ctx context.Context,
	shardName string,
	start, end int64,
) (io.ReadCloser, RangeStatus, int64, error) {
	if f, size, ok := s.readCache(shardName); ok {
		return sliceLocal(f, size, start, end)
	}

	if !s.breaker.AllowRequest() {
		return nil, RangeStatusFull, 0, fmt.Errorf("shardstore: remote: %w", circuitbreaker.ErrOpen)
	}

	body, size, err := s.fetchWithRetry(ctx, shardName, start, end)
	if err != nil {
		s.breaker.RecordFailure()

		return nil, RangeStatusFull, 0, err
	}

	s.breaker.RecordSuccess()

	// fetchWithRetry does not report whether the origin answered 200 or
	// 206, so the body length decides: exactly end-start+1 bytes is taken
	// as an honored range.
	raw, err := io.ReadAll(body)
	body.Close()

	if err != nil {
		return nil, RangeStatusFull, 0, fmt.Errorf("shardstore: remote: reading body: %w", err)
	}

	if int64(len(raw)) == end-start+1 {
		return io.NopCloser(bytes.NewReader(raw)), RangeStatusPartial, size, nil
	}

	// Origin ignored the Range header and returned the whole shard: cache
	// it for reuse and let the caller slice in-process.
	s.writeCache(shardName, raw)

	return io.NopCloser(bytes.NewReader(raw)), RangeStatusFull, int64(len(raw)), nil
}

func (s *RemoteStore) fetchWithRetry(ctx context.Context, shardName string, start, end int64) (io.ReadCloser, int64, error) {
	url := s.cdnBase + "/" + shardName

	var lastErr error

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBaseDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("shardstore: remote: building request: %w", err)
		}

		if start >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			s.logger.Warn().Err(err).Int("attempt", attempt).Str("shard", shardName).Msg("shard fetch failed, retrying")

			continue
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
			return resp.Body, resp.ContentLength, nil
		case http.StatusNotFound:
			resp.Body.Close()

			return nil, 0, ErrNotFound
		default:
			resp.Body.Close()

			lastErr = fmt.Errorf("shardstore: remote: %s: unexpected status %d", url, resp.StatusCode)
			s.logger.Warn().Int("attempt", attempt).Str("shard", shardName).Int("status", resp.StatusCode).
				Msg("shard fetch failed, retrying")
		}
	}

	return nil, 0, fmt.Errorf("shardstore: remote: exhausted %d retries: %w", s.retries, lastErr)
}

func (s *RemoteStore) readCache(shardName string) (io.ReadCloser, int64, bool) {
	f, err := os.Open(s.cachePath(shardName))
	if err != nil {
		return nil, 0, false
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, false
	}

	return f, fi.Size(), true
}

func (s *RemoteStore) writeCache(shardName string, raw []byte) {
	if s.cacheDir == "" {
		return
	}

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		s.logger.Warn().Err(err).Msg("error creating shard cache directory")

		return
	}

	path := s.cachePath(shardName)

	tmp, err := os.CreateTemp(s.cacheDir, "shard-*.tmp")
	if err != nil {
		s.logger.Warn().Err(err).Msg("error creating shard cache temp file")

		return
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		s.logger.Warn().Err(err).Msg("error writing shard cache file")

		return
	}

	if err := tmp.Close(); err != nil {
		return
	}

	// Content-addressed keys mean two writers racing here write identical
	// bytes; the rename is tolerated either way.
	if err := os.Rename(tmp.Name(), path); err != nil {
		s.logger.Warn().Err(err).Msg("error installing shard cache file")

		return
	}

	if s.onCached != nil {
		s.onCached(path, int64(len(raw)))
	}
}

// sliceLocal extracts [start, end] from an already-cached shard file
// without re-fetching from the origin.
func sliceLocal(f io.ReadCloser, size, start, end int64) (io.ReadCloser, RangeStatus, int64, error) {
	sr, ok := f.(io.ReadSeeker)
	if !ok {
		return f, RangeStatusFull, size, nil
	}

	if _, err := sr.Seek(start, io.SeekStart); err != nil {
		f.Close()

		return nil, RangeStatusFull, 0, fmt.Errorf("shardstore: remote: seeking cached shard: %w", err)
	}

	return &limitedReadCloser{r: io.LimitReader(sr, end-start+1), c: f}, RangeStatusPartial, end - start + 1, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }



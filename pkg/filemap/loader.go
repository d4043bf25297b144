package filemap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrUnsupportedSource is returned when a source has neither CDNBase nor
// LocalBase set.
var ErrUnsupportedSource = errors.New("filemap: source must set exactly one of cdnBase or localBase")

// Source describes where a filemap (and its shards) live, per spec §3
// "Source registration".
type Source struct {
	// PathPrefix is the logical URL prefix under which reads for this
	// source will appear to the resolver.
	PathPrefix string

	// Exactly one of CDNBase/LocalBase is set.
	CDNBase   string
	LocalBase string

	// Manifest fixes the progress denominator if known in advance.
	Manifest string
}

// Key returns a stable memoization/cache key for the source, independent of
// PathPrefix (two sources with different prefixes but the same backing
// location share a filemap and a disk memo file).
func (s Source) Key() string {
	if s.CDNBase != "" {
		return "cdn:" + s.CDNBase
	}

	return "local:" + s.LocalBase
}

func (s Source) remote() bool { return s.CDNBase != "" }

// Loader fetches and parses filemap documents, memoized per source key. At
// most one fetch is ever in flight for a given key (§4.B); a failed fetch
// clears the memo so a later call retries.
type Loader struct {
	httpClient *http.Client
	diskDir    string // empty disables disk memoization
	logger     zerolog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Filemap
}

// NewLoader returns a Loader. diskDir, if non-empty, is where remote
// filemaps are memoized to disk (one zstd-compressed JSON file per source
// key hash) so a process restart does not re-fetch them.
func NewLoader(logger zerolog.Logger, httpClient *http.Client, diskDir string) *Loader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Loader{
		httpClient: httpClient,
		diskDir:    diskDir,
		logger:     logger.With().Str("component", "filemap.loader").Logger(),
		cache:      make(map[string]*Filemap),
	}
}

// Load returns the filemap for source, fetching and parsing it on first
// call and returning the memoized copy thereafter. Concurrent calls for the
// same source coalesce onto a single fetch.
func (l *Loader) Load(ctx context.Context, src Source) (*Filemap, error) {
	key := src.Key()

	if fm := l.cached(key); fm != nil {
		return fm, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		fm, ferr := l.fetch(ctx, src)
		if ferr != nil {
			return nil, ferr
		}

		l.mu.Lock()
		l.cache[key] = fm
		l.mu.Unlock()

		return fm, nil
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("filemap load failed, memo slot cleared")

		return nil, err
	}

	return v.(*Filemap), nil
}

func (l *Loader) cached(key string) *Filemap {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.cache[key]
}

func (l *Loader) fetch(ctx context.Context, src Source) (*Filemap, error) {
	if fm := l.readDiskMemo(src); fm != nil {
		return fm, nil
	}

	var (
		body io.ReadCloser
		err  error
	)

	switch {
	case src.remote():
		body, err = l.fetchRemote(ctx, src.CDNBase)
	case src.LocalBase != "":
		body, err = l.fetchLocal(src.LocalBase)
	default:
		return nil, ErrUnsupportedSource
	}

	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("filemap: reading document: %w", err)
	}

	fm, err := Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	if src.remote() {
		l.writeDiskMemo(src, raw)
	}

	return fm, nil
}

func (l *Loader) fetchRemote(ctx context.Context, cdnBase string) (io.ReadCloser, error) {
	url := cdnBase + "/filemap.json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("filemap: building request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("filemap: fetching %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, fmt.Errorf("filemap: fetching %s: %w: status %d", url, ErrUnexpectedStatus, resp.StatusCode)
	}

	return resp.Body, nil
}

func (l *Loader) fetchLocal(localBase string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(localBase, "filemap.json"))
	if err != nil {
		return nil, fmt.Errorf("filemap: opening local filemap: %w", err)
	}

	return f, nil
}

// ErrUnexpectedStatus is returned when a remote filemap fetch does not
// return 200.
var ErrUnexpectedStatus = errors.New("filemap: unexpected HTTP status")

func (l *Loader) memoPath(src Source) string {
	sum := sha256.Sum256([]byte(src.Key()))

	return filepath.Join(l.diskDir, hex.EncodeToString(sum[:])+".filemap.zst")
}

func (l *Loader) readDiskMemo(src Source) *Filemap {
	if l.diskDir == "" || !src.remote() {
		return nil
	}

	f, err := os.Open(l.memoPath(src))
	if err != nil {
		return nil
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil
	}
	defer zr.Close()

	fm, err := Decode(zr)
	if err != nil {
		l.logger.Debug().Err(err).Msg("disk memo unreadable, will re-fetch")

		return nil
	}

	return fm
}

func (l *Loader) writeDiskMemo(src Source, raw []byte) {
	if l.diskDir == "" {
		return
	}

	if err := os.MkdirAll(l.diskDir, 0o755); err != nil {
		l.logger.Warn().Err(err).Msg("error creating filemap memo directory")

		return
	}

	path := l.memoPath(src)

	f, err := os.CreateTemp(l.diskDir, "filemap-*.tmp")
	if err != nil {
		l.logger.Warn().Err(err).Msg("error creating filemap memo temp file")

		return
	}
	defer os.Remove(f.Name())

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()

		return
	}

	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		f.Close()

		l.logger.Warn().Err(err).Msg("error writing filemap memo, leaving prior memo in place")

		return
	}

	if err := zw.Close(); err != nil {
		f.Close()

		return
	}

	if err := f.Close(); err != nil {
		return
	}

	// Cache I/O is best-effort: failing to rename the memo into place does
	// not fail the Load call, the fetched filemap is still returned.
	if err := os.Rename(f.Name(), path); err != nil {
		l.logger.Warn().Err(err).Msg("error installing filemap memo")
	}
}

// Forget clears the memoized filemap for src, forcing the next Load to
// re-fetch. Used by the resolver's clear-cache control message.
func (l *Loader) Forget(src Source) {
	l.mu.Lock()
	delete(l.cache, src.Key())
	l.mu.Unlock()
}

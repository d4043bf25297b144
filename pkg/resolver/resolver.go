// Package resolver implements the request interceptor (spec §4.E): it
// matches incoming logical reads against registered source prefixes and
// routes them through the filemap loader, shard fetch deduplicator, and
// reassembler to produce HTTP-shaped responses. The matcher and dispatch
// logic are shared by two installations — an HTTP server (resolver.go +
// http.go, standing in for the spec's in-browser service worker) and an
// in-process http.RoundTripper hook (roundtripper.go) — per spec §4.E's
// "two installations share the matcher and dispatch logic".
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/dedup"
	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/lock"
	"github.com/shardcast/shardcast/pkg/progress"
	"github.com/shardcast/shardcast/pkg/shardstore"
)

// Source is a registered resolver source, per spec §3's source
// registration entity.
type Source struct {
	PathPrefix      string
	CDNBase         string
	LocalBase       string
	Manifest        string
	ProgressEnabled bool
}

func (s Source) normalizedPrefix() string {
	if strings.HasSuffix(s.PathPrefix, "/") {
		return s.PathPrefix
	}

	return s.PathPrefix + "/"
}

func (s Source) remote() bool { return s.CDNBase != "" }

func (s Source) filemapSource() filemap.Source {
	return filemap.Source{PathPrefix: s.PathPrefix, CDNBase: s.CDNBase, LocalBase: s.LocalBase}
}

type registeredSource struct {
	src     Source
	store   shardstore.Store
	tracker *progress.Tracker

	mu sync.RWMutex
	fm *filemap.Filemap
}

func (rs *registeredSource) filemap() *filemap.Filemap {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return rs.fm
}

func (rs *registeredSource) setFilemap(fm *filemap.Filemap) {
	rs.mu.Lock()
	rs.fm = fm
	rs.mu.Unlock()
}

// Resolver owns the set of registered sources and dispatches matched
// requests through the shared loader/store/reassembler/progress pipeline.
type Resolver struct {
	logger     zerolog.Logger
	loader     *filemap.Loader
	httpClient *http.Client
	cacheDir   string
	distLock   lock.Locker
	onProgress func(progress.Event)

	mu      sync.RWMutex
	sources []*registeredSource
}

// New returns a Resolver. distLock may be nil to disable the distributed
// dedup tier; onProgress may be nil to disable progress broadcasting
// entirely.
func New(
	logger zerolog.Logger,
	httpClient *http.Client,
	cacheDir string,
	distLock lock.Locker,
	onProgress func(progress.Event),
) *Resolver {
	return &Resolver{
		logger:     logger.With().Str("component", "resolver").Logger(),
		loader:     filemap.NewLoader(logger, httpClient, cacheDir),
		httpClient: httpClient,
		cacheDir:   cacheDir,
		distLock:   distLock,
		onProgress: onProgress,
	}
}

// Init replaces all registered sources and begins loading their filemaps,
// per the §6.3 "init" control message.
func (r *Resolver) Init(ctx context.Context, sources []Source) {
	next := make([]*registeredSource, 0, len(sources))

	for _, src := range sources {
		rs := &registeredSource{src: src, store: r.buildStore(src)}

		var broadcastFn func(progress.Event)
		if src.ProgressEnabled && r.onProgress != nil {
			broadcastFn = r.onProgress
		} else {
			broadcastFn = func(progress.Event) {}
		}

		rs.tracker = progress.NewTracker(r.logger, src.PathPrefix, src.Manifest, broadcastFn)
		next = append(next, rs)

		go r.loadFilemapAsync(ctx, rs)
	}

	r.mu.Lock()
	r.sources = next
	r.mu.Unlock()
}

func (r *Resolver) loadFilemapAsync(ctx context.Context, rs *registeredSource) {
	fm, err := r.loader.Load(ctx, rs.src.filemapSource())
	if err != nil {
		r.logger.Warn().Err(err).Str("prefix", rs.src.PathPrefix).Msg("filemap load failed")

		return
	}

	rs.setFilemap(fm)
	rs.tracker.OnFilemapLoaded(fm)
}

func (r *Resolver) buildStore(src Source) shardstore.Store {
	var base shardstore.Store
	if src.remote() {
		cacheDir := filepath.Join(r.cacheDir, "shards")
		base = shardstore.NewRemoteStore(r.logger, r.httpClient, src.CDNBase, cacheDir)
	} else {
		base = shardstore.NewLocalStore(src.LocalBase)
	}

	return dedup.New(base, r.distLock)
}

// match implements spec §4.E's matcher: the first registered source whose
// normalized pathPrefix is a prefix of path, with a non-empty remaining
// suffix.
func (r *Resolver) match(path string) (*registeredSource, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rs := range r.sources {
		prefix := rs.src.normalizedPrefix()
		if strings.HasPrefix(path, prefix) {
			rel := path[len(prefix):]
			if rel != "" {
				return rs, rel, true
			}
		}
	}

	return nil, "", false
}

// bySourcePrefix finds a registered source by its original (registration-
// time) prefix, for control messages addressed to a specific source.
func (r *Resolver) bySourcePrefix(prefix string) *registeredSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rs := range r.sources {
		if rs.src.PathPrefix == prefix {
			return rs
		}
	}

	return nil
}

// ensureFilemap returns the source's loaded filemap, loading it
// synchronously if the background load from Init hasn't completed yet.
func (r *Resolver) ensureFilemap(ctx context.Context, rs *registeredSource) (*filemap.Filemap, error) {
	if fm := rs.filemap(); fm != nil {
		return fm, nil
	}

	fm, err := r.loader.Load(ctx, rs.src.filemapSource())
	if err != nil {
		return nil, fmt.Errorf("resolver: loading filemap for %s: %w", rs.src.PathPrefix, err)
	}

	rs.setFilemap(fm)
	rs.tracker.OnFilemapLoaded(fm)

	return fm, nil
}

// readLocalLiteral serves relPath directly from a local-backed source's
// directory when it has no filemap entry, per spec §4.E step 2.
func readLocalLiteral(localBase, relPath string) (*Response, error) {
	f, err := os.Open(filepath.Join(localBase, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return &Response{Status: http.StatusNotFound}, nil
		}

		return nil, fmt.Errorf("resolver: opening local literal %s: %w", relPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("resolver: stat local literal %s: %w", relPath, err)
	}

	return &Response{
		Status:        http.StatusOK,
		ContentLength: info.Size(),
		AcceptRanges:  true,
		Body:          f,
	}, nil
}

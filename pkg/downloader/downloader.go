// Package downloader implements the standalone bulk-pull tool spec §4.I
// describes: it composes the filemap loader, reassembler, and the direct
// resolve API to pull one or more manifests' files to a local directory.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/lock"
	"github.com/shardcast/shardcast/pkg/resolveapi"
)

// Options configures a Download call.
type Options struct {
	// OutputDir is the destination directory. Unlike resolveapi's
	// deterministic cache path, the downloader writes directly here.
	OutputDir string

	// Manifests is the set of manifest names to pull; their file lists are
	// unioned. Empty pulls every file in the source's filemap.
	Manifests []string

	Verify   bool
	ListOnly bool

	OnProgress func(resolveapi.Progress)
}

// ManifestInfo is one line of List's output.
type ManifestInfo struct {
	Name  string
	Size  int64
	Files int
}

// Downloader pulls a source's files to a local directory, per spec §4.I.
type Downloader struct {
	logger zerolog.Logger
	loader *filemap.Loader
	client *resolveapi.Client
}

// New returns a Downloader. distLock may be nil to disable the
// distributed shard-fetch dedup tier.
func New(logger zerolog.Logger, httpClient *http.Client, cacheRoot string, distLock lock.Locker) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Downloader{
		logger: logger.With().Str("component", "downloader").Logger(),
		loader: filemap.NewLoader(logger, httpClient, cacheRoot),
		client: resolveapi.New(logger, httpClient, cacheRoot, distLock),
	}
}

// List returns every manifest in src's filemap, sorted by name, for
// Options.ListOnly mode.
func (d *Downloader) List(ctx context.Context, src filemap.Source) ([]ManifestInfo, error) {
	fm, err := d.loader.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("downloader: loading filemap: %w", err)
	}

	names := make([]string, 0, len(fm.Manifests))
	for name := range fm.Manifests {
		names = append(names, name)
	}

	sort.Strings(names)

	out := make([]ManifestInfo, 0, len(names))
	for _, name := range names {
		m := fm.Manifests[name]
		out = append(out, ManifestInfo{Name: name, Size: m.Size, Files: len(m.Files)})
	}

	return out, nil
}

// Download pulls opts.Manifests' union of files (or everything, if empty)
// from src into opts.OutputDir, returning the absolute paths written.
func (d *Downloader) Download(ctx context.Context, src filemap.Source, opts Options) (map[string]string, error) {
	if opts.ListOnly {
		return nil, fmt.Errorf("downloader: Download called with ListOnly set, use List instead")
	}

	fm, err := d.loader.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("downloader: loading filemap: %w", err)
	}

	vps, err := unionManifests(fm, opts.Manifests)
	if err != nil {
		return nil, err
	}

	// The downloader writes straight to opts.OutputDir rather than
	// resolveapi's deterministic cache path, so it resolves the full
	// filemap (or named manifests individually) then copies/links results
	// under the requested tree. To keep a single code path for shard
	// fetch + dedup + verify, it simply resolves with no manifest filter
	// when none is given, or resolves the union's manifest set one at a
	// time and merges the result maps — simpler and still coalesces
	// shard fetches via the shared dedup tier.
	result := make(map[string]string, len(vps))

	if len(opts.Manifests) == 0 {
		paths, err := d.client.ResolveFiles(ctx, src, resolveapi.Options{Verify: opts.Verify, OnProgress: opts.OnProgress})
		if err != nil {
			return nil, err
		}

		for vp, p := range paths {
			result[vp] = p
		}

		return relocate(result, opts.OutputDir)
	}

	for _, manifest := range opts.Manifests {
		paths, err := d.client.ResolveFiles(ctx, src, resolveapi.Options{
			Manifest:   manifest,
			Verify:     opts.Verify,
			OnProgress: opts.OnProgress,
		})
		if err != nil {
			return nil, fmt.Errorf("downloader: resolving manifest %s: %w", manifest, err)
		}

		for vp, p := range paths {
			result[vp] = p
		}
	}

	return relocate(result, opts.OutputDir)
}

func unionManifests(fm *filemap.Filemap, manifests []string) ([]string, error) {
	if len(manifests) == 0 {
		vps := make([]string, 0, len(fm.Files))
		for vp := range fm.Files {
			vps = append(vps, vp)
		}

		return vps, nil
	}

	seen := make(map[string]bool)

	var vps []string

	for _, name := range manifests {
		m, ok := fm.Manifests[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", resolveapi.ErrUnknownManifest, name)
		}

		for _, vp := range m.Files {
			if !seen[vp] {
				seen[vp] = true

				vps = append(vps, vp)
			}
		}
	}

	return vps, nil
}

// relocate copies each resolveapi cache-path file to
// {outputDir}/{virtualPath}, returning the new paths. It hardlinks when
// possible (same volume) and falls back to a byte copy otherwise.
func relocate(resolved map[string]string, outputDir string) (map[string]string, error) {
	out := make(map[string]string, len(resolved))

	for vp, src := range resolved {
		dst := filepath.Join(outputDir, filepath.FromSlash(vp))

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("downloader: creating output dir for %s: %w", vp, err)
		}

		if err := linkOrCopy(src, dst); err != nil {
			return nil, fmt.Errorf("downloader: placing %s: %w", vp, err)
		}

		out[vp] = dst
	}

	return out, nil
}

func linkOrCopy(src, dst string) error {
	if info, err := os.Stat(dst); err == nil {
		if srcInfo, serr := os.Stat(src); serr == nil && info.Size() == srcInfo.Size() {
			return nil
		}
	}

	os.Remove(dst)

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, dst)
}

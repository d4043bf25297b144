// Package resolveapi implements the direct resolve API (spec §4.H): an
// out-of-band entry point, independent of the HTTP interceptor in
// pkg/resolver, that materializes a source's logical files to a
// deterministic cache directory on disk.
package resolveapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/dedup"
	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/lock"
	"github.com/shardcast/shardcast/pkg/reassembler"
	"github.com/shardcast/shardcast/pkg/shardstore"
)

// ErrUnknownManifest is returned when Options.Manifest names a manifest the
// source's filemap does not carry.
var ErrUnknownManifest = errors.New("resolveapi: unknown manifest")

// ErrVerificationFailed is returned when a materialized file's SHA-256 does
// not match the filemap entry after a full write.
var ErrVerificationFailed = errors.New("resolveapi: sha256 verification failed")

// Progress reports byte-level resolve progress to an Options.OnProgress
// callback. It intentionally does not go through the adaptive manifest
// narrowing state machine in pkg/progress: the manifest (or "everything")
// is already fixed by the caller before resolution starts.
type Progress struct {
	VirtualPath string
	FileLoaded  int64
	FileTotal   int64
	Loaded      int64
	Total       int64
	Done        bool
}

// Options configures a resolve/resolveFiles call.
type Options struct {
	// Manifest restricts resolution to one named manifest's files. Empty
	// resolves every file in the source's filemap.
	Manifest string

	// Verify hashes each materialized file against its filemap SHA-256
	// after writing it, deleting the file and failing the call on mismatch.
	Verify bool

	OnProgress func(Progress)
}

// Client resolves sources to a deterministic on-disk cache directory, per
// spec §4.H.
type Client struct {
	logger     zerolog.Logger
	loader     *filemap.Loader
	httpClient *http.Client
	cacheRoot  string
	distLock   lock.Locker
}

// New returns a Client. distLock may be nil to disable the distributed
// shard-fetch dedup tier.
func New(logger zerolog.Logger, httpClient *http.Client, cacheRoot string, distLock lock.Locker) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		logger:     logger.With().Str("component", "resolveapi").Logger(),
		loader:     filemap.NewLoader(logger, httpClient, filepath.Join(cacheRoot, "filemaps")),
		httpClient: httpClient,
		cacheRoot:  cacheRoot,
		distLock:   distLock,
	}
}

// Resolve materializes source's selected files to a deterministic output
// directory and returns that directory's path.
func (c *Client) Resolve(ctx context.Context, src filemap.Source, opts Options) (string, error) {
	outDir := c.outputDir(src, opts.Manifest)

	if _, err := c.ResolveFiles(ctx, src, opts); err != nil {
		return "", err
	}

	return outDir, nil
}

// ResolveFiles is Resolve with a virtual-path -> absolute-path map return.
func (c *Client) ResolveFiles(ctx context.Context, src filemap.Source, opts Options) (map[string]string, error) {
	fm, err := c.loader.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("resolveapi: loading filemap: %w", err)
	}

	vps, err := selectedFiles(fm, opts.Manifest)
	if err != nil {
		return nil, err
	}

	outDir := c.outputDir(src, opts.Manifest)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("resolveapi: creating output dir: %w", err)
	}

	store := c.buildStore(src)

	var total, loaded int64
	for _, vp := range vps {
		total += fm.Files[vp].Size
	}

	report := func(vp string, fileLoaded, fileTotal int64, done bool) {
		if opts.OnProgress == nil {
			return
		}

		opts.OnProgress(Progress{
			VirtualPath: vp,
			FileLoaded:  fileLoaded,
			FileTotal:   fileTotal,
			Loaded:      loaded,
			Total:       total,
			Done:        done,
		})
	}

	result := make(map[string]string, len(vps))

	for _, vp := range vps {
		entry := fm.Files[vp]
		target := filepath.Join(outDir, filepath.FromSlash(vp))

		if info, statErr := os.Stat(target); statErr == nil && info.Size() == entry.Size {
			loaded += entry.Size
			report(vp, entry.Size, entry.Size, true)
			result[vp] = target

			continue
		}

		if err := c.materialize(ctx, store, target, entry, func(n int64) {
			loaded += n
			report(vp, n, entry.Size, false)
		}); err != nil {
			return nil, fmt.Errorf("resolveapi: materializing %s: %w", vp, err)
		}

		if opts.Verify && entry.SHA256 != "" {
			if err := verifyFile(target, entry.SHA256); err != nil {
				os.Remove(target)

				return nil, fmt.Errorf("resolveapi: %s: %w", vp, err)
			}
		}

		report(vp, entry.Size, entry.Size, true)
		result[vp] = target
	}

	return result, nil
}

func selectedFiles(fm *filemap.Filemap, manifest string) ([]string, error) {
	if manifest == "" {
		vps := make([]string, 0, len(fm.Files))
		for vp := range fm.Files {
			vps = append(vps, vp)
		}

		sort.Strings(vps)

		return vps, nil
	}

	m, ok := fm.Manifests[manifest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownManifest, manifest)
	}

	vps := append([]string(nil), m.Files...)
	sort.Strings(vps)

	return vps, nil
}

// outputDir computes the deterministic resolve cache directory, per spec
// §4.H: "{cacheRoot}/resolved/{sha256(sourceKey)[:12]}{_manifest?}/".
func (c *Client) outputDir(src filemap.Source, manifest string) string {
	sum := sha256.Sum256([]byte(src.Key()))
	name := hex.EncodeToString(sum[:])[:12]

	if manifest != "" {
		name += "_" + manifest
	}

	return filepath.Join(c.cacheRoot, "resolved", name)
}

func (c *Client) buildStore(src filemap.Source) shardstore.Store {
	var base shardstore.Store
	if src.CDNBase != "" {
		base = shardstore.NewRemoteStore(c.logger, c.httpClient, src.CDNBase, filepath.Join(c.cacheRoot, "shards"))
	} else {
		base = shardstore.NewLocalStore(src.LocalBase)
	}

	return dedup.New(base, c.distLock)
}

// materialize writes entry's bytes to target, writing shards at their
// declared offsets (via WriteAt) rather than by sequential append, so a
// partially written file is resumable in principle even though this
// package does not itself resume truncated output.
func (c *Client) materialize(
	ctx context.Context,
	store shardstore.Store,
	target string,
	entry filemap.FileEntry,
	onBytes func(n int64),
) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if !entry.Sharded() {
		body, err := reassembler.ReadFull(ctx, store, entry)
		if err != nil {
			return err
		}
		defer body.Close()

		f, err := os.Create(target)
		if err != nil {
			return err
		}

		_, copyErr := io.Copy(f, &countingReader{r: body, onBytes: onBytes})
		closeErr := f.Close()

		if copyErr != nil {
			return copyErr
		}

		return closeErr
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Truncate(entry.Size); err != nil {
		return err
	}

	for _, shard := range entry.Shards {
		body, _, err := store.Get(ctx, shard.File)
		if err != nil {
			return fmt.Errorf("fetching shard %s: %w", shard.File, err)
		}

		buf := make([]byte, shard.Size)

		if _, err := io.ReadFull(body, buf); err != nil {
			body.Close()

			return fmt.Errorf("reading shard %s: %w", shard.File, err)
		}

		body.Close()

		if _, err := f.WriteAt(buf, shard.Offset); err != nil {
			return fmt.Errorf("writing shard %s at offset %d: %w", shard.File, shard.Offset, err)
		}

		onBytes(shard.Size)
	}

	return nil
}

// countingReader reports every successful Read through onBytes, used to
// drive progress callbacks while io.Copy streams an unsharded file.
type countingReader struct {
	r       io.Reader
	onBytes func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.onBytes(int64(n))
	}

	return n, err
}

func verifyFile(path, wantSHA256 string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != wantSHA256 {
		return fmt.Errorf("%w: got %s, want %s", ErrVerificationFailed, got, wantSHA256)
	}

	return nil
}

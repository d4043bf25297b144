// Package packager implements spec §4.C: produces shards and a filemap
// from a set of input artifacts, performing SHA-256 dedup across repeated
// runs and manifest synthesis for multimodal bundles.
package packager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/ggufmeta"
	"github.com/shardcast/shardcast/pkg/helper"
)

const (
	// DefaultChunkSize is the CDN object size cap, per spec §4.C step 5.
	DefaultChunkSize = 19 * 1024 * 1024

	// DefaultGGUFPreSplitThreshold is the size above which a GGUF input is
	// pre-split before chunking, per spec §4.C step 2.
	DefaultGGUFPreSplitThreshold = 1800 * 1024 * 1024

	// GGUFHardCap is the strict upper bound on gguf-shard-size, imposed by
	// a downstream runtime constraint the spec names but doesn't attribute.
	GGUFHardCap = 2 * 1024 * 1024 * 1024

	defaultHashConcurrency = 8

	diskSpaceMarginNumerator   = 101
	diskSpaceMarginDenominator = 100
)

// ErrCollision is returned when two different contents claim the same
// flat CDN basename, per spec §7.
var ErrCollision = errors.New("packager: collision")

// ErrGGUFShardSizeTooLarge is returned when Config.GGUFShardSize is not
// strictly below GGUFHardCap.
var ErrGGUFShardSizeTooLarge = errors.New("packager: gguf-shard-size must be strictly less than 2 GiB")

// Config holds the packager CLI contract's options, per spec §6.5.
type Config struct {
	Inputs                []string
	OutputDir             string
	ChunkSize             int64
	GGUFPreSplitThreshold int64
	GGUFShardSize         int64
	Manifest              string
	Merge                 bool
	Overwrite             bool
	KeepIntermediates     bool
	RemoveOriginals       bool
	Exclude               []string
	DryRun                bool
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}

	if c.GGUFPreSplitThreshold <= 0 {
		c.GGUFPreSplitThreshold = DefaultGGUFPreSplitThreshold
	}

	if c.GGUFShardSize <= 0 {
		c.GGUFShardSize = DefaultChunkSize
	}
}

// Result summarizes a packaging run for CLI reporting.
type Result struct {
	Filemap        *filemap.Filemap
	FilesWritten   int
	FilesDeduped   int
	ShardsWritten  int
	ManifestsNamed []string
}

// Packager runs the packaging pipeline described in spec §4.C.
type Packager struct {
	cfg        Config
	logger     zerolog.Logger
	splitter   ggufmeta.Splitter
	metaReader ggufmeta.MetadataReader
}

// New returns a Packager. splitter may be nil, in which case oversized GGUF
// inputs are not pre-split; metaReader may be nil to use the
// filename-heuristic metadata reader.
func New(logger zerolog.Logger, cfg Config, splitter ggufmeta.Splitter, metaReader ggufmeta.MetadataReader) *Packager {
	cfg.applyDefaults()

	if metaReader == nil {
		metaReader = ggufmeta.HeuristicMetadataReader{}
	}

	return &Packager{
		cfg:        cfg,
		logger:     logger.With().Str("component", "packager").Logger(),
		splitter:   splitter,
		metaReader: metaReader,
	}
}

// Run executes the full pipeline and, unless DryRun is set, writes shards
// and filemap.json to cfg.OutputDir.
func (p *Packager) Run(ctx context.Context) (*Result, error) {
	if p.cfg.GGUFShardSize >= GGUFHardCap {
		return nil, ErrGGUFShardSizeTooLarge
	}

	if p.cfg.Overwrite && !p.cfg.DryRun {
		if err := os.RemoveAll(p.cfg.OutputDir); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("packager: overwrite: clearing %s: %w", p.cfg.OutputDir, err)
		}
	}

	if !p.cfg.DryRun {
		if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("packager: creating output dir: %w", err)
		}
	}

	fm, err := p.loadExistingFilemap()
	if err != nil {
		return nil, err
	}

	pairs, err := discover(p.cfg.Inputs, p.cfg.Exclude)
	if err != nil {
		return nil, err
	}

	if err := p.checkDiskSpace(pairs); err != nil {
		return nil, err
	}

	groups, singles := groupByLogicalGGUF(pairs)

	groups, consumedOriginals, err := p.preSplitOversizedGGUF(ctx, singles, groups)
	if err != nil {
		return nil, err
	}

	// Re-derive singles, excluding anything that ended up grouped (either
	// user-supplied pre-split pieces, or originals just sent to the
	// splitter).
	singles = excludeGrouped(pairs, groups, consumedOriginals)

	collisions := newCollisionTracker()
	p.seedCollisionsFromExisting(fm, collisions)

	var (
		runVPs       []string
		filesDeduped int
		shardsCount  int
	)

	for name, pieces := range groups {
		entry, basenames, err := p.buildGroupEntry(ctx, name, pieces, collisions)
		if err != nil {
			return nil, err
		}

		if existing, ok := fm.Files[name]; ok && existing.SHA256 == entry.SHA256 {
			filesDeduped++
		} else {
			fm.Files[name] = entry
			shardsCount += len(basenames)

			if !p.cfg.DryRun {
				if err := p.materializeGroup(pieces, basenames); err != nil {
					return nil, err
				}
			}
		}

		runVPs = append(runVPs, name)
	}

	hashed, err := hashFiles(ctx, singles, defaultHashConcurrency)
	if err != nil {
		return nil, err
	}

	for _, hf := range hashed {
		if err := p.placeSingleEntry(hf, fm, collisions, &filesDeduped, &shardsCount); err != nil {
			return nil, err
		}

		runVPs = append(runVPs, hf.VirtualPath)
	}

	if err := synthesizeManifests(ctx, p.cfg, runVPs, fm, p.metaReader); err != nil {
		return nil, err
	}

	if err := fm.Validate(); err != nil {
		return nil, fmt.Errorf("packager: produced an invalid filemap: %w", err)
	}

	if !p.cfg.DryRun {
		if err := p.writeFilemap(fm); err != nil {
			return nil, err
		}

		if p.cfg.RemoveOriginals {
			p.removeOriginals(pairs)
		}
	}

	manifestNames := make([]string, 0, len(fm.Manifests))
	for n := range fm.Manifests {
		manifestNames = append(manifestNames, n)
	}

	sort.Strings(manifestNames)

	return &Result{
		Filemap:        fm,
		FilesWritten:   len(runVPs) - filesDeduped,
		FilesDeduped:   filesDeduped,
		ShardsWritten:  shardsCount,
		ManifestsNamed: manifestNames,
	}, nil
}

func (p *Packager) loadExistingFilemap() (*filemap.Filemap, error) {
	if !p.cfg.Merge {
		return filemap.New(), nil
	}

	f, err := os.Open(filepath.Join(p.cfg.OutputDir, "filemap.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return filemap.New(), nil
		}

		return nil, fmt.Errorf("packager: opening existing filemap: %w", err)
	}
	defer f.Close()

	fm, err := filemap.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("packager: decoding existing filemap: %w", err)
	}

	return fm, nil
}

func (p *Packager) seedCollisionsFromExisting(fm *filemap.Filemap, c *collisionTracker) {
	for _, entry := range fm.Files {
		if entry.CDNFile != "" {
			_ = c.check(entry.CDNFile, entry.SHA256)
		}

		for _, s := range entry.Shards {
			_ = c.check(s.File, entry.SHA256)
		}
	}
}

func (p *Packager) checkDiskSpace(pairs []filePair) error {
	var total uint64

	var largestGGUF int64

	for _, pr := range pairs {
		total += uint64(pr.Size)

		if strings.HasSuffix(strings.ToLower(pr.PhysicalPath), ".gguf") && pr.Size > largestGGUF {
			largestGGUF = pr.Size
		}
	}

	required := total * diskSpaceMarginNumerator / diskSpaceMarginDenominator

	if err := checkDiskSpace(p.cfg.OutputDir, required); err != nil {
		return err
	}

	if largestGGUF > p.cfg.GGUFPreSplitThreshold {
		if err := checkDiskSpace(os.TempDir(), uint64(largestGGUF)); err != nil {
			return fmt.Errorf("packager: temp volume: %w", err)
		}
	}

	return nil
}

// placeSingleEntry dedups an already-hashed file and (if not deduped) splits
// or copies it into the output, recording its filemap entry.
func (p *Packager) placeSingleEntry(
	hf hashedFile,
	fm *filemap.Filemap,
	collisions *collisionTracker,
	filesDeduped, shardsCount *int,
) error {
	if existing, ok := findBySHA256(fm, hf.SHA256); ok {
		fm.Files[hf.VirtualPath] = existing
		*filesDeduped++

		return nil
	}

	if hf.Size <= p.cfg.ChunkSize {
		basename := filepath.Base(hf.PhysicalPath)
		if err := collisions.check(basename, hf.SHA256); err != nil {
			return err
		}

		if !p.cfg.DryRun {
			if _, err := copyWhole(hf.PhysicalPath, p.cfg.OutputDir); err != nil {
				return err
			}
		}

		fm.Files[hf.VirtualPath] = filemap.FileEntry{Size: hf.Size, SHA256: hf.SHA256, CDNFile: basename}

		return nil
	}

	var shards []filemap.Shard

	var err error

	if p.cfg.DryRun {
		shards, err = planShards(hf.PhysicalPath, hf.Size, p.cfg.ChunkSize)
	} else {
		shards, err = splitIntoShards(hf.PhysicalPath, hf.Size, p.cfg.ChunkSize, p.cfg.OutputDir)
	}

	if err != nil {
		return err
	}

	for _, s := range shards {
		if err := collisions.check(s.File, hf.SHA256); err != nil {
			return err
		}
	}

	*shardsCount += len(shards)
	fm.Files[hf.VirtualPath] = filemap.FileEntry{Size: hf.Size, SHA256: hf.SHA256, Shards: shards}

	return nil
}

func findBySHA256(fm *filemap.Filemap, sum string) (filemap.FileEntry, bool) {
	for _, e := range fm.Files {
		if e.SHA256 == sum {
			return e, true
		}
	}

	return filemap.FileEntry{}, false
}

// planShards computes shard metadata without touching disk, for dry runs.
func planShards(path string, size, chunkSize int64) ([]filemap.Shard, error) {
	basename := filepath.Base(path)

	var shards []filemap.Shard

	var offset int64

	for i := 0; offset < size; i++ {
		n := chunkSize
		if size-offset < n {
			n = size - offset
		}

		shards = append(shards, filemap.Shard{
			File:   fmt.Sprintf("%s.shard.%03d", basename, i),
			Offset: offset,
			Size:   n,
		})

		offset += n
	}

	return shards, nil
}

func (p *Packager) removeOriginals(pairs []filePair) {
	for _, pr := range pairs {
		if err := os.Remove(pr.PhysicalPath); err != nil {
			p.logger.Warn().Err(err).Str("path", pr.PhysicalPath).Msg("failed to remove original")
		}
	}
}

func (p *Packager) writeFilemap(fm *filemap.Filemap) error {
	dst := filepath.Join(p.cfg.OutputDir, "filemap.json")
	tmp := dst + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("packager: creating filemap: %w", err)
	}

	if err := fm.Encode(f); err != nil {
		f.Close()

		return fmt.Errorf("packager: encoding filemap: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("packager: closing filemap: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("packager: publishing filemap: %w", err)
	}

	return nil
}

// --- pre-split GGUF grouping (spec §4.C step 2) ---

var presplitNamePattern = regexp.MustCompile(`^(.*)-(\d{5})-of-(\d{5})\.gguf$`)

// groupByLogicalGGUF separates already pre-split GGUF pieces (detected by
// filename) from every other discovered file.
func groupByLogicalGGUF(pairs []filePair) (groups map[string][]filePair, singles []filePair) {
	groups = make(map[string][]filePair)

	for _, pr := range pairs {
		base := filepath.Base(pr.PhysicalPath)

		if m := presplitNamePattern.FindStringSubmatch(base); m != nil {
			logical := m[1] + ".gguf"
			groups[logical] = append(groups[logical], pr)

			continue
		}

		singles = append(singles, pr)
	}

	for logical := range groups {
		sortPiecesByShardIndex(groups[logical])
	}

	return groups, singles
}

func sortPiecesByShardIndex(pieces []filePair) {
	sort.Slice(pieces, func(i, j int) bool {
		return shardIndex(pieces[i].PhysicalPath) < shardIndex(pieces[j].PhysicalPath)
	})
}

func shardIndex(path string) int {
	m := presplitNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0
	}

	idx := 0
	for _, c := range m[2] {
		idx = idx*10 + int(c-'0')
	}

	return idx
}

func excludeGrouped(pairs []filePair, groups map[string][]filePair, consumedOriginals map[string]bool) []filePair {
	grouped := make(map[string]bool, len(consumedOriginals))

	for k, v := range consumedOriginals {
		grouped[k] = v
	}

	for _, pieces := range groups {
		for _, pr := range pieces {
			grouped[pr.PhysicalPath] = true
		}
	}

	out := make([]filePair, 0, len(pairs))

	for _, pr := range pairs {
		if !grouped[pr.PhysicalPath] {
			out = append(out, pr)
		}
	}

	return out
}

// preSplitOversizedGGUF invokes the external splitter for any single GGUF
// input exceeding the pre-split threshold and folds its output pieces into
// groups exactly like a user-supplied pre-split set, per spec §4.C step 2.
func (p *Packager) preSplitOversizedGGUF(
	ctx context.Context,
	singles []filePair,
	groups map[string][]filePair,
) (map[string][]filePair, map[string]bool, error) {
	consumed := make(map[string]bool)

	if p.splitter == nil {
		return groups, consumed, nil
	}

	for _, pr := range singles {
		if !strings.HasSuffix(strings.ToLower(pr.PhysicalPath), ".gguf") || pr.Size <= p.cfg.GGUFPreSplitThreshold {
			continue
		}

		if p.cfg.DryRun {
			continue // nothing to invoke against; shard plan is approximate for dry runs
		}

		outDir := p.cfg.OutputDir

		paths, err := p.splitter.Split(ctx, pr.PhysicalPath, p.cfg.GGUFShardSize, outDir)
		if err != nil {
			return nil, nil, fmt.Errorf("packager: pre-splitting %s: %w", pr.PhysicalPath, err)
		}

		pieces := make([]filePair, 0, len(paths))

		for _, path := range paths {
			info, statErr := os.Stat(path)
			if statErr != nil {
				return nil, nil, fmt.Errorf("packager: stat split piece %s: %w", path, statErr)
			}

			pieces = append(pieces, filePair{PhysicalPath: path, Size: info.Size()})
		}

		sortPiecesByShardIndex(pieces)
		groups[pr.VirtualPath] = pieces
		consumed[pr.PhysicalPath] = true

		if !p.cfg.KeepIntermediates {
			defer os.Remove(pr.PhysicalPath)
		}
	}

	return groups, consumed, nil
}

// buildGroupEntry hashes every piece of a pre-split group plus the overall
// concatenated content, returning the sharded file entry and the ordered
// shard basenames.
func (p *Packager) buildGroupEntry(
	ctx context.Context,
	virtualPath string,
	pieces []filePair,
	collisions *collisionTracker,
) (filemap.FileEntry, []string, error) {
	var (
		shards    []filemap.Shard
		basenames []string
		offset    int64
		overall   = sha256.New()
	)

	for _, pr := range pieces {
		select {
		case <-ctx.Done():
			return filemap.FileEntry{}, nil, ctx.Err()
		default:
		}

		f, err := os.Open(pr.PhysicalPath)
		if err != nil {
			return filemap.FileEntry{}, nil, fmt.Errorf("packager: opening gguf piece %s: %w", pr.PhysicalPath, err)
		}

		pieceHash := sha256.New()
		if _, err := io.Copy(io.MultiWriter(overall, pieceHash), f); err != nil {
			f.Close()

			return filemap.FileEntry{}, nil, fmt.Errorf("packager: hashing gguf piece %s: %w", pr.PhysicalPath, err)
		}

		f.Close()

		basename := filepath.Base(pr.PhysicalPath)
		sum := hex.EncodeToString(pieceHash.Sum(nil))

		if err := collisions.check(basename, sum); err != nil {
			return filemap.FileEntry{}, nil, err
		}

		shards = append(shards, filemap.Shard{File: basename, Offset: offset, Size: pr.Size, SHA256: sum})
		basenames = append(basenames, basename)
		offset += pr.Size
	}

	return filemap.FileEntry{
		Size:   offset,
		SHA256: hex.EncodeToString(overall.Sum(nil)),
		Shards: shards,
	}, basenames, nil
}

// materializeGroup copies each piece of a pre-split group into the output
// directory under its existing basename, unless it is already there (the
// splitter was invoked with outDir as its destination).
func (p *Packager) materializeGroup(pieces []filePair, basenames []string) error {
	for i, pr := range pieces {
		dst := filepath.Join(p.cfg.OutputDir, basenames[i])

		abs, err := filepath.Abs(pr.PhysicalPath)
		if err != nil {
			return err
		}

		dstAbs, err := filepath.Abs(dst)
		if err != nil {
			return err
		}

		if abs == dstAbs {
			continue
		}

		if _, err := copyToNamed(pr.PhysicalPath, dst); err != nil {
			return err
		}
	}

	return nil
}

func copyToNamed(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp := dst + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return "", err
	}

	if err := out.Close(); err != nil {
		return "", err
	}

	return dst, os.Rename(tmp, dst)
}

// RandomSuffix returns a short random suffix for callers that need a
// unique scratch filename.
func RandomSuffix() (string, error) { return helper.RandString(8, nil) }

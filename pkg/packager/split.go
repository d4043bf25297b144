package packager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shardcast/shardcast/pkg/filemap"
)

// splitIntoShards copies src into fixed-size, offset-ordered shard files
// under outDir, named "{basename}.shard.NNN", per spec §4.C step 5. The
// last shard may be smaller than chunkSize.
func splitIntoShards(src string, size, chunkSize int64, outDir string) ([]filemap.Shard, error) {
	basename := filepath.Base(src)

	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("packager: opening %s for split: %w", src, err)
	}
	defer in.Close()

	var (
		shards []filemap.Shard
		offset int64
	)

	buf := make([]byte, chunkSize)

	for i := 0; offset < size; i++ {
		n, err := io.ReadFull(in, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, fmt.Errorf("packager: reading %s at offset %d: %w", src, offset, err)
		}

		if n == 0 {
			break
		}

		shardName := fmt.Sprintf("%s.shard.%03d", basename, i)

		h := sha256.Sum256(buf[:n])

		if err := writeShardFile(outDir, shardName, buf[:n]); err != nil {
			return nil, err
		}

		shards = append(shards, filemap.Shard{
			File:   shardName,
			Offset: offset,
			Size:   int64(n),
			SHA256: hex.EncodeToString(h[:]),
		})

		offset += int64(n)
	}

	return shards, nil
}

func writeShardFile(outDir, name string, data []byte) error {
	dst := filepath.Join(outDir, name)

	tmp := dst + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("packager: writing shard %s: %w", name, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("packager: finalizing shard %s: %w", name, err)
	}

	return nil
}

// copyWhole copies src to outDir/basename unchanged, for files at or under
// chunkSize (the unsharded entry shape).
func copyWhole(src, outDir string) (string, error) {
	basename := filepath.Base(src)

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("packager: opening %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(outDir, basename)
	tmp := dst + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("packager: creating %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return "", fmt.Errorf("packager: copying %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("packager: closing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("packager: finalizing %s: %w", dst, err)
	}

	return basename, nil
}

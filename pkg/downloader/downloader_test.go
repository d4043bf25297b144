package downloader_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shardcast/shardcast/pkg/downloader"
	"github.com/shardcast/shardcast/pkg/filemap"
)

func writeSource(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	a := []byte("alpha weights")
	b := []byte("beta tokenizer config")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), a, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), b, 0o644))

	sumA := sha256.Sum256(a)
	sumB := sha256.Sum256(b)

	fm := filemap.New()
	fm.Files["a.bin"] = filemap.FileEntry{Size: int64(len(a)), SHA256: hex.EncodeToString(sumA[:]), CDNFile: "a.bin"}
	fm.Files["b.bin"] = filemap.FileEntry{Size: int64(len(b)), SHA256: hex.EncodeToString(sumB[:]), CDNFile: "b.bin"}
	fm.Manifests = map[string]filemap.Manifest{
		"only-a": {Files: []string{"a.bin"}, Size: int64(len(a))},
		"both":   {Files: []string{"a.bin", "b.bin"}, Size: int64(len(a) + len(b))},
	}

	f, err := os.Create(filepath.Join(dir, "filemap.json"))
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(f).Encode(fm))
	require.NoError(t, f.Close())

	return dir
}

func TestListReturnsManifests(t *testing.T) {
	srcDir := writeSource(t)

	d := downloader.New(zerolog.Nop(), nil, t.TempDir(), nil)

	infos, err := d.List(context.Background(), filemap.Source{LocalBase: srcDir})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, "both", infos[0].Name)
	require.Equal(t, "only-a", infos[1].Name)
}

func TestDownloadEverythingToOutputDir(t *testing.T) {
	srcDir := writeSource(t)
	outDir := t.TempDir()

	d := downloader.New(zerolog.Nop(), nil, t.TempDir(), nil)

	paths, err := d.Download(context.Background(), filemap.Source{LocalBase: srcDir}, downloader.Options{OutputDir: outDir})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	data, err := os.ReadFile(paths["a.bin"])
	require.NoError(t, err)
	require.Equal(t, "alpha weights", string(data))
	require.Equal(t, filepath.Join(outDir, "a.bin"), paths["a.bin"])
}

func TestDownloadUnionsRequestedManifests(t *testing.T) {
	srcDir := writeSource(t)
	outDir := t.TempDir()

	d := downloader.New(zerolog.Nop(), nil, t.TempDir(), nil)

	paths, err := d.Download(context.Background(), filemap.Source{LocalBase: srcDir}, downloader.Options{
		OutputDir: outDir,
		Manifests: []string{"only-a"},
	})
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Contains(t, paths, "a.bin")
}

func TestDownloadUnknownManifest(t *testing.T) {
	srcDir := writeSource(t)
	outDir := t.TempDir()

	d := downloader.New(zerolog.Nop(), nil, t.TempDir(), nil)

	_, err := d.Download(context.Background(), filemap.Source{LocalBase: srcDir}, downloader.Options{
		OutputDir: outDir,
		Manifests: []string{"missing"},
	})
	require.Error(t, err)
}

func TestDownloadListOnlyRejected(t *testing.T) {
	srcDir := writeSource(t)

	d := downloader.New(zerolog.Nop(), nil, t.TempDir(), nil)

	_, err := d.Download(context.Background(), filemap.Source{LocalBase: srcDir}, downloader.Options{ListOnly: true})
	require.Error(t, err)
}

// Package ggufmeta defines the two GGUF-aware external collaborators the
// packager depends on — a quantization/role classifier and a pre-split
// invoker — per spec §1's "explicitly out of scope" list ("shell-level
// GGUF splitter invocation") and §4.C step 2/7. Neither the GGUF binary
// format nor the splitter tool itself is implemented here; this package
// is the thin wrapper spec.md calls for, with a filename-heuristic default
// good enough to drive manifest synthesis without a GGUF header parser.
package ggufmeta

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Role classifies a GGUF file for manifest synthesis, per spec §4.C step 7.
type Role string

const (
	RoleLLM    Role = "llm"
	RoleMMProj Role = "mmproj"
)

// Metadata is the informational descriptor spec §3 calls gguf_metadata.
type Metadata struct {
	Architecture string
	Quantization string
	Role         Role
}

// MetadataReader classifies a GGUF file without needing to parse its
// binary header, per spec.md's "external GGUF header reader" collaborator.
type MetadataReader interface {
	ReadMetadata(ctx context.Context, path string) (Metadata, error)
}

// Splitter invokes an external tool that pre-splits an over-sized GGUF
// file into same-format shards named "*-NNNNN-of-MMMMM.gguf", per spec
// §4.C step 2.
type Splitter interface {
	Split(ctx context.Context, path string, shardSizeBytes int64, outDir string) ([]string, error)
}

var quantPattern = regexp.MustCompile(`(?i)(IQ[0-9]_[A-Z0-9]+|Q[0-9]_[A-Z0-9]+(_[A-Z0-9]+)?|F16|F32|BF16)`)

// PreSplitPattern matches filenames produced by the external GGUF
// splitter, e.g. "model-00002-of-00005.gguf".
var PreSplitPattern = regexp.MustCompile(`^(.*)-(\d{5})-of-(\d{5})\.gguf$`)

// HeuristicMetadataReader classifies GGUF files by filename convention:
// a "mmproj" substring marks the multimodal projector, otherwise the file
// is treated as the base LLM; quantization is the first token matching
// common GGUF quant naming (Q4_K_M, Q8_0, F16, ...).
type HeuristicMetadataReader struct{}

func (HeuristicMetadataReader) ReadMetadata(_ context.Context, path string) (Metadata, error) {
	base := filepath.Base(path)

	role := RoleLLM
	if strings.Contains(strings.ToLower(base), "mmproj") {
		role = RoleMMProj
	}

	quant := quantPattern.FindString(base)
	if quant == "" {
		quant = "unknown"
	}

	return Metadata{Quantization: strings.ToUpper(quant), Role: role}, nil
}

// LogicalName strips a pre-split shard suffix and quantization token off a
// GGUF basename to group same-model shards and quant variants under one
// logical name, e.g. "llama-Q4_K_M-00002-of-00005.gguf" -> "llama".
func LogicalName(base string) string {
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if m := PreSplitPattern.FindStringSubmatch(base); m != nil {
		name = strings.TrimSuffix(m[1], filepath.Ext(m[1]))
	}

	name = quantPattern.ReplaceAllString(name, "")
	name = strings.Trim(name, "-_.")

	return name
}

// ExecSplitter shells out to an external GGUF splitter binary (e.g.
// llama.cpp's gguf-split), the collaborator spec.md explicitly excludes
// from the core. It discovers produced shard files by PreSplitPattern
// after the command exits successfully.
type ExecSplitter struct {
	BinaryPath string
}

func (s ExecSplitter) Split(ctx context.Context, path string, shardSizeBytes int64, outDir string) ([]string, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".gguf")
	outPrefix := filepath.Join(outDir, base)

	cmd := exec.CommandContext(ctx, s.BinaryPath,
		"--split-max-size", fmt.Sprintf("%dM", shardSizeBytes/(1024*1024)),
		path, outPrefix,
	)

	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ggufmeta: running splitter %s: %w: %s", s.BinaryPath, err, out)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("ggufmeta: reading split output dir %s: %w", outDir, err)
	}

	var shards []string

	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base) && PreSplitPattern.MatchString(e.Name()) {
			shards = append(shards, filepath.Join(outDir, e.Name()))
		}
	}

	return shards, nil
}

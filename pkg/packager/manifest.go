package packager

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/ggufmeta"
)

var onnxPattern = regexp.MustCompile(`^model_(.+)\.onnx(_data)?$`)

type ggufInfo struct {
	vp   string
	meta ggufmeta.Metadata
}

// synthesizeManifests implements spec §4.C step 7's three modes. runVPs is
// the set of virtual paths touched by the current packaging run (shared
// files not already attached to every manifest).
func synthesizeManifests(
	ctx context.Context,
	cfg Config,
	runVPs []string,
	fm *filemap.Filemap,
	metaReader ggufmeta.MetadataReader,
) error {
	if cfg.Manifest != "" {
		addManifest(fm, cfg.Manifest, runVPs)

		return nil
	}

	var shared []string

	onnxGroups := make(map[string][]string)
	ggufByLogical := make(map[string][]ggufInfo)

	for _, vp := range runVPs {
		base := filepath.Base(vp)

		switch {
		case onnxPattern.MatchString(base):
			token := onnxPattern.FindStringSubmatch(base)[1]
			onnxGroups[token] = append(onnxGroups[token], vp)

		case strings.HasSuffix(strings.ToLower(base), ".gguf"):
			meta, err := metaReader.ReadMetadata(ctx, vp)
			if err != nil {
				return fmt.Errorf("packager: classifying gguf %s: %w", vp, err)
			}

			logical := ggufmeta.LogicalName(base)
			ggufByLogical[logical] = append(ggufByLogical[logical], ggufInfo{vp: vp, meta: meta})

		default:
			shared = append(shared, vp)
		}
	}

	for token, vps := range onnxGroups {
		addManifest(fm, "model_"+token, union(shared, vps))
	}

	llmByQuant, mmprojByQuant := groupGGUFByRoleQuant(ggufByLogical)

	for quant, vps := range llmByQuant {
		addManifest(fm, "llm_"+quant, union(shared, vps))
	}

	for quant, vps := range mmprojByQuant {
		addManifest(fm, "mmproj_"+quant, union(shared, vps))
	}

	// Cross-permutation manifests for multimodal bundles, per spec §4.C
	// step 7 and §9's note that some permutations may be architecturally
	// invalid — the packager is not responsible for pruning those.
	for lquant, lvps := range llmByQuant {
		for mquant, mvps := range mmprojByQuant {
			name := fmt.Sprintf("llm_%s+mmproj_%s", lquant, mquant)
			addManifest(fm, name, union(union(shared, lvps), mvps))
		}
	}

	return nil
}

func groupGGUFByRoleQuant(byLogical map[string][]ggufInfo) (llm, mmproj map[string][]string) {
	llm = make(map[string][]string)
	mmproj = make(map[string][]string)

	for _, infos := range byLogical {
		for _, info := range infos {
			switch info.meta.Role {
			case ggufmeta.RoleLLM:
				llm[info.meta.Quantization] = append(llm[info.meta.Quantization], info.vp)
			case ggufmeta.RoleMMProj:
				mmproj[info.meta.Quantization] = append(mmproj[info.meta.Quantization], info.vp)
			}
		}
	}

	return llm, mmproj
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))

	out := make([]string, 0, len(a)+len(b))

	for _, v := range [][]string{a, b} {
		for _, s := range v {
			if !seen[s] {
				seen[s] = true

				out = append(out, s)
			}
		}
	}

	return out
}

// addManifest creates or extends fm.Manifests[name] with files, unioning
// against any entry already present (the merge-mode case) and recomputing
// size from the current filemap's file sizes.
func addManifest(fm *filemap.Filemap, name string, files []string) {
	if fm.Manifests == nil {
		fm.Manifests = make(map[string]filemap.Manifest)
	}

	existing, ok := fm.Manifests[name]
	if ok {
		files = union(existing.Files, files)
	}

	var size int64

	for _, vp := range files {
		if entry, ok := fm.Files[vp]; ok {
			size += entry.Size
		}
	}

	fm.Manifests[name] = filemap.Manifest{Files: files, Size: size}
}

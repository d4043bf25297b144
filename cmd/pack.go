package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/shardcast/shardcast/pkg/ggufmeta"
	"github.com/shardcast/shardcast/pkg/packager"
)

// packCommand wires pkg/packager into the "pack" subcommand, per spec
// §6.5's packager CLI contract.
func packCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "pack",
		Usage:     "shard and deduplicate artifacts into a CDN-ready output directory",
		ArgsUsage: "[input...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "output directory",
				Required: true,
				Sources:  flagSources("pack.output", "SHARDCAST_PACK_OUTPUT"),
			},
			&cli.IntFlag{
				Name:    "chunk-size",
				Usage:   "CDN object size cap in bytes",
				Value:   packager.DefaultChunkSize,
				Sources: flagSources("pack.chunkSize", "SHARDCAST_PACK_CHUNK_SIZE"),
			},
			&cli.IntFlag{
				Name:    "gguf-shard-size",
				Usage:   "GGUF pre-split shard size in bytes; must be strictly less than 2 GiB",
				Value:   packager.DefaultChunkSize,
				Sources: flagSources("pack.ggufShardSize", "SHARDCAST_PACK_GGUF_SHARD_SIZE"),
			},
			&cli.IntFlag{
				Name:    "gguf-presplit-threshold",
				Usage:   "GGUF input size above which it is pre-split before chunking",
				Value:   packager.DefaultGGUFPreSplitThreshold,
				Sources: flagSources("pack.ggufPresplitThreshold", "SHARDCAST_PACK_GGUF_PRESPLIT_THRESHOLD"),
			},
			&cli.StringFlag{
				Name:    "gguf-splitter-binary",
				Usage:   "path to an external GGUF splitter binary (e.g. llama.cpp's gguf-split)",
				Sources: flagSources("pack.ggufSplitterBinary", "SHARDCAST_PACK_GGUF_SPLITTER_BINARY"),
			},
			&cli.StringFlag{
				Name:    "manifest",
				Usage:   "explicit manifest name grouping every input under one manifest",
				Sources: flagSources("pack.manifest", "SHARDCAST_PACK_MANIFEST"),
			},
			&cli.BoolFlag{
				Name:    "merge",
				Usage:   "additive run against an existing output directory; dedup by SHA-256, collisions abort",
				Sources: flagSources("pack.merge", "SHARDCAST_PACK_MERGE"),
			},
			&cli.BoolFlag{
				Name:    "overwrite",
				Usage:   "wipe the existing output directory first",
				Sources: flagSources("pack.overwrite", "SHARDCAST_PACK_OVERWRITE"),
			},
			&cli.BoolFlag{
				Name:    "keep-intermediates",
				Usage:   "keep the original oversized GGUF file after pre-splitting it instead of deleting it",
				Sources: flagSources("pack.keepIntermediates", "SHARDCAST_PACK_KEEP_INTERMEDIATES"),
			},
			&cli.BoolFlag{
				Name:    "remove-originals",
				Usage:   "delete input files after they are successfully packaged",
				Sources: flagSources("pack.removeOriginals", "SHARDCAST_PACK_REMOVE_ORIGINALS"),
			},
			&cli.StringSliceFlag{
				Name:    "exclude",
				Usage:   "glob pattern excluding matching inputs (repeatable)",
				Sources: flagSources("pack.exclude", "SHARDCAST_PACK_EXCLUDE"),
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Usage:   "compute the filemap and report what would be written without touching disk",
				Sources: flagSources("pack.dryRun", "SHARDCAST_PACK_DRY_RUN"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := zerolog.Ctx(ctx).With().Str("command", "pack").Logger()

			inputs := cmd.Args().Slice()
			if len(inputs) == 0 {
				return fmt.Errorf("pack: at least one input path is required")
			}

			cfg := packager.Config{
				Inputs:                inputs,
				OutputDir:             cmd.String("output"),
				ChunkSize:             cmd.Int("chunk-size"),
				GGUFPreSplitThreshold: cmd.Int("gguf-presplit-threshold"),
				GGUFShardSize:         cmd.Int("gguf-shard-size"),
				Manifest:              cmd.String("manifest"),
				Merge:                 cmd.Bool("merge"),
				Overwrite:             cmd.Bool("overwrite"),
				KeepIntermediates:     cmd.Bool("keep-intermediates"),
				RemoveOriginals:       cmd.Bool("remove-originals"),
				Exclude:               cmd.StringSlice("exclude"),
				DryRun:                cmd.Bool("dry-run"),
			}

			var splitter ggufmeta.Splitter
			if bin := cmd.String("gguf-splitter-binary"); bin != "" {
				splitter = ggufmeta.ExecSplitter{BinaryPath: bin}
			}

			p := packager.New(log, cfg, splitter, nil)

			result, err := p.Run(ctx)
			if err != nil {
				return fmt.Errorf("pack: %w", err)
			}

			log.Info().
				Int("files_written", result.FilesWritten).
				Int("files_deduped", result.FilesDeduped).
				Int("shards_written", result.ShardsWritten).
				Strs("manifests", result.ManifestsNamed).
				Msg("packaging complete")

			return nil
		},
	}
}

package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/shardcast/shardcast/pkg/downloader"
	"github.com/shardcast/shardcast/pkg/filemap"
	"github.com/shardcast/shardcast/pkg/resolveapi"
)

// pullCommand wires pkg/downloader into the "pull" subcommand, per spec
// §4.I: the standalone bulk-pull tool.
func pullCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "bulk-download a source's files (or named manifests) to a local directory",
		ArgsUsage: "<cdn-base-url | local-dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "destination directory",
				Required: true,
				Sources:  flagSources("pull.output", "SHARDCAST_PULL_OUTPUT"),
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "local shard/filemap cache directory",
				Value:   defaultCacheDir(),
				Sources: flagSources("pull.cacheDir", "SHARDCAST_PULL_CACHE_DIR"),
			},
			&cli.StringSliceFlag{
				Name:    "manifest",
				Usage:   "manifest name to pull (repeatable); their file lists are unioned. Default: every file",
				Sources: flagSources("pull.manifest", "SHARDCAST_PULL_MANIFEST"),
			},
			&cli.BoolFlag{
				Name:    "verify",
				Usage:   "hash each file against the filemap's recorded SHA-256 after writing it",
				Sources: flagSources("pull.verify", "SHARDCAST_PULL_VERIFY"),
			},
			&cli.BoolFlag{
				Name:    "list",
				Usage:   "print the source's manifests and exit without downloading",
				Sources: flagSources("pull.list", "SHARDCAST_PULL_LIST"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := zerolog.Ctx(ctx).With().Str("command", "pull").Logger()

			if cmd.Args().Len() != 1 {
				return fmt.Errorf("pull: exactly one source (CDN base URL or local directory) is required")
			}

			src := parseSourceArg(cmd.Args().First())

			d := downloader.New(log, nil, cmd.String("cache-dir"), nil)

			if cmd.Bool("list") {
				infos, err := d.List(ctx, src)
				if err != nil {
					return fmt.Errorf("pull: %w", err)
				}

				for _, info := range infos {
					fmt.Printf("%s\t%d bytes\t%d files\n", info.Name, info.Size, info.Files)
				}

				return nil
			}

			paths, err := d.Download(ctx, src, downloader.Options{
				OutputDir: cmd.String("output"),
				Manifests: cmd.StringSlice("manifest"),
				Verify:    cmd.Bool("verify"),
				OnProgress: func(p resolveapi.Progress) {
					if p.Done {
						log.Info().Str("file", p.VirtualPath).Msg("pulled")
					}
				},
			})
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}

			log.Info().Int("files", len(paths)).Msg("pull complete")

			return nil
		},
	}
}

// parseSourceArg treats an http(s):// argument as a CDN base and anything
// else as a local directory, per spec §3's source registration.
func parseSourceArg(arg string) filemap.Source {
	if isURL(arg) {
		return filemap.Source{CDNBase: arg}
	}

	return filemap.Source{LocalBase: arg}
}

func isURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}

package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/shardcast/shardcast/pkg/resolveapi"
)

// resolveCommand wires pkg/resolveapi into the "resolve" subcommand, per
// spec §4.H: the out-of-band direct resolve entry point, independent of the
// HTTP interceptor in pkg/resolver.
func resolveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "materialize a source's files to a deterministic local cache directory",
		ArgsUsage: "<cdn-base-url | local-dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "local shard/filemap/resolved-output cache root",
				Value:   defaultCacheDir(),
				Sources: flagSources("resolve.cacheDir", "SHARDCAST_RESOLVE_CACHE_DIR"),
			},
			&cli.StringFlag{
				Name:    "manifest",
				Usage:   "restrict resolution to one named manifest. Default: every file",
				Sources: flagSources("resolve.manifest", "SHARDCAST_RESOLVE_MANIFEST"),
			},
			&cli.BoolFlag{
				Name:    "verify",
				Usage:   "hash each file against the filemap's recorded SHA-256 after writing it",
				Sources: flagSources("resolve.verify", "SHARDCAST_RESOLVE_VERIFY"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := zerolog.Ctx(ctx).With().Str("command", "resolve").Logger()

			if cmd.Args().Len() != 1 {
				return fmt.Errorf("resolve: exactly one source (CDN base URL or local directory) is required")
			}

			src := parseSourceArg(cmd.Args().First())

			c := resolveapi.New(log, nil, cmd.String("cache-dir"), nil)

			outDir, err := c.Resolve(ctx, src, resolveapi.Options{
				Manifest: cmd.String("manifest"),
				Verify:   cmd.Bool("verify"),
				OnProgress: func(p resolveapi.Progress) {
					if p.Done {
						log.Info().Str("file", p.VirtualPath).Msg("resolved")
					}
				},
			})
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}

			fmt.Println(outDir)

			return nil
		},
	}
}

// Package cmd assembles the shardcast CLI: pack (§4.C/§6.5), pull (§4.I),
// resolve (§4.H), and serve (§4.E) subcommands sharing one root command's
// logging, OpenTelemetry, and config-sourcing setup.
package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
)

// Version defines the version of the binary, and is meant to be set with
// ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// New returns the root shardcast command. logger is the one dependency
// every subcommand needs before flags are parsed; everything else
// (packager.Config, resolveapi.Client, downloader.Downloader, the
// resolver) is built from flag values inside each subcommand's Action,
// the same way the teacher builds its cache/storage stack inside
// serveCommand's Action.
func New(logger zerolog.Logger) *cli.Command {
	var (
		otelShutdown func(context.Context) error
		configPath   string
	)

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	return &cli.Command{
		Name:    "shardcast",
		Usage:   "content-addressed CDN delivery for sharded model artifacts",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML/YAML/JSON config file",
				Value:   defaultConfigPath(),
				Sources: cli.EnvVars("SHARDCAST_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn, error",
				Value:   "info",
				Sources: flagSources("log.level", "SHARDCAST_LOG_LEVEL"),
				Validator: func(s string) error {
					_, err := zerolog.ParseLevel(s)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "export traces, metrics, and logs over OTLP",
				Sources: flagSources("otel.enabled", "SHARDCAST_OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "otel-grpc-url",
				Usage:   "OTLP gRPC collector endpoint",
				Sources: flagSources("otel.grpcURL", "SHARDCAST_OTEL_GRPC_URL"),
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "expose OpenTelemetry metrics in Prometheus exposition format instead of OTLP",
				Sources: flagSources("prometheus.enabled", "SHARDCAST_PROMETHEUS_ENABLED"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level, err := zerolog.ParseLevel(cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}

			logger = logger.Level(level)
			ctx = logger.WithContext(ctx)

			res, err := newResource(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			shutdown, err := setupOTelSDK(ctx, cmd, res)
			if err != nil {
				return ctx, err
			}

			otelShutdown = shutdown

			stopMaxProcs := autoMaxProcs(logger)
			context.AfterFunc(ctx, stopMaxProcs)

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Commands: []*cli.Command{
			packCommand(flagSources),
			pullCommand(flagSources),
			resolveCommand(flagSources),
			serveCommand(flagSources),
		},
	}
}

func defaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(configDir, "shardcast", "config.yaml")
}

// defaultCacheDir is the fallback shard/filemap cache directory shared by
// the pull, resolve, and serve subcommands when --cache-dir isn't given.
func defaultCacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "shardcast")
	}

	return filepath.Join(cacheDir, "shardcast")
}

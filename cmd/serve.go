package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/shardcast/shardcast/pkg/lock"
	"github.com/shardcast/shardcast/pkg/lock/local"
	lockredis "github.com/shardcast/shardcast/pkg/lock/redis"
	"github.com/shardcast/shardcast/pkg/progress"
	"github.com/shardcast/shardcast/pkg/resolver"
)

// serveCommand wires pkg/resolver into the "serve" subcommand: the HTTP
// installation of the request interceptor, per spec §4.E, standing in for
// the in-browser service worker installation.
func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the resolver as an HTTP server fronting one or more sources",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "listen address",
				Value:   ":8080",
				Sources: flagSources("serve.addr", "SHARDCAST_SERVE_ADDR"),
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "local shard/filemap cache directory",
				Value:   defaultCacheDir(),
				Sources: flagSources("serve.cacheDir", "SHARDCAST_SERVE_CACHE_DIR"),
			},
			&cli.StringFlag{
				Name:    "sources-file",
				Usage:   "JSON array of {pathPrefix,cdnBase,localBase,manifest,progressEnabled} source registrations",
				Sources: flagSources("serve.sourcesFile", "SHARDCAST_SERVE_SOURCES_FILE"),
			},
			&cli.StringSliceFlag{
				Name:    "redis-addr",
				Usage:   "Redis node address for the distributed shard-fetch dedup lock (repeatable); omit for single-instance local locking",
				Sources: flagSources("serve.redisAddr", "SHARDCAST_SERVE_REDIS_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "redis-degraded-mode",
				Usage:   "fall back to local locking if a Redis quorum can't be reached",
				Sources: flagSources("serve.redisDegradedMode", "SHARDCAST_SERVE_REDIS_DEGRADED_MODE"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := zerolog.Ctx(ctx).With().Str("command", "serve").Logger()
			ctx = log.WithContext(ctx)

			sources, err := loadSources(cmd.String("sources-file"))
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			distLock, err := buildDistLock(ctx, cmd)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			onProgress := func(ev progress.Event) {
				log.Debug().
					Str("source", ev.SourcePrefix).
					Int("percent", ev.Percent).
					Bool("done", ev.Done).
					Msg("progress")
			}

			r := resolver.New(log, http.DefaultClient, cmd.String("cache-dir"), distLock, onProgress)
			r.Init(ctx, sources)

			srv := resolver.NewServer(log, r)

			httpServer := &http.Server{
				BaseContext:       func(net.Listener) context.Context { return ctx },
				Addr:              cmd.String("server-addr"),
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			log.Info().
				Str("server_addr", cmd.String("server-addr")).
				Int("sources", len(sources)).
				Msg("resolver server started")

			if err := httpServer.ListenAndServe(); err != nil {
				return fmt.Errorf("serve: starting the HTTP listener: %w", err)
			}

			return nil
		},
	}
}

func loadSources(path string) ([]resolver.Source, error) {
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sources file: %w", err)
	}
	defer f.Close()

	var sources []resolver.Source
	if err := json.NewDecoder(f).Decode(&sources); err != nil {
		return nil, fmt.Errorf("decoding sources file: %w", err)
	}

	return sources, nil
}

// buildDistLock returns a Redis-backed Locker for the shard fetch
// deduplicator when --redis-addr is given, or a local in-process Locker
// for single-instance deployments.
func buildDistLock(ctx context.Context, cmd *cli.Command) (lock.Locker, error) {
	addrs := cmd.StringSlice("redis-addr")
	if len(addrs) == 0 {
		return local.NewLocker(), nil
	}

	return lockredis.NewLocker(
		ctx,
		lockredis.Config{Addrs: addrs},
		lock.DefaultRetryConfig(),
		cmd.Bool("redis-degraded-mode"),
	)
}

package shardstore

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shardcast/shardcast/pkg/shardstore/cacheindex"
)

// Pruner periodically enforces a maximum size on the write-through shard
// cache by evicting least-recently-fetched entries first. The spec's shard
// cache entries are immutable once written (§3) but does not describe an
// eviction policy; this is a supplemental, opt-in operational safeguard
// against an unbounded disk cache, adapted from the teacher's LRU cron job
// (cache.go SetupCron/SetMaxSize).
type Pruner struct {
	idx      *cacheindex.Index
	maxBytes int64
	logger   zerolog.Logger
	cron     *cron.Cron
}

// NewPruner returns a Pruner bounding the cache tracked by idx to maxBytes.
func NewPruner(logger zerolog.Logger, idx *cacheindex.Index, maxBytes int64) *Pruner {
	return &Pruner{
		idx:      idx,
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "shardstore.pruner").Logger(),
	}
}

// Start schedules PruneOnce on the given cron spec (e.g. "@every 10m") and
// returns immediately; call Stop to halt it.
func (p *Pruner) Start(spec string) error {
	p.cron = cron.New()

	if _, err := p.cron.AddFunc(spec, func() {
		if err := p.PruneOnce(context.Background()); err != nil {
			p.logger.Error().Err(err).Msg("prune run failed")
		}
	}); err != nil {
		return err
	}

	p.cron.Start()

	return nil
}

// Stop halts the scheduled pruning.
func (p *Pruner) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

// PruneOnce evicts the least-recently-fetched cache entries until the
// tracked total is at or below maxBytes.
func (p *Pruner) PruneOnce(ctx context.Context) error {
	if p.maxBytes <= 0 {
		return nil
	}

	total, err := p.idx.TotalSize(ctx)
	if err != nil {
		return err
	}

	if total <= p.maxBytes {
		return nil
	}

	const batchSize = 100

	for total > p.maxBytes {
		entries, err := p.idx.OldestEntries(ctx, batchSize)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			if total <= p.maxBytes {
				break
			}

			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				p.logger.Warn().Err(err).Str("path", e.Path).Msg("error removing pruned shard")

				continue
			}

			if err := p.idx.Delete(ctx, e.Path); err != nil {
				return err
			}

			total -= e.SizeBytes

			p.logger.Debug().Str("path", e.Path).Int64("size", e.SizeBytes).
				Time("fetchedAt", e.FetchedAt).Dur("age", time.Since(e.FetchedAt)).
				Msg("pruned shard cache entry")
		}
	}

	return nil
}

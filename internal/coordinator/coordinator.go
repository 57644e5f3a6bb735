// Package coordinator fans saved places out to bounded concurrent units of
// resolve, scrape and checkpoint.
package coordinator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/savedplaces/internal/logging"
	"github.com/JakeFAU/savedplaces/internal/metrics"
	"github.com/JakeFAU/savedplaces/internal/places"
)

// Config governs fan-out and what gets persisted.
type Config struct {
	// Concurrency is the maximum number of units in flight.
	Concurrency int
	// PersistPartial writes resolved-only records when the scrape fails.
	PersistPartial bool
	// LowSignalFilter drops places whose detail has neither rating nor category.
	LowSignalFilter bool
}

// Coordinator runs units against one checkpoint and one browser session.
type Coordinator struct {
	cfg      Config
	resolver places.Resolver
	scraper  places.Scraper
	store    places.Checkpoint
	clock    places.Clock
	logger   *zap.Logger
	progress *Progress
}

// New builds a Coordinator. progress may be nil.
func New(
	cfg Config,
	resolver places.Resolver,
	scraper places.Scraper,
	store places.Checkpoint,
	clock places.Clock,
	progress *Progress,
	logger *zap.Logger,
) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if progress == nil {
		progress = &Progress{}
	}
	return &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		scraper:  scraper,
		store:    store,
		clock:    clock,
		logger:   logger,
		progress: progress,
	}
}

// claimTracker hands each external reference to exactly one unit per run.
type claimTracker struct {
	seen sync.Map
}

func (t *claimTracker) claim(ref string) bool {
	_, loaded := t.seen.LoadOrStore(ref, struct{}{})
	return !loaded
}

// Run processes entries with at most Concurrency units in flight and returns
// the outcome counts once every dispatched unit has finished and the
// checkpoint has been flushed. Entries not yet dispatched when ctx is
// cancelled are abandoned and appear in Total only.
func (c *Coordinator) Run(ctx context.Context, entries []places.SourceEntry, browser places.Browser) places.Stats {
	stats := places.Stats{Total: len(entries)}
	var (
		mu     sync.Mutex
		claims claimTracker
		g      errgroup.Group
	)
	g.SetLimit(c.cfg.Concurrency)

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome := c.process(ctx, entry, browser, &claims)
			mu.Lock()
			record(&stats, outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Flush outlives cancellation so completed units reach disk.
	if err := c.store.Flush(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("checkpoint flush failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		c.logger.Warn("run interrupted",
			zap.Int("dispatched", stats.Succeeded+stats.SkippedFresh+stats.Failed+stats.Filtered),
			zap.Int("total", stats.Total),
		)
	}
	return stats
}

func (c *Coordinator) process(ctx context.Context, entry places.SourceEntry, browser places.Browser, claims *claimTracker) (outcome string) {
	c.progress.begin()
	defer func() { c.progress.finish(outcome) }()

	logger := logging.ForPlace(c.logger, entry.ExternalRef, entry.DisplayName)

	if !claims.claim(entry.ExternalRef) {
		logger.Debug("duplicate reference skipped")
		return metrics.OutcomeSkippedFresh
	}
	if c.store.IsFresh(entry.ExternalRef) {
		logger.Debug("fresh checkpoint, skipping")
		return metrics.OutcomeSkippedFresh
	}

	basic, err := c.resolver.Resolve(ctx, entry)
	if err != nil {
		logger.Warn("resolution failed", zap.Error(err))
		return metrics.OutcomeFailed
	}
	logger = logger.With(zap.String("canonical_id", basic.CanonicalID))

	detail, err := c.scraper.Scrape(ctx, basic.CanonicalID, browser)
	if err != nil {
		var navErr *places.NavigationError
		if !errors.As(err, &navErr) {
			logger.Error("unexpected scrape error", zap.Error(err))
		} else {
			logger.Warn("navigation failed", zap.Error(err))
		}
		if c.cfg.PersistPartial {
			c.put(logger, places.Merge(entry, basic, nil, c.clock.Now()))
		}
		return metrics.OutcomeFailed
	}

	if c.cfg.LowSignalFilter && detail.LowSignal() {
		logger.Info("low-signal place filtered")
		return metrics.OutcomeFiltered
	}

	if !c.put(logger, places.Merge(entry, basic, &detail, c.clock.Now())) {
		return metrics.OutcomeFailed
	}
	logger.Info("place enriched")
	return metrics.OutcomeSucceeded
}

func (c *Coordinator) put(logger *zap.Logger, record places.EnrichedPlace) bool {
	if err := c.store.Put(record); err != nil {
		logger.Error("checkpoint put failed", zap.Error(err))
		return false
	}
	return true
}

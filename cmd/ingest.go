package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gcsarchive "github.com/JakeFAU/savedplaces/internal/archive/gcs"
	localarchive "github.com/JakeFAU/savedplaces/internal/archive/local"
	"github.com/JakeFAU/savedplaces/internal/browser"
	"github.com/JakeFAU/savedplaces/internal/checkpoint"
	"github.com/JakeFAU/savedplaces/internal/clock"
	"github.com/JakeFAU/savedplaces/internal/config"
	"github.com/JakeFAU/savedplaces/internal/coordinator"
	collyfetcher "github.com/JakeFAU/savedplaces/internal/fetcher/colly"
	"github.com/JakeFAU/savedplaces/internal/hash/sha256"
	"github.com/JakeFAU/savedplaces/internal/id/uuid"
	"github.com/JakeFAU/savedplaces/internal/metrics"
	"github.com/JakeFAU/savedplaces/internal/pipeline"
	"github.com/JakeFAU/savedplaces/internal/places"
	"github.com/JakeFAU/savedplaces/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/savedplaces/internal/publisher/pubsub"
	"github.com/JakeFAU/savedplaces/internal/resolver"
	"github.com/JakeFAU/savedplaces/internal/scraper"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <path>",
		Short: "Enrich a saved-list export or a directory of exports",
		Long: `Processes one CSV export, or every CSV export in a directory, writing a
checkpoint log next to each (or under checkpoint.dir). Places with a fresh
checkpoint record are skipped, so an interrupted run resumes where it left off.`,
		Args: cobra.ExactArgs(1),
		RunE: runIngest,
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	if err := e.cfg.RequireAPIKey(); err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := e.logger
	metrics.Init()

	deps, cleanup, err := buildIngestDeps(ctx, e.cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := pipeline.New(pipelineConfig(e.cfg), deps)
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}

	if addr := e.cfg.Metrics.Addr; addr != "" {
		srv := metrics.NewServer(func() any { return p.Progress() }, logger.Named("ops"))
		bound, err := srv.Start(addr)
		if err != nil {
			return fmt.Errorf("start ops listener: %w", err)
		}
		logger.Info("ops listener started", zap.Stringer("addr", bound))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("ops listener shutdown failed", zap.Error(err))
			}
		}()
	}

	report, err := p.Run(ctx, args[0])
	if err != nil {
		return fmt.Errorf("ingest %s: %w", args[0], err)
	}
	if ctx.Err() != nil {
		logger.Warn("ingest interrupted; rerun to resume")
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		CheckpointSuffix: cfg.Checkpoint.Suffix,
		CheckpointDir:    cfg.Checkpoint.Dir,
		Checkpoint: checkpoint.Config{
			StaleDays: cfg.Checkpoint.StaleDays,
			Fsync:     cfg.Checkpoint.Fsync,
		},
		Coordinator: coordinator.Config{
			Concurrency:     cfg.Pipeline.Concurrency,
			PersistPartial:  cfg.Checkpoint.PersistPartial,
			LowSignalFilter: cfg.Scraper.LowSignalFilter,
		},
		ArchivePrefix: cfg.Archive.Prefix,
	}
}

// buildIngestDeps wires the resolver, scraper, browser and optional delivery
// targets. cleanup releases whatever was opened.
func buildIngestDeps(ctx context.Context, cfg config.Config, logger *zap.Logger) (pipeline.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Resolver.UserAgent,
		Timeout:   cfg.Resolver.Timeout,
	})
	res := resolver.New(resolver.Config{
		BaseURL: cfg.Resolver.BaseURL,
		APIKey:  cfg.Resolver.APIKey,
		Fields:  cfg.Resolver.Fields,
	}, fetcher, ratelimit.New("resolver", ratelimit.Config{
		QPS:   cfg.Resolver.QPS,
		Burst: cfg.Resolver.Burst,
	}), logger.Named("resolver"))

	selectors, err := scraper.SelectorsFromConfig(cfg.Scraper.Selectors)
	if err != nil {
		return pipeline.Deps{}, cleanup, err
	}
	scr := scraper.New(scraper.Config{
		DetailBaseURL:   cfg.Scraper.DetailBaseURL,
		NavTimeout:      cfg.Scraper.NavTimeout,
		SelectorTimeout: cfg.Scraper.SelectorTimeout,
		MaxReviews:      cfg.Scraper.MaxReviews,
		Selectors:       selectors,
	}, ratelimit.New("navigation", ratelimit.Config{QPS: cfg.Scraper.NavQPS, Burst: 1}), logger.Named("scraper"))

	deps := pipeline.Deps{
		Resolver: res,
		Scraper:  scr,
		Launch: browser.Launcher(browser.Config{
			Headless:  cfg.Scraper.Headless,
			ExecPath:  cfg.Scraper.ExecPath,
			UserAgent: cfg.Scraper.UserAgent,
		}, logger.Named("browser")),
		Clock:    clock.System{},
		IDs:      uuid.New(),
		Hasher:   sha256.New(),
		Progress: &coordinator.Progress{},
		Logger:   logger,
	}

	archiver, closeArchiver, err := buildArchiver(ctx, cfg.Archive)
	if err != nil {
		cleanup()
		return pipeline.Deps{}, func() {}, err
	}
	if archiver != nil {
		deps.Archiver = archiver
		closers = append(closers, closeArchiver)
	}

	if cfg.Publish.TopicName != "" {
		pub, err := pubsubpublisher.New(ctx, cfg.Publish.ProjectID, cfg.Publish.TopicName)
		if err != nil {
			cleanup()
			return pipeline.Deps{}, func() {}, &places.SetupError{Op: "connect pubsub", Err: err}
		}
		deps.Publisher = pub
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
	}
	return deps, cleanup, nil
}

func buildArchiver(ctx context.Context, cfg config.ArchiveConfig) (places.Archiver, func(), error) {
	switch {
	case cfg.GCSBucket != "":
		client, err := gcsarchive.NewClient(ctx)
		if err != nil {
			return nil, nil, &places.SetupError{Op: "connect gcs", Err: err}
		}
		a, err := gcsarchive.Open(ctx, client, cfg.GCSBucket)
		if err != nil {
			_ = client.Close()
			return nil, nil, &places.SetupError{Op: "open archive bucket", Err: err}
		}
		return a, func() { _ = client.Close() }, nil
	case cfg.LocalDir != "":
		a, err := localarchive.New(cfg.LocalDir)
		if err != nil {
			return nil, nil, &places.SetupError{Op: "open archive dir", Err: err}
		}
		return a, func() {}, nil
	default:
		return nil, nil, nil
	}
}

// Package pipeline runs the enrichment of one or more saved-list exports:
// parse, open the checkpoint, launch the browser, coordinate, then tear down.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/savedplaces/internal/checkpoint"
	"github.com/JakeFAU/savedplaces/internal/coordinator"
	"github.com/JakeFAU/savedplaces/internal/logging"
	"github.com/JakeFAU/savedplaces/internal/places"
	"github.com/JakeFAU/savedplaces/internal/source"
)

// DefaultCheckpointSuffix replaces ".csv" on a source file to name its log.
const DefaultCheckpointSuffix = "_data_checkpoint.csv"

// Config controls file discovery, checkpointing and post-run delivery.
type Config struct {
	// CheckpointSuffix names each file's checkpoint log.
	CheckpointSuffix string
	// CheckpointDir holds the logs; empty keeps them beside their source.
	CheckpointDir string
	Checkpoint    checkpoint.Config
	Coordinator   coordinator.Config
	// ArchivePrefix is prepended to archived object names.
	ArchivePrefix string
}

// Deps are the collaborators a Pipeline drives. Archiver and Publisher are
// optional.
type Deps struct {
	Resolver  places.Resolver
	Scraper   places.Scraper
	Launch    places.BrowserLauncher
	Clock     places.Clock
	IDs       places.IDGenerator
	Hasher    places.Hasher
	Archiver  places.Archiver
	Publisher places.Publisher
	Progress  *coordinator.Progress
	Logger    *zap.Logger
}

// Pipeline processes saved-list exports end to end.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New validates deps and returns a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Scraper == nil:
		return nil, errors.New("scraper is required")
	case deps.Launch == nil:
		return nil, errors.New("browser launcher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Archiver != nil && deps.Hasher == nil {
		return nil, errors.New("hasher is required when archiving")
	}
	if cfg.CheckpointSuffix == "" {
		cfg.CheckpointSuffix = DefaultCheckpointSuffix
	}
	if deps.Progress == nil {
		deps.Progress = &coordinator.Progress{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Progress exposes the live counters of the file being processed.
func (p *Pipeline) Progress() coordinator.Snapshot {
	return p.deps.Progress.Snapshot()
}

// CheckpointPath returns the log path for a source file.
func (p *Pipeline) CheckpointPath(sourcePath string) string {
	base := filepath.Base(sourcePath)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + p.cfg.CheckpointSuffix
	if p.cfg.CheckpointDir != "" {
		return filepath.Join(p.cfg.CheckpointDir, name)
	}
	return filepath.Join(filepath.Dir(sourcePath), name)
}

// Run processes path, which is either one CSV export or a directory of them.
// A SetupError aborts the run and is returned alongside the report of the
// files completed so far. Cancellation stops after the current file.
func (p *Pipeline) Run(ctx context.Context, path string) (places.RunReport, error) {
	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return places.RunReport{}, &places.SetupError{Op: "generate run id", Err: err}
	}
	logger := logging.ForRun(p.deps.Logger, runID)
	report := places.RunReport{RunID: runID, Started: p.deps.Clock.Now()}

	files, err := source.ListFiles(path, p.cfg.CheckpointSuffix)
	if err != nil {
		return report, &places.SetupError{Op: "list sources", Err: err}
	}
	if len(files) == 0 {
		logger.Warn("no source files found", zap.String("path", path))
	}

	var runErr error
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		fr, err := p.runFile(ctx, file, logger)
		if err != nil {
			runErr = err
			break
		}
		report.Files = append(report.Files, fr)
		report.Totals.Add(fr.Stats)
	}

	// Delivery happens even for interrupted runs.
	deliverCtx := context.WithoutCancel(ctx)
	p.archive(deliverCtx, runID, report.Files, logger)
	report.Finished = p.deps.Clock.Now()
	if runErr == nil {
		p.publish(deliverCtx, report, logger)
	}

	logger.Info("run finished",
		zap.Int("files", len(report.Files)),
		zap.Int("total", report.Totals.Total),
		zap.Int("succeeded", report.Totals.Succeeded),
		zap.Int("skipped_fresh", report.Totals.SkippedFresh),
		zap.Int("failed", report.Totals.Failed),
		zap.Int("filtered", report.Totals.Filtered),
	)
	return report, runErr
}

// runFile owns the per-file resources. The browser is closed before the
// checkpoint store so no unit can still be producing records when the writer
// drains.
func (p *Pipeline) runFile(ctx context.Context, file string, logger *zap.Logger) (_ places.FileReport, err error) {
	logger = logger.With(zap.String("source", file))
	fr := places.FileReport{SourcePath: file, CheckpointPath: p.CheckpointPath(file)}

	entries, err := source.ParseFile(file)
	if err != nil {
		return fr, &places.SetupError{Op: "parse source", Err: err}
	}
	logger.Info("source parsed", zap.Int("entries", len(entries)))

	store, err := checkpoint.Open(fr.CheckpointPath, p.cfg.Checkpoint, p.deps.Clock, logger.Named("checkpoint"))
	if err != nil {
		return fr, err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("checkpoint close failed", zap.Error(closeErr))
			if err == nil {
				err = &places.SetupError{Op: "close checkpoint", Err: closeErr}
			}
		}
	}()

	browser, err := p.deps.Launch(ctx)
	if err != nil {
		if !places.IsSetupError(err) {
			err = &places.SetupError{Op: "launch browser", Err: err}
		}
		return fr, err
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			logger.Warn("browser close failed", zap.Error(closeErr))
		}
	}()

	p.deps.Progress.StartFile(file, len(entries))
	c := coordinator.New(p.cfg.Coordinator, p.deps.Resolver, p.deps.Scraper, store, p.deps.Clock, p.deps.Progress, logger)
	fr.Stats = c.Run(ctx, entries, browser)
	logger.Info("source finished",
		zap.Int("succeeded", fr.Stats.Succeeded),
		zap.Int("skipped_fresh", fr.Stats.SkippedFresh),
		zap.Int("failed", fr.Stats.Failed),
		zap.Int("filtered", fr.Stats.Filtered),
	)
	return fr, nil
}

// archive uploads each checkpoint log under a content-addressed name. Files
// are updated in place with their archive URI.
func (p *Pipeline) archive(ctx context.Context, runID string, files []places.FileReport, logger *zap.Logger) {
	if p.deps.Archiver == nil {
		return
	}
	for i := range files {
		uri, err := p.archiveOne(ctx, runID, files[i].CheckpointPath)
		if err != nil {
			logger.Error("archive checkpoint failed", zap.String("checkpoint", files[i].CheckpointPath), zap.Error(err))
			continue
		}
		files[i].ArchiveURI = uri
		logger.Info("checkpoint archived", zap.String("uri", uri))
	}
}

func (p *Pipeline) archiveOne(ctx context.Context, runID, path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- checkpoint path derived from operator input.
	if err != nil {
		return "", fmt.Errorf("read checkpoint: %w", err)
	}
	digest, err := p.deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash checkpoint: %w", err)
	}
	return p.deps.Archiver.PutObject(ctx, p.objectName(runID, path, digest), "text/csv", bytes.NewReader(data))
}

func (p *Pipeline) objectName(runID, path, digest string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := fmt.Sprintf("%s/%s-%s.csv", runID, base, digest)
	prefix := strings.Trim(p.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (p *Pipeline) publish(ctx context.Context, report places.RunReport, logger *zap.Logger) {
	if p.deps.Publisher == nil {
		return
	}
	id, err := p.deps.Publisher.Publish(ctx, report)
	if err != nil {
		logger.Error("publish run summary failed", zap.Error(err))
		return
	}
	logger.Info("run summary published", zap.String("message_id", id))
}

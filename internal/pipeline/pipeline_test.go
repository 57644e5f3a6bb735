package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/savedplaces/internal/archive/memory"
	"github.com/JakeFAU/savedplaces/internal/checkpoint"
	"github.com/JakeFAU/savedplaces/internal/clock"
	"github.com/JakeFAU/savedplaces/internal/coordinator"
	"github.com/JakeFAU/savedplaces/internal/hash/sha256"
	"github.com/JakeFAU/savedplaces/internal/places"
	pubmemory "github.com/JakeFAU/savedplaces/internal/publisher/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const savedCSV = "Title,Note,URL,Comment\n" +
	"Joe's Pizza,,https://www.google.com/maps/place/Joe's+Pizza/data=!4m2!3m1!1s0x0:0x1f2a3b4c5d6e7f80,\n" +
	"Corner Cafe,,https://www.google.com/maps/place/Corner+Cafe/data=!4m2!3m1!1s0x0:0xabc,\n"

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, e places.SourceEntry) (places.ResolvedBasicData, error) {
	return places.ResolvedBasicData{CanonicalID: "ChIJ-" + e.DisplayName, BusinessStatus: places.BusinessStatusOperational}, nil
}

type stubScraper struct{}

func (stubScraper) Scrape(context.Context, string, places.Browser) (places.ScrapedDetail, error) {
	rating := 4.5
	return places.ScrapedDetail{Rating: &rating}, nil
}

type fakeBrowser struct {
	launcher *fakeLauncher
}

func (b *fakeBrowser) NewPage(context.Context) (places.Page, error) { return nil, errors.New("unused") }

func (b *fakeBrowser) Close() error {
	b.launcher.mu.Lock()
	b.launcher.closed++
	b.launcher.mu.Unlock()
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	launched int
	closed   int
	err      error
}

func (l *fakeLauncher) launch(context.Context) (places.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launched++
	return &fakeBrowser{launcher: l}, nil
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "run-" + strings.Repeat("x", s.n), nil
}

type harness struct {
	pipeline  *Pipeline
	launcher  *fakeLauncher
	archive   *memory.Archive
	publisher *pubmemory.Publisher
	clock     *clock.Fixed
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		launcher:  &fakeLauncher{},
		archive:   memory.New(),
		publisher: pubmemory.New(),
		clock:     clock.NewFixed(testNow),
	}
	if cfg.Coordinator.Concurrency == 0 {
		cfg.Coordinator.Concurrency = 2
	}
	p, err := New(cfg, Deps{
		Resolver:  stubResolver{},
		Scraper:   stubScraper{},
		Launch:    h.launcher.launch,
		Clock:     h.clock,
		IDs:       &seqIDs{},
		Hasher:    sha256.New(),
		Archiver:  h.archive,
		Publisher: h.publisher,
	})
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.EqualError(t, err, "resolver is required")
	_, err = New(Config{}, Deps{
		Resolver: stubResolver{}, Scraper: stubScraper{}, Launch: (&fakeLauncher{}).launch,
		Clock: clock.System{}, IDs: &seqIDs{}, Archiver: memory.New(),
	})
	require.EqualError(t, err, "hasher is required when archiving")
}

func TestCheckpointPath(t *testing.T) {
	t.Parallel()

	p, err := New(Config{}, Deps{
		Resolver: stubResolver{}, Scraper: stubScraper{}, Launch: (&fakeLauncher{}).launch,
		Clock: clock.System{}, IDs: &seqIDs{},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("exports", "Saved"+DefaultCheckpointSuffix), p.CheckpointPath(filepath.Join("exports", "Saved.csv")))

	p.cfg.CheckpointDir = "state"
	assert.Equal(t, filepath.Join("state", "Want to go"+DefaultCheckpointSuffix), p.CheckpointPath(filepath.Join("exports", "Want to go.csv")))
}

func TestRunDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.csv"), savedCSV)
	writeFile(t, filepath.Join(dir, "b.csv"), "Title,URL\nSolo,https://maps/place/0x1\n")
	writeFile(t, filepath.Join(dir, "old"+DefaultCheckpointSuffix), strings.Join(checkpoint.Header, ",")+"\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	h := newHarness(t, Config{ArchivePrefix: "/checkpoints/"})
	report, err := h.pipeline.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "run-x", report.RunID)
	assert.Equal(t, testNow, report.Started)
	require.Len(t, report.Files, 2)
	assert.Equal(t, filepath.Join(dir, "a.csv"), report.Files[0].SourcePath)
	assert.Equal(t, filepath.Join(dir, "a"+DefaultCheckpointSuffix), report.Files[0].CheckpointPath)
	assert.Equal(t, places.Stats{Total: 2, Succeeded: 2}, report.Files[0].Stats)
	assert.Equal(t, places.Stats{Total: 3, Succeeded: 3}, report.Totals)

	assert.Equal(t, 2, h.launcher.launched)
	assert.Equal(t, 2, h.launcher.closed)

	paths := h.archive.Paths()
	require.Len(t, paths, 2)
	for i, p := range paths {
		assert.True(t, strings.HasPrefix(p, "checkpoints/run-x/"), p)
		assert.Equal(t, "memory://"+p, report.Files[i].ArchiveURI)
		obj, ok := h.archive.Get(p)
		require.True(t, ok)
		assert.Equal(t, "text/csv", obj.ContentType)
		digest, err := sha256.New().Hash(obj.Data)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(p, "-"+digest+".csv"), p)
	}

	payloads := h.publisher.Payloads()
	require.Len(t, payloads, 1)
	published, ok := payloads[0].(places.RunReport)
	require.True(t, ok)
	assert.Equal(t, report.Totals, published.Totals)
	assert.Equal(t, report.Files[0].ArchiveURI, published.Files[0].ArchiveURI)

	snap := h.pipeline.Progress()
	assert.Equal(t, filepath.Join(dir, "b.csv"), snap.File)
	assert.Equal(t, 1, snap.Completed)
}

func TestRunSecondPassSkipsFresh(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "saved.csv")
	writeFile(t, src, savedCSV)

	h := newHarness(t, Config{})
	_, err := h.pipeline.Run(context.Background(), src)
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	report, err := h.pipeline.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, places.Stats{Total: 2, SkippedFresh: 2}, report.Totals)

	records, skipped, err := checkpoint.Load(h.pipeline.CheckpointPath(src), nil)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, records, 2)
}

func TestRunParseFailureIsSetupError(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "broken.csv")
	writeFile(t, src, "Name,Link\nx,y\n")

	h := newHarness(t, Config{})
	_, err := h.pipeline.Run(context.Background(), src)
	require.Error(t, err)
	assert.True(t, places.IsSetupError(err))
	assert.Zero(t, h.launcher.launched)
	assert.Empty(t, h.publisher.Payloads())
	assert.NoFileExists(t, h.pipeline.CheckpointPath(src))
}

func TestRunLaunchFailureClosesStore(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "saved.csv")
	writeFile(t, src, savedCSV)

	h := newHarness(t, Config{})
	h.launcher.err = errors.New("chrome not found")
	_, err := h.pipeline.Run(context.Background(), src)

	var setupErr *places.SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "launch browser", setupErr.Op)
	assert.ErrorContains(t, err, "chrome not found")

	store, err := checkpoint.Open(h.pipeline.CheckpointPath(src), checkpoint.Config{}, h.clock, nil)
	require.NoError(t, err)
	assert.Zero(t, store.Len())
	require.NoError(t, store.Close())
}

func TestRunArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "saved.csv")
	writeFile(t, src, savedCSV)

	h := newHarness(t, Config{})
	h.archive.Err = errors.New("bucket unavailable")
	report, err := h.pipeline.Run(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Empty(t, report.Files[0].ArchiveURI)
	assert.Len(t, h.publisher.Payloads(), 1)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "saved.csv")
	writeFile(t, src, savedCSV)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, Config{})
	report, err := h.pipeline.Run(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, report.Files)
	assert.Zero(t, h.launcher.launched)
}

func TestRunMissingPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	_, err := h.pipeline.Run(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.True(t, places.IsSetupError(err))
}

func TestRunUsesCheckpointDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "saved.csv")
	writeFile(t, src, savedCSV)
	state := filepath.Join(dir, "state")

	h := newHarness(t, Config{CheckpointDir: state, Coordinator: coordinator.Config{Concurrency: 1}})
	report, err := h.pipeline.Run(context.Background(), src)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(state, "saved"+DefaultCheckpointSuffix))
	assert.Equal(t, 2, report.Totals.Succeeded)
}

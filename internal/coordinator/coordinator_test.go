package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/savedplaces/internal/checkpoint"
	"github.com/JakeFAU/savedplaces/internal/clock"
	"github.com/JakeFAU/savedplaces/internal/places"
	"github.com/JakeFAU/savedplaces/internal/resolver"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func entriesN(n int) []places.SourceEntry {
	entries := make([]places.SourceEntry, n)
	for i := range entries {
		entries[i] = places.SourceEntry{
			DisplayName: fmt.Sprintf("Place %d", i),
			ExternalRef: fmt.Sprintf("https://www.google.com/maps/place/p%d/data=!1s0x0:0x%x", i, i+1),
		}
	}
	return entries
}

// memStore is an in-memory places.Checkpoint.
type memStore struct {
	mu      sync.Mutex
	records map[string]places.EnrichedPlace
	fresh   map[string]bool
	flushed int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]places.EnrichedPlace{}, fresh: map[string]bool{}}
}

func (s *memStore) IsFresh(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fresh[ref]
}

func (s *memStore) Get(ref string) (places.EnrichedPlace, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[ref]
	return r, ok
}

func (s *memStore) Put(r places.EnrichedPlace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ExternalRef] = r
	return nil
}

func (s *memStore) Flush(context.Context) error {
	s.mu.Lock()
	s.flushed++
	s.mu.Unlock()
	return nil
}

// gaugeResolver records the peak number of concurrent Resolve calls.
type gaugeResolver struct {
	current  atomic.Int32
	peak     atomic.Int32
	maxDelay time.Duration
	fail     map[string]bool
}

func (r *gaugeResolver) Resolve(ctx context.Context, entry places.SourceEntry) (places.ResolvedBasicData, error) {
	n := r.current.Add(1)
	defer r.current.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if r.maxDelay > 0 {
		select {
		case <-time.After(time.Duration(rand.Int64N(int64(r.maxDelay)))):
		case <-ctx.Done():
			return places.ResolvedBasicData{}, ctx.Err()
		}
	}
	if r.fail[entry.ExternalRef] {
		return places.ResolvedBasicData{}, &places.ResolutionError{Ref: entry.ExternalRef, Reason: "api status NOT_FOUND"}
	}
	if _, err := resolver.DecodeCID(entry.ExternalRef); err != nil {
		return places.ResolvedBasicData{}, err
	}
	return places.ResolvedBasicData{CanonicalID: "ChIJ-" + entry.DisplayName}, nil
}

type stubScraper struct {
	fail      map[string]bool
	lowSignal map[string]bool
	calls     atomic.Int32
}

func (s *stubScraper) Scrape(_ context.Context, canonicalID string, _ places.Browser) (places.ScrapedDetail, error) {
	s.calls.Add(1)
	if s.fail[canonicalID] {
		return places.ScrapedDetail{}, &places.NavigationError{URL: "https://maps/" + canonicalID, Err: context.DeadlineExceeded}
	}
	if s.lowSignal[canonicalID] {
		return places.ScrapedDetail{Reviews: []string{"ok"}}, nil
	}
	rating := 4.2
	category := "Restaurant"
	return places.ScrapedDetail{Rating: &rating, PrimaryCategory: &category}, nil
}

type nopBrowser struct{}

func (nopBrowser) NewPage(context.Context) (places.Page, error) { return nil, nil }
func (nopBrowser) Close() error                                  { return nil }

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	res := &gaugeResolver{maxDelay: 15 * time.Millisecond}
	store := newMemStore()
	c := New(Config{Concurrency: 3}, res, &stubScraper{}, store, clock.NewFixed(testNow), nil, nil)

	stats := c.Run(context.Background(), entriesN(30), nopBrowser{})

	assert.Equal(t, places.Stats{Total: 30, Succeeded: 30}, stats)
	assert.LessOrEqual(t, res.peak.Load(), int32(3))
	assert.Positive(t, res.peak.Load())
	assert.Equal(t, 1, store.flushed)
}

func TestRunNoLossOnSuccess(t *testing.T) {
	t.Parallel()

	entries := entriesN(40)
	store := newMemStore()
	c := New(Config{Concurrency: 8}, &gaugeResolver{maxDelay: 5 * time.Millisecond}, &stubScraper{}, store, clock.NewFixed(testNow), nil, nil)

	stats := c.Run(context.Background(), entries, nopBrowser{})
	require.Equal(t, 40, stats.Succeeded)
	for _, e := range entries {
		rec, ok := store.Get(e.ExternalRef)
		require.True(t, ok, e.ExternalRef)
		assert.Equal(t, "ChIJ-"+e.DisplayName, rec.CanonicalID)
		assert.True(t, rec.LastResolved.Equal(testNow))
		assert.True(t, rec.Complete())
	}
}

func TestRunPartialFailureIsolation(t *testing.T) {
	t.Parallel()

	entries := entriesN(6)
	entries = append(entries, places.SourceEntry{DisplayName: "Mystery", ExternalRef: "https://www.google.com/maps/place/Mystery"})
	res := &gaugeResolver{fail: map[string]bool{entries[1].ExternalRef: true}}
	scr := &stubScraper{
		fail:      map[string]bool{"ChIJ-Place 2": true},
		lowSignal: map[string]bool{"ChIJ-Place 3": true},
	}
	store := newMemStore()
	store.fresh[entries[4].ExternalRef] = true

	c := New(Config{Concurrency: 4, LowSignalFilter: true}, res, scr, store, clock.NewFixed(testNow), nil, nil)
	stats := c.Run(context.Background(), entries, nopBrowser{})

	assert.Equal(t, places.Stats{Total: 7, Succeeded: 2, SkippedFresh: 1, Failed: 3, Filtered: 1}, stats)
	for _, i := range []int{0, 5} {
		_, ok := store.Get(entries[i].ExternalRef)
		assert.True(t, ok)
	}
	for _, i := range []int{1, 2, 3, 4, 6} {
		_, ok := store.Get(entries[i].ExternalRef)
		assert.False(t, ok, entries[i].DisplayName)
	}
	assert.EqualValues(t, 4, scr.calls.Load())
}

func TestRunLowSignalFilterDisabled(t *testing.T) {
	t.Parallel()

	entries := entriesN(1)
	scr := &stubScraper{lowSignal: map[string]bool{"ChIJ-Place 0": true}}
	store := newMemStore()
	c := New(Config{Concurrency: 1, LowSignalFilter: false}, &gaugeResolver{}, scr, store, clock.NewFixed(testNow), nil, nil)

	stats := c.Run(context.Background(), entries, nopBrowser{})
	assert.Equal(t, 1, stats.Succeeded)
	rec, ok := store.Get(entries[0].ExternalRef)
	require.True(t, ok)
	assert.True(t, rec.Detail.LowSignal())
}

func TestRunPersistPartial(t *testing.T) {
	t.Parallel()

	entries := entriesN(1)
	scr := &stubScraper{fail: map[string]bool{"ChIJ-Place 0": true}}
	store := newMemStore()
	c := New(Config{Concurrency: 1, PersistPartial: true}, &gaugeResolver{}, scr, store, clock.NewFixed(testNow), nil, nil)

	stats := c.Run(context.Background(), entries, nopBrowser{})
	assert.Equal(t, 1, stats.Failed)
	rec, ok := store.Get(entries[0].ExternalRef)
	require.True(t, ok)
	assert.Nil(t, rec.Detail)
	assert.False(t, rec.Complete())
}

func TestRunDuplicateReferencesProcessedOnce(t *testing.T) {
	t.Parallel()

	entries := entriesN(2)
	entries = append(entries, entries[0], entries[0])
	scr := &stubScraper{}
	c := New(Config{Concurrency: 4}, &gaugeResolver{maxDelay: 5 * time.Millisecond}, scr, newMemStore(), clock.NewFixed(testNow), nil, nil)

	stats := c.Run(context.Background(), entries, nopBrowser{})
	assert.Equal(t, places.Stats{Total: 4, Succeeded: 2, SkippedFresh: 2}, stats)
	assert.EqualValues(t, 2, scr.calls.Load())
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, entry places.SourceEntry) (places.ResolvedBasicData, error) {
	args := m.Called(ctx, entry)
	return args.Get(0).(places.ResolvedBasicData), args.Error(1)
}

func TestRunResolverBeforeScraper(t *testing.T) {
	t.Parallel()

	entry := entriesN(1)[0]
	res := &mockResolver{}
	res.On("Resolve", mock.Anything, entry).Return(places.ResolvedBasicData{CanonicalID: "ChIJ-Place 0"}, nil).Once()
	scr := &stubScraper{}

	c := New(Config{Concurrency: 2}, res, scr, newMemStore(), clock.NewFixed(testNow), nil, nil)
	stats := c.Run(context.Background(), []places.SourceEntry{entry}, nopBrowser{})

	assert.Equal(t, 1, stats.Succeeded)
	res.AssertExpectations(t)
	assert.EqualValues(t, 1, scr.calls.Load())
}

func TestRunCancelledAbandonsUndispatched(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := newMemStore()
	c := New(Config{Concurrency: 2}, &gaugeResolver{}, &stubScraper{}, store, clock.NewFixed(testNow), nil, nil)

	stats := c.Run(ctx, entriesN(5), nopBrowser{})
	assert.Equal(t, places.Stats{Total: 5}, stats)
	assert.Equal(t, 1, store.flushed)
}

func TestRunIdempotentAgainstCheckpoint(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "saved_data_checkpoint.csv")
	entries := entriesN(5)
	clk := clock.NewFixed(testNow)

	run := func() places.Stats {
		store, err := checkpoint.Open(path, checkpoint.Config{StaleDays: 30}, clk, nil)
		require.NoError(t, err)
		defer func() { require.NoError(t, store.Close()) }()
		c := New(Config{Concurrency: 3}, &gaugeResolver{}, &stubScraper{}, store, clk, nil, nil)
		return c.Run(context.Background(), entries, nopBrowser{})
	}

	assert.Equal(t, places.Stats{Total: 5, Succeeded: 5}, run())
	clk.Advance(24 * time.Hour)
	assert.Equal(t, places.Stats{Total: 5, SkippedFresh: 5}, run())

	clk.Advance(31 * 24 * time.Hour)
	assert.Equal(t, places.Stats{Total: 5, Succeeded: 5}, run())
}

func TestProgressSnapshot(t *testing.T) {
	t.Parallel()

	progress := &Progress{}
	progress.StartFile("saved.csv", 3)
	c := New(Config{Concurrency: 2, LowSignalFilter: true}, &gaugeResolver{}, &stubScraper{
		lowSignal: map[string]bool{"ChIJ-Place 1": true},
	}, newMemStore(), clock.NewFixed(testNow), progress, nil)

	c.Run(context.Background(), entriesN(3), nopBrowser{})
	snap := progress.Snapshot()
	assert.Equal(t, "saved.csv", snap.File)
	assert.Equal(t, 3, snap.Completed)
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, places.Stats{Succeeded: 2, Filtered: 1}, snap.Stats)
}

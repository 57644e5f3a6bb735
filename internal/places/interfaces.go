package places

import (
	"context"
	"io"
	"time"
)

// Resolver maps a saved-list entry to its canonical place and baseline attributes.
type Resolver interface {
	Resolve(ctx context.Context, entry SourceEntry) (ResolvedBasicData, error)
}

// Scraper extracts qualitative attributes from a place's detail page.
type Scraper interface {
	Scrape(ctx context.Context, canonicalID string, browser Browser) (ScrapedDetail, error)
}

// Browser is a launched headless browser session shared by concurrent pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// BrowserLauncher starts a browser session for the duration of one run.
type BrowserLauncher func(ctx context.Context) (Browser, error)

// Page is a single browser tab. Lookups report absence instead of failing.
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Text(ctx context.Context, selector string) (string, bool)
	TextAll(ctx context.Context, selector string) []string
	ClickAll(ctx context.Context, selector string) (clicked int, failed int)
	Evaluate(ctx context.Context, expression string, out any) error
	Close() error
}

// Checkpoint is the subset of the checkpoint store used by the coordinator.
type Checkpoint interface {
	IsFresh(ref string) bool
	Get(ref string) (EnrichedPlace, bool)
	Put(record EnrichedPlace) error
	Flush(ctx context.Context) error
}

// Archiver copies a finished checkpoint log to durable object storage.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces finished runs to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for archive object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/savedplaces/internal/places"
)

type fakeBrowser struct {
	page    *fakePage
	pageErr error
}

func (b *fakeBrowser) NewPage(context.Context) (places.Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	return b.page, nil
}

func (b *fakeBrowser) Close() error { return nil }

// fakePage answers selector lookups from static maps. Evaluate results are
// keyed by a substring of the expression.
type fakePage struct {
	mu       sync.Mutex
	gotoErr  error
	visible  map[string]bool
	texts    map[string]string
	lists    map[string][]string
	clicks   map[string][2]int
	evals    map[string]any
	visited  []string
	closed   bool
	aboutHit bool
}

func (p *fakePage) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	p.visited = append(p.visited, url)
	p.mu.Unlock()
	if p.gotoErr != nil {
		return p.gotoErr
	}
	return ctx.Err()
}

func (p *fakePage) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	if p.visible[selector] {
		return nil
	}
	return errors.New("not visible")
}

func (p *fakePage) Text(_ context.Context, selector string) (string, bool) {
	text, ok := p.texts[selector]
	return text, ok
}

func (p *fakePage) TextAll(_ context.Context, selector string) []string {
	return p.lists[selector]
}

func (p *fakePage) ClickAll(_ context.Context, selector string) (int, int) {
	c := p.clicks[selector]
	return c[0], c[1]
}

func (p *fakePage) Evaluate(_ context.Context, expression string, out any) error {
	for key, value := range p.evals {
		if !strings.Contains(expression, key) {
			continue
		}
		if key == "tab.click()" {
			p.mu.Lock()
			p.aboutHit = true
			p.mu.Unlock()
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return errors.New("unexpected expression")
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

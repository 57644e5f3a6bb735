// Package browser implements places.Browser on top of chromedp and a single
// Chrome process; every page is a tab of that process.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/savedplaces/internal/places"
)

// Config controls how Chrome is launched.
type Config struct {
	Headless  bool
	ExecPath  string
	UserAgent string
	// ClickTimeout bounds each individual click in ClickAll.
	ClickTimeout time.Duration
}

// Session is a running Chrome process.
type Session struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closeOnce     sync.Once
	closeErr      error
}

var (
	_ places.Browser = (*Session)(nil)
	_ places.Page    = (*Page)(nil)
)

// Launcher adapts Launch to places.BrowserLauncher.
func Launcher(cfg Config, logger *zap.Logger) places.BrowserLauncher {
	return func(ctx context.Context) (places.Browser, error) {
		return Launch(ctx, cfg, logger)
	}
}

// Launch starts Chrome and waits until the first target is attached. The
// process outlives ctx; Close stops it.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClickTimeout <= 0 {
		cfg.ClickTimeout = 2 * time.Second
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}

	logger.Info("browser launched", zap.Bool("headless", cfg.Headless))
	return &Session{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1280, 1024),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// NewPage opens a new tab.
func (s *Session) NewPage(ctx context.Context) (places.Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	first := func(runCtx context.Context) error {
		return chromedp.Run(runCtx, emulation.SetDeviceMetricsOverride(1280, 1024, 1, false))
	}
	if err := openTab(ctx, tabCtx, tabCancel, first); err != nil {
		return nil, err
	}
	return &Page{tabCtx: tabCtx, cancel: tabCancel, clickTimeout: s.cfg.ClickTimeout}, nil
}

// openTab runs the first action of a tab. chromedp attaches the target with
// the context of the first Run and keeps its event loop alive only as long
// as that context, so it must be the tab context itself. ctx can still abort
// the attach; once it succeeds the tab no longer follows ctx.
func openTab(ctx, tabCtx context.Context, tabCancel context.CancelFunc, first func(context.Context) error) error {
	stop := context.AfterFunc(ctx, tabCancel)
	err := first(tabCtx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		return fmt.Errorf("open tab: %w", err)
	}
	return nil
}

// Close stops Chrome. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.browserCtx); err != nil {
			s.closeErr = fmt.Errorf("close browser: %w", err)
		}
		s.browserCancel()
		s.allocCancel()
		s.logger.Info("browser closed")
	})
	return s.closeErr
}

// Page is one Chrome tab.
type Page struct {
	tabCtx       context.Context
	cancel       context.CancelFunc
	clickTimeout time.Duration
}

// scope derives a chromedp context for one action: it lives inside the tab,
// ends with ctx and, when timeout > 0, after timeout.
func (p *Page) scope(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		prev := cancel
		cancel = func() {
			cancelTimeout()
			prev()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// Goto navigates and waits for the document body.
func (p *Page) Goto(ctx context.Context, url string) error {
	runCtx, done := p.scope(ctx, 0)
	defer done()
	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	return nil
}

// WaitVisible waits up to timeout for selector to become visible.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, done := p.scope(ctx, timeout)
	defer done()
	if err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

type textResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// Text returns the rendered text of the first match without waiting.
func (p *Page) Text(ctx context.Context, selector string) (string, bool) {
	var res textResult
	if err := p.Evaluate(ctx, firstTextExpr(selector), &res); err != nil || !res.Found {
		return "", false
	}
	return res.Text, true
}

// TextAll returns the rendered text of every match without waiting.
func (p *Page) TextAll(ctx context.Context, selector string) []string {
	var texts []string
	if err := p.Evaluate(ctx, allTextExpr(selector), &texts); err != nil {
		return nil
	}
	return texts
}

// ClickAll clicks every match in document order. Nodes that cannot be
// clicked are counted and skipped.
func (p *Page) ClickAll(ctx context.Context, selector string) (int, int) {
	var nodes []*cdp.Node
	runCtx, done := p.scope(ctx, p.clickTimeout)
	err := chromedp.Run(runCtx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	done()
	if err != nil {
		return 0, 0
	}
	clicked, failed := 0, 0
	for _, node := range nodes {
		if ctx.Err() != nil {
			failed += len(nodes) - clicked - failed
			break
		}
		clickCtx, clickDone := p.scope(ctx, p.clickTimeout)
		if err := chromedp.Run(clickCtx, chromedp.MouseClickNode(node)); err != nil {
			failed++
		} else {
			clicked++
		}
		clickDone()
	}
	return clicked, failed
}

// Evaluate runs a JavaScript expression and decodes its result into out.
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	runCtx, done := p.scope(ctx, 0)
	defer done()
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close() error {
	p.cancel()
	return nil
}

func firstTextExpr(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  return el ? {found: true, text: el.innerText || el.textContent || ""} : {found: false, text: ""};
})()`, jsString(selector))
}

func allTextExpr(selector string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => el.innerText || el.textContent || "")`, jsString(selector))
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

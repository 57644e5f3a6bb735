// Package scraper extracts supplementary place detail from the rendered
// detail page. Only navigation failures are errors; every other field is
// optional and simply left absent when its element cannot be found.
package scraper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/savedplaces/internal/metrics"
	"github.com/JakeFAU/savedplaces/internal/places"
)

// Waiter paces navigations.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls scraping.
type Config struct {
	DetailBaseURL   string
	NavTimeout      time.Duration
	SelectorTimeout time.Duration
	// MaxReviews caps collected reviews; 0 keeps all.
	MaxReviews int
	Selectors  Selectors
}

// Scraper implements places.Scraper.
type Scraper struct {
	cfg     Config
	limiter Waiter
	logger  *zap.Logger
}

var _ places.Scraper = (*Scraper)(nil)

// New builds a Scraper. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 5 * time.Second
	}
	return &Scraper{cfg: cfg, limiter: limiter, logger: logger}
}

// DetailURL is the page scraped for canonicalID.
func (s *Scraper) DetailURL(canonicalID string) string {
	return s.cfg.DetailBaseURL + canonicalID
}

// Scrape opens a tab on browser, navigates to the detail page and extracts
// what it can. The tab is closed before returning.
func (s *Scraper) Scrape(ctx context.Context, canonicalID string, browser places.Browser) (places.ScrapedDetail, error) {
	url := s.DetailURL(canonicalID)
	logger := s.logger.With(zap.String("canonical_id", canonicalID))

	page, err := browser.NewPage(ctx)
	if err != nil {
		metrics.ObserveNavigation("tab_error")
		return places.ScrapedDetail{}, &places.NavigationError{URL: url, Err: fmt.Errorf("open page: %w", err)}
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			logger.Debug("close page", zap.Error(cerr))
		}
	}()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, url); err != nil {
			return places.ScrapedDetail{}, &places.NavigationError{URL: url, Err: err}
		}
	}
	if err := s.navigate(ctx, page, url); err != nil {
		return places.ScrapedDetail{}, err
	}

	var detail places.ScrapedDetail
	if err := s.waitVisible(ctx, page, s.cfg.Selectors.Panel); err != nil {
		logger.Debug("summary panel not visible", zap.Error(err))
	}
	s.extractSummary(ctx, page, &detail)
	detail.Description = optional(s.text(ctx, page, s.cfg.Selectors.Description))
	detail.Reviews = s.extractReviews(ctx, page, logger)
	detail.AmenityTags = s.extractAmenities(ctx, page, logger)

	if err := ctx.Err(); err != nil {
		return places.ScrapedDetail{}, &places.NavigationError{URL: url, Err: err}
	}
	observeAbsent(detail)
	logger.Debug("detail scraped",
		zap.Bool("has_rating", detail.Rating != nil),
		zap.Bool("has_category", detail.PrimaryCategory != nil),
		zap.Int("reviews", len(detail.Reviews)),
		zap.Int("amenities", len(detail.AmenityTags)),
	)
	return detail, nil
}

func (s *Scraper) navigate(ctx context.Context, page places.Page, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()
	if err := page.Goto(navCtx, url); err != nil {
		result := "error"
		if navCtx.Err() != nil && ctx.Err() == nil {
			result = "timeout"
		}
		metrics.ObserveNavigation(result)
		return &places.NavigationError{URL: url, Err: err}
	}
	metrics.ObserveNavigation("ok")
	return nil
}

func (s *Scraper) extractSummary(ctx context.Context, page places.Page, detail *places.ScrapedDetail) {
	sel := s.cfg.Selectors
	if label := s.text(ctx, page, sel.Rating); label != "" {
		if rating, ok := ParseRating(label); ok {
			detail.Rating = &rating
		}
	}
	if sel.PricePattern != nil {
		for _, span := range s.textAll(ctx, page, sel.PriceSpans) {
			if span = CleanText(span); sel.PricePattern.MatchString(span) {
				detail.PriceTier = &span
				break
			}
		}
	}
	detail.PrimaryCategory = optional(s.text(ctx, page, sel.Category))
}

func (s *Scraper) extractReviews(ctx context.Context, page places.Page, logger *zap.Logger) []string {
	sel := s.cfg.Selectors
	if sel.Review == "" {
		return nil
	}
	if sel.SeeMore != "" {
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.SelectorTimeout)
		clicked, failed := page.ClickAll(stepCtx, sel.SeeMore)
		cancel()
		if failed > 0 {
			logger.Debug("some reviews could not be expanded", zap.Int("expanded", clicked), zap.Int("failed", failed))
		}
		if clicked > 0 {
			settle(ctx, sel.ExpandSettle)
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.SelectorTimeout)
	defer cancel()
	var raw []string
	if err := page.Evaluate(stepCtx, reviewsExpr(sel), &raw); err != nil {
		logger.Debug("extract reviews", zap.Error(err))
		return nil
	}
	reviews := cleanAll(raw)
	if s.cfg.MaxReviews > 0 && len(reviews) > s.cfg.MaxReviews {
		reviews = reviews[:s.cfg.MaxReviews]
	}
	return reviews
}

func (s *Scraper) extractAmenities(ctx context.Context, page places.Page, logger *zap.Logger) []string {
	sel := s.cfg.Selectors
	if sel.AboutTab == "" || sel.AmenityTag == "" {
		return nil
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.SelectorTimeout)
	defer cancel()
	var res clickResult
	if err := page.Evaluate(stepCtx, aboutTabExpr(sel), &res); err != nil || !res.Clicked {
		logger.Debug("about tab unavailable", zap.Error(err))
		return nil
	}
	if err := page.WaitVisible(stepCtx, sel.AmenityTag, s.cfg.SelectorTimeout); err != nil {
		logger.Debug("amenity list not visible", zap.Error(err))
		return nil
	}
	return cleanAll(page.TextAll(stepCtx, sel.AmenityTag))
}

func (s *Scraper) waitVisible(ctx context.Context, page places.Page, selector string) error {
	if selector == "" {
		return nil
	}
	return page.WaitVisible(ctx, selector, s.cfg.SelectorTimeout)
}

func (s *Scraper) text(ctx context.Context, page places.Page, selector string) string {
	if selector == "" {
		return ""
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.SelectorTimeout)
	defer cancel()
	text, ok := page.Text(stepCtx, selector)
	if !ok {
		return ""
	}
	return text
}

func (s *Scraper) textAll(ctx context.Context, page places.Page, selector string) []string {
	if selector == "" {
		return nil
	}
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.SelectorTimeout)
	defer cancel()
	return page.TextAll(stepCtx, selector)
}

func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func observeAbsent(d places.ScrapedDetail) {
	if d.Rating == nil {
		metrics.ObserveAbsentField("rating")
	}
	if d.PriceTier == nil {
		metrics.ObserveAbsentField("price_level")
	}
	if d.PrimaryCategory == nil {
		metrics.ObserveAbsentField("category")
	}
	if d.Description == nil {
		metrics.ObserveAbsentField("description")
	}
	if len(d.Reviews) == 0 {
		metrics.ObserveAbsentField("reviews")
	}
	if len(d.AmenityTags) == 0 {
		metrics.ObserveAbsentField("atmosphere")
	}
}

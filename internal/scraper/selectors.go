package scraper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/JakeFAU/savedplaces/internal/config"
)

// Selectors are the DOM hooks of the detail page.
type Selectors struct {
	Panel        string
	Rating       string
	PriceSpans   string
	PricePattern *regexp.Regexp
	Category     string
	Description  string
	SeeMore      string
	Review       string
	ReviewText   string
	ReviewButton string
	AboutTab     string
	AboutLabel   string
	AboutText    string
	AmenityTag   string
	ExpandSettle time.Duration
}

// SelectorsFromConfig compiles the configured selector set.
func SelectorsFromConfig(cfg config.SelectorConfig) (Selectors, error) {
	pattern, err := regexp.Compile(cfg.PricePattern)
	if err != nil {
		return Selectors{}, fmt.Errorf("compile price pattern: %w", err)
	}
	return Selectors{
		Panel:        cfg.Panel,
		Rating:       cfg.Rating,
		PriceSpans:   cfg.PriceSpans,
		PricePattern: pattern,
		Category:     cfg.Category,
		Description:  cfg.Description,
		SeeMore:      cfg.SeeMore,
		Review:       cfg.Review,
		ReviewText:   cfg.ReviewText,
		ReviewButton: cfg.ReviewButton,
		AboutTab:     cfg.AboutTab,
		AboutLabel:   cfg.AboutLabel,
		AboutText:    cfg.AboutText,
		AmenityTag:   cfg.AmenityTag,
		ExpandSettle: cfg.ExpandSettle,
	}, nil
}

// reviewsExpr collects the text of every review body, skipping the text of
// the expand button nested inside it.
func reviewsExpr(sel Selectors) string {
	return fmt.Sprintf(`(() => {
  const out = [];
  document.querySelectorAll(%s).forEach(container => {
    const body = container.querySelector(%s);
    if (!body) return;
    const parts = [];
    const walker = document.createTreeWalker(body, NodeFilter.SHOW_TEXT, {
      acceptNode: node => {
        const parent = node.parentElement;
        return parent && parent.closest(%s) ? NodeFilter.FILTER_REJECT : NodeFilter.FILTER_ACCEPT;
      }
    });
    let node;
    while ((node = walker.nextNode())) parts.push(node.textContent);
    const text = parts.join('').trim();
    if (text.length > 0) out.push(text);
  });
  return out;
})()`, jsString(sel.Review), jsString(sel.ReviewText), jsString(sel.ReviewButton))
}

type clickResult struct {
	Clicked bool `json:"clicked"`
}

// aboutTabExpr clicks the first tab whose label contains the About text.
func aboutTabExpr(sel Selectors) string {
	return fmt.Sprintf(`(() => {
  const tab = Array.from(document.querySelectorAll(%s)).find(button => {
    const label = button.querySelector(%s);
    return label && label.textContent.includes(%s);
  });
  if (!tab) return {clicked: false};
  tab.click();
  return {clicked: true};
})()`, jsString(sel.AboutTab), jsString(sel.AboutLabel), jsString(sel.AboutText))
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

package places

import (
	"time"
)

// BusinessStatus mirrors the lookup API's business_status enum.
type BusinessStatus string

// Business status values returned by the lookup API.
const (
	BusinessStatusOperational       BusinessStatus = "OPERATIONAL"
	BusinessStatusClosedTemporarily BusinessStatus = "CLOSED_TEMPORARILY"
	BusinessStatusClosedPermanently BusinessStatus = "CLOSED_PERMANENTLY"
)

// SourceEntry is one saved place from the exported list.
type SourceEntry struct {
	DisplayName string `json:"name"`
	ExternalRef string `json:"url"`
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ResolvedBasicData is produced once per SourceEntry by the Resolver.
type ResolvedBasicData struct {
	CanonicalID    string         `json:"place_id"`
	BusinessStatus BusinessStatus `json:"business_status,omitempty"`
	Address        *string        `json:"formatted_address,omitempty"`
	Coordinates    *Coordinates   `json:"coordinates,omitempty"`
	Categories     []string       `json:"place_types,omitempty"`
}

// ScrapedDetail holds the qualitative attributes read from the detail page.
// A nil pointer or empty slice means the element was not found.
type ScrapedDetail struct {
	Rating          *float64 `json:"rating,omitempty"`
	PriceTier       *string  `json:"price_level,omitempty"`
	PrimaryCategory *string  `json:"category,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Reviews         []string `json:"reviews,omitempty"`
	AmenityTags     []string `json:"atmosphere,omitempty"`
}

// LowSignal reports whether neither a rating nor a category was extracted,
// which usually means the venue is closed or the page is not a venue.
func (d ScrapedDetail) LowSignal() bool {
	return d.Rating == nil && d.PrimaryCategory == nil
}

// EnrichedPlace is the unit of persistence and the checkpoint record.
type EnrichedPlace struct {
	SourceEntry
	ResolvedBasicData
	Detail       *ScrapedDetail `json:"detail,omitempty"`
	LastResolved time.Time      `json:"last_scraped"`
}

// Complete reports whether both resolution and scraping succeeded.
func (p EnrichedPlace) Complete() bool {
	return p.CanonicalID != "" && p.Detail != nil
}

// Merge combines the three stages of one entry into a checkpoint record.
func Merge(entry SourceEntry, basic ResolvedBasicData, detail *ScrapedDetail, at time.Time) EnrichedPlace {
	return EnrichedPlace{
		SourceEntry:       entry,
		ResolvedBasicData: basic,
		Detail:            detail,
		LastResolved:      at.UTC(),
	}
}

// Stats aggregates per-item outcomes for one coordinated batch.
type Stats struct {
	Total        int `json:"total"`
	Succeeded    int `json:"succeeded"`
	SkippedFresh int `json:"skipped_fresh"`
	Failed       int `json:"failed"`
	Filtered     int `json:"filtered"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Total += other.Total
	s.Succeeded += other.Succeeded
	s.SkippedFresh += other.SkippedFresh
	s.Failed += other.Failed
	s.Filtered += other.Filtered
}

// FileReport is the outcome of processing one source file.
type FileReport struct {
	SourcePath     string `json:"source_path"`
	CheckpointPath string `json:"checkpoint_path"`
	ArchiveURI     string `json:"archive_uri,omitempty"`
	Stats          Stats  `json:"stats"`
}

// RunReport summarizes a whole pipeline invocation.
type RunReport struct {
	RunID    string       `json:"run_id"`
	Started  time.Time    `json:"started_at"`
	Finished time.Time    `json:"finished_at"`
	Files    []FileReport `json:"files"`
	Totals   Stats        `json:"totals"`
}

// Package index loads checkpoint records into a SQL table for structured
// retrieval.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/savedplaces/internal/places"
)

// Columns of the places table, in insert order.
var Columns = []string{
	"id",
	"name",
	"url",
	"business_status",
	"formatted_address",
	"latitude",
	"longitude",
	"place_types_json",
	"rating",
	"price_level",
	"category",
	"description",
	"reviews_json",
	"atmosphere_json",
	"last_scraped",
}

// Row is one places row. Absent values are nil.
type Row struct {
	ID             string
	Name           string
	URL            string
	BusinessStatus string
	Address        *string
	Latitude       *float64
	Longitude      *float64
	PlaceTypes     string
	Rating         *float64
	PriceLevel     *string
	Category       *string
	Description    *string
	Reviews        string
	Atmosphere     string
	LastScraped    time.Time
}

// Args returns the row's values in Columns order.
func (r Row) Args() []any {
	return []any{
		r.ID,
		r.Name,
		r.URL,
		r.BusinessStatus,
		nullable(r.Address),
		nullable(r.Latitude),
		nullable(r.Longitude),
		r.PlaceTypes,
		nullable(r.Rating),
		nullable(r.PriceLevel),
		nullable(r.Category),
		nullable(r.Description),
		r.Reviews,
		r.Atmosphere,
		r.LastScraped,
	}
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

// Sink stores rows, replacing existing rows with the same id.
type Sink interface {
	Upsert(ctx context.Context, rows []Row) error
}

// Result counts what Export did.
type Result struct {
	Exported int
	// Incomplete records lack a canonical ID or scraped detail.
	Incomplete int
	// Superseded records shared a canonical ID with a newer record.
	Superseded int
}

// Export upserts every complete record into sink, keyed by canonical ID.
// When several references resolve to one place the most recently resolved
// record wins.
func Export(ctx context.Context, records map[string]places.EnrichedPlace, sink Sink) (Result, error) {
	var res Result
	latest := make(map[string]places.EnrichedPlace, len(records))
	for _, rec := range records {
		if !rec.Complete() {
			res.Incomplete++
			continue
		}
		prev, ok := latest[rec.CanonicalID]
		if ok {
			res.Superseded++
			if !newer(rec, prev) {
				continue
			}
		}
		latest[rec.CanonicalID] = rec
	}

	rows := make([]Row, 0, len(latest))
	for _, rec := range latest {
		row, err := ToRow(rec)
		if err != nil {
			return res, err
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	if len(rows) > 0 {
		if err := sink.Upsert(ctx, rows); err != nil {
			return res, fmt.Errorf("upsert places: %w", err)
		}
	}
	res.Exported = len(rows)
	return res, nil
}

func newer(a, b places.EnrichedPlace) bool {
	if a.LastResolved.Equal(b.LastResolved) {
		return a.ExternalRef > b.ExternalRef
	}
	return a.LastResolved.After(b.LastResolved)
}

// ToRow flattens a complete record into a Row. Lists are stored as JSON
// arrays.
func ToRow(rec places.EnrichedPlace) (Row, error) {
	if !rec.Complete() {
		return Row{}, fmt.Errorf("record %q is incomplete", rec.ExternalRef)
	}
	row := Row{
		ID:             rec.CanonicalID,
		Name:           rec.DisplayName,
		URL:            rec.ExternalRef,
		BusinessStatus: string(rec.BusinessStatus),
		Address:        rec.Address,
		Rating:         rec.Detail.Rating,
		PriceLevel:     rec.Detail.PriceTier,
		Category:       rec.Detail.PrimaryCategory,
		Description:    rec.Detail.Description,
		LastScraped:    rec.LastResolved.UTC(),
	}
	if c := rec.Coordinates; c != nil {
		lat, lng := c.Lat, c.Lng
		row.Latitude, row.Longitude = &lat, &lng
	}
	var err error
	if row.PlaceTypes, err = jsonList(rec.Categories); err != nil {
		return Row{}, err
	}
	if row.Reviews, err = jsonList(rec.Detail.Reviews); err != nil {
		return Row{}, err
	}
	if row.Atmosphere, err = jsonList(rec.Detail.AmenityTags); err != nil {
		return Row{}, err
	}
	return row, nil
}

func jsonList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

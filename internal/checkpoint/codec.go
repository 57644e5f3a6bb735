package checkpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/savedplaces/internal/places"
)

// Header is the column layout of the checkpoint log. Downstream indexers read
// the same file, so columns are only ever appended.
var Header = []string{
	"name",
	"url",
	"place_id",
	"business_status",
	"formatted_address",
	"lat",
	"lng",
	"place_types",
	"rating",
	"price_level",
	"category",
	"description",
	"reviews",
	"atmosphere",
	"detail_scraped",
	"last_scraped",
}

const (
	colName = iota
	colURL
	colPlaceID
	colBusinessStatus
	colAddress
	colLat
	colLng
	colPlaceTypes
	colRating
	colPriceLevel
	colCategory
	colDescription
	colReviews
	colAtmosphere
	colDetailScraped
	colLastScraped
)

// legacyTimeLayouts accepts timestamps written without a zone offset.
var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// EncodeRow flattens a record into one log row.
func EncodeRow(p places.EnrichedPlace) ([]string, error) {
	row := make([]string, len(Header))
	row[colName] = p.DisplayName
	row[colURL] = p.ExternalRef
	row[colPlaceID] = p.CanonicalID
	row[colBusinessStatus] = string(p.BusinessStatus)
	row[colAddress] = deref(p.Address)
	if p.Coordinates != nil {
		row[colLat] = strconv.FormatFloat(p.Coordinates.Lat, 'f', -1, 64)
		row[colLng] = strconv.FormatFloat(p.Coordinates.Lng, 'f', -1, 64)
	}
	var err error
	if row[colPlaceTypes], err = encodeList(p.Categories); err != nil {
		return nil, fmt.Errorf("encode place_types: %w", err)
	}
	row[colDetailScraped] = strconv.FormatBool(p.Detail != nil)
	if d := p.Detail; d != nil {
		if d.Rating != nil {
			row[colRating] = strconv.FormatFloat(*d.Rating, 'f', -1, 64)
		}
		row[colPriceLevel] = deref(d.PriceTier)
		row[colCategory] = deref(d.PrimaryCategory)
		row[colDescription] = deref(d.Description)
		if row[colReviews], err = encodeList(d.Reviews); err != nil {
			return nil, fmt.Errorf("encode reviews: %w", err)
		}
		if row[colAtmosphere], err = encodeList(d.AmenityTags); err != nil {
			return nil, fmt.Errorf("encode atmosphere: %w", err)
		}
	}
	if !p.LastResolved.IsZero() {
		row[colLastScraped] = p.LastResolved.UTC().Format(time.RFC3339Nano)
	}
	return row, nil
}

// DecodeRow rebuilds a record from one log row.
func DecodeRow(row []string) (places.EnrichedPlace, error) {
	if len(row) != len(Header) {
		return places.EnrichedPlace{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(row))
	}
	p := places.EnrichedPlace{
		SourceEntry: places.SourceEntry{
			DisplayName: row[colName],
			ExternalRef: row[colURL],
		},
	}
	if p.ExternalRef == "" {
		return places.EnrichedPlace{}, errors.New("empty url")
	}
	p.CanonicalID = cell(row[colPlaceID])
	p.BusinessStatus = places.BusinessStatus(cell(row[colBusinessStatus]))
	p.Address = optional(row[colAddress])

	lat, lng := cell(row[colLat]), cell(row[colLng])
	if lat != "" || lng != "" {
		latF, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			return places.EnrichedPlace{}, fmt.Errorf("parse lat: %w", err)
		}
		lngF, err := strconv.ParseFloat(lng, 64)
		if err != nil {
			return places.EnrichedPlace{}, fmt.Errorf("parse lng: %w", err)
		}
		p.Coordinates = &places.Coordinates{Lat: latF, Lng: lngF}
	}

	var err error
	if p.Categories, err = decodeList(row[colPlaceTypes]); err != nil {
		return places.EnrichedPlace{}, fmt.Errorf("decode place_types: %w", err)
	}

	scraped, err := parseBool(row[colDetailScraped])
	if err != nil {
		return places.EnrichedPlace{}, fmt.Errorf("parse detail_scraped: %w", err)
	}
	if scraped {
		d := &places.ScrapedDetail{
			PriceTier:       optional(row[colPriceLevel]),
			PrimaryCategory: optional(row[colCategory]),
			Description:     optional(row[colDescription]),
		}
		if r := cell(row[colRating]); r != "" {
			rating, err := strconv.ParseFloat(r, 64)
			if err != nil {
				return places.EnrichedPlace{}, fmt.Errorf("parse rating: %w", err)
			}
			d.Rating = &rating
		}
		if d.Reviews, err = decodeList(row[colReviews]); err != nil {
			return places.EnrichedPlace{}, fmt.Errorf("decode reviews: %w", err)
		}
		if d.AmenityTags, err = decodeList(row[colAtmosphere]); err != nil {
			return places.EnrichedPlace{}, fmt.Errorf("decode atmosphere: %w", err)
		}
		p.Detail = d
	}

	if ts := cell(row[colLastScraped]); ts != "" {
		if p.LastResolved, err = parseTime(ts); err != nil {
			return places.EnrichedPlace{}, fmt.Errorf("parse last_scraped: %w", err)
		}
	}
	return p, nil
}

// rowWriter emits RFC 4180 rows with every cell quoted.
type rowWriter struct {
	w *bufio.Writer
}

func newRowWriter(w *bufio.Writer) *rowWriter {
	return &rowWriter{w: w}
}

func (rw *rowWriter) Write(row []string) error {
	for i, field := range row {
		if i > 0 {
			if err := rw.w.WriteByte(','); err != nil {
				return err
			}
		}
		if err := rw.w.WriteByte('"'); err != nil {
			return err
		}
		if _, err := rw.w.WriteString(strings.ReplaceAll(field, `"`, `""`)); err != nil {
			return err
		}
		if err := rw.w.WriteByte('"'); err != nil {
			return err
		}
	}
	return rw.w.WriteByte('\n')
}

func (rw *rowWriter) Flush() error {
	return rw.w.Flush()
}

func isHeader(row []string) bool {
	return len(row) >= 2 && row[colName] == Header[colName] && row[colURL] == Header[colURL]
}

func encodeList(values []string) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(raw string) ([]string, error) {
	raw = cell(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseBool(raw string) (bool, error) {
	raw = cell(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(strings.ToLower(raw))
}

func parseTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range legacyTimeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// cell normalizes the NULL placeholder older writers used for absent values.
func cell(raw string) string {
	if raw == "NULL" {
		return ""
	}
	return raw
}

func optional(raw string) *string {
	raw = cell(raw)
	if raw == "" {
		return nil
	}
	return &raw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

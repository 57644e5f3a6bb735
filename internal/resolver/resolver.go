// Package resolver maps a saved-place URL to basic place data through the
// Places details API.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/savedplaces/internal/fetcher/colly"
	"github.com/JakeFAU/savedplaces/internal/metrics"
	"github.com/JakeFAU/savedplaces/internal/places"
)

// Fetcher performs the HTTP GET.
type Fetcher interface {
	Get(ctx context.Context, request collyfetcher.Request) (collyfetcher.Response, error)
}

// Waiter paces outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config configures the lookup endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Fields  []string
}

// Resolver implements places.Resolver.
type Resolver struct {
	cfg     Config
	fetcher Fetcher
	limiter Waiter
	logger  *zap.Logger
}

var _ places.Resolver = (*Resolver)(nil)

// New builds a Resolver. limiter may be nil.
func New(cfg Config, fetcher Fetcher, limiter Waiter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Resolver{cfg: cfg, fetcher: fetcher, limiter: limiter, logger: logger}
}

type detailsResponse struct {
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
	Result       *detailsResult `json:"result"`
}

type detailsResult struct {
	PlaceID          string   `json:"place_id"`
	BusinessStatus   string   `json:"business_status"`
	FormattedAddress string   `json:"formatted_address"`
	Types            []string `json:"types"`
	Geometry         *struct {
		Location *struct {
			Lat *float64 `json:"lat"`
			Lng *float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

// Resolve looks up entry once. Every failure is a *places.ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, entry places.SourceEntry) (places.ResolvedBasicData, error) {
	cid, err := DecodeCID(entry.ExternalRef)
	if err != nil {
		return places.ResolvedBasicData{}, err
	}
	endpoint := r.detailsURL(cid)

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, endpoint); err != nil {
			return places.ResolvedBasicData{}, r.fail(entry, "rate limit wait", err)
		}
	}

	resp, err := r.fetcher.Get(ctx, collyfetcher.Request{
		URL:     endpoint,
		Headers: http.Header{"Accept": {"application/json"}},
	})
	if err != nil {
		metrics.ObserveResolverRequest("transport_error", 0)
		return places.ResolvedBasicData{}, r.fail(entry, "request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveResolverRequest("http_"+strconv.Itoa(resp.StatusCode), resp.Duration)
		return places.ResolvedBasicData{}, r.fail(entry, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode), nil)
	}

	var payload detailsResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		metrics.ObserveResolverRequest("malformed", resp.Duration)
		return places.ResolvedBasicData{}, r.fail(entry, "malformed response", err)
	}
	metrics.ObserveResolverRequest(statusLabel(payload.Status), resp.Duration)
	if payload.Status != "" && payload.Status != "OK" {
		reason := "api status " + payload.Status
		if payload.ErrorMessage != "" {
			reason += " (" + payload.ErrorMessage + ")"
		}
		return places.ResolvedBasicData{}, r.fail(entry, reason, nil)
	}
	if payload.Result == nil || payload.Result.PlaceID == "" {
		return places.ResolvedBasicData{}, r.fail(entry, "missing place_id", nil)
	}

	basic := toBasicData(payload.Result)
	r.logger.Debug("place resolved",
		zap.String("ref", entry.ExternalRef),
		zap.String("name", entry.DisplayName),
		zap.String("canonical_id", basic.CanonicalID),
		zap.Duration("duration", resp.Duration),
	)
	return basic, nil
}

func (r *Resolver) detailsURL(cid uint64) string {
	q := url.Values{}
	q.Set("cid", strconv.FormatUint(cid, 10))
	if len(r.cfg.Fields) > 0 {
		q.Set("fields", strings.Join(r.cfg.Fields, ","))
	}
	q.Set("key", r.cfg.APIKey)
	return r.cfg.BaseURL + "/details/json?" + q.Encode()
}

func (r *Resolver) fail(entry places.SourceEntry, reason string, err error) error {
	r.logger.Warn("resolve failed",
		zap.String("ref", entry.ExternalRef),
		zap.String("name", entry.DisplayName),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return &places.ResolutionError{Ref: entry.ExternalRef, Reason: reason, Err: err}
}

func toBasicData(res *detailsResult) places.ResolvedBasicData {
	basic := places.ResolvedBasicData{
		CanonicalID:    res.PlaceID,
		BusinessStatus: places.BusinessStatus(res.BusinessStatus),
		Categories:     res.Types,
	}
	if res.FormattedAddress != "" {
		addr := res.FormattedAddress
		basic.Address = &addr
	}
	if g := res.Geometry; g != nil && g.Location != nil && g.Location.Lat != nil && g.Location.Lng != nil {
		basic.Coordinates = &places.Coordinates{Lat: *g.Location.Lat, Lng: *g.Location.Lng}
	}
	return basic
}

func statusLabel(status string) string {
	if status == "" {
		return "unknown"
	}
	return status
}

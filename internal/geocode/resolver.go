// Package geocode turns detection coordinates into a short human-readable address.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/trapmos/trapmos-alerts/internal/logging"
	"github.com/trapmos/trapmos-alerts/internal/metrics"
)

// trailingComponents is how many comma-separated parts are dropped from the end
// of a display name (typically region, postcode and country).
const trailingComponents = 3

var errEmptyDisplayName = errors.New("empty display_name")

// Config configures a Resolver.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// Resolver performs reverse lookups against a Nominatim-compatible service.
type Resolver struct {
	base      *url.URL
	userAgent string
	timeout   time.Duration
	http      *http.Client
	cache     *cache.Cache
	logger    *zap.Logger
	metrics   *metrics.DispatchMetrics
}

// New creates a Resolver. A zero CacheTTL disables caching.
func New(cfg Config, logger *zap.Logger, m *metrics.DispatchMetrics) (*Resolver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("geocoder base url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" {
		return nil, fmt.Errorf("geocoder base url must include scheme")
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	r := &Resolver{
		base:      parsed,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		http:      &http.Client{},
		logger:    logging.OrNop(logger).Named("geocode"),
		metrics:   m,
	}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r, nil
}

// Resolve returns a shortened address for the point, or the coordinate
// fallback when the lookup fails for any reason. It never returns an error.
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) string {
	key := cacheKey(lat, lon)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			r.metrics.RecordGeocode("cached")
			return v.(string)
		}
	}

	name, err := r.lookup(ctx, lat, lon)
	if err != nil {
		r.logger.Warn("reverse geocode failed, using coordinates",
			zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
		r.metrics.RecordGeocode("fallback")
		return Fallback(lat, lon)
	}
	address := shorten(name)
	if address == "" {
		r.metrics.RecordGeocode("fallback")
		return Fallback(lat, lon)
	}
	if r.cache != nil {
		r.cache.SetDefault(key, address)
	}
	r.metrics.RecordGeocode("ok")
	return address
}

func (r *Resolver) lookup(ctx context.Context, lat, lon float64) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	u := *r.base
	u.Path = r.base.Path + "/reverse"
	values := url.Values{}
	values.Set("format", "jsonv2")
	values.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("reverse geocode http status %s", resp.Status)
	}
	var payload struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode reverse geocode response: %w", err)
	}
	if strings.TrimSpace(payload.DisplayName) == "" {
		return "", errEmptyDisplayName
	}
	return payload.DisplayName, nil
}

// Fallback formats coordinates with 7 decimal places.
func Fallback(lat, lon float64) string {
	return fmt.Sprintf("Lat: %.7f, Lng: %.7f", lat, lon)
}

// shorten drops the trailing components of a display name. Names with too few
// components are returned whole.
func shorten(displayName string) string {
	raw := strings.Split(displayName, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > trailingComponents {
		parts = parts[:len(parts)-trailingComponents]
	}
	return strings.Join(parts, ", ")
}

func cacheKey(lat, lon float64) string {
	round := func(v float64) float64 { return math.Round(v*1e5) / 1e5 }
	return strconv.FormatFloat(round(lat), 'f', 5, 64) + "," + strconv.FormatFloat(round(lon), 'f', 5, 64)
}

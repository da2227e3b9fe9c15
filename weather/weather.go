// Package weather proxies current conditions from OpenWeather for the mirror's
// outfit suggestions.
//
// A location name is geocoded first and the coordinates are then used for the
// current weather call in metric units. Results are cached per location so a
// busy kiosk does not spend the vendor quota.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nhalm/canonlog"
)

// DefaultBaseURL is the OpenWeather API root.
const DefaultBaseURL = "https://api.openweathermap.org"

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("weather: api key not configured")

	// ErrLocationNotFound is returned when geocoding finds no match.
	ErrLocationNotFound = errors.New("weather: location not found")

	// ErrUpstream wraps every failure talking to OpenWeather.
	ErrUpstream = errors.New("weather: upstream unavailable")
)

// Data is the current weather for a location.
type Data struct {
	Temperature float64 `json:"temperature"`
	Description string  `json:"description"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Icon        string  `json:"icon"`
}

// Cache stores lookups by normalized location. Get returns ErrCacheMiss when
// nothing is stored.
type Cache interface {
	Get(ctx context.Context, location string) (Data, error)
	Set(ctx context.Context, location string, d Data) error
}

// ErrCacheMiss is returned by Cache.Get when the location is not cached.
var ErrCacheMiss = errors.New("weather: cache miss")

// Config configures the client.
type Config struct {
	// APIKey is the OpenWeather appid. Empty makes every lookup fail with
	// ErrNotConfigured.
	APIKey string

	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client

	// Cache is optional.
	Cache Cache
}

// Client looks up current weather.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	cache   Cache
}

// NewClient creates a client from cfg.
func NewClient(cfg Config) *Client {
	c := &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		cache:   cfg.Cache,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	return c
}

// Configured reports whether the client has an API key.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Lookup returns the current weather for location. Cache failures are logged
// and otherwise ignored.
func (c *Client) Lookup(ctx context.Context, location string) (Data, error) {
	if !c.Configured() {
		return Data{}, ErrNotConfigured
	}

	key := normalize(location)
	if key == "" {
		return Data{}, ErrLocationNotFound
	}

	if c.cache != nil {
		d, err := c.cache.Get(ctx, key)
		if err == nil {
			addLogField(ctx, "weather_cache", "hit")
			return d, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			logCacheError(ctx, err)
		}
		addLogField(ctx, "weather_cache", "miss")
	}

	lat, lon, err := c.geocode(ctx, location)
	if err != nil {
		return Data{}, err
	}
	d, err := c.current(ctx, lat, lon)
	if err != nil {
		return Data{}, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, d); err != nil {
			logCacheError(ctx, err)
		}
	}
	return d, nil
}

type geoResult struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c *Client) geocode(ctx context.Context, location string) (float64, float64, error) {
	q := url.Values{}
	q.Set("q", strings.TrimSpace(location))
	q.Set("limit", "1")
	q.Set("appid", c.apiKey)

	var results []geoResult
	if err := c.get(ctx, "/geo/1.0/direct", q, &results); err != nil {
		return 0, 0, err
	}
	if len(results) == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrLocationNotFound, location)
	}
	return results[0].Lat, results[0].Lon, nil
}

type currentResponse struct {
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
}

func (c *Client) current(ctx context.Context, lat, lon float64) (Data, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%g", lat))
	q.Set("lon", fmt.Sprintf("%g", lon))
	q.Set("units", "metric")
	q.Set("appid", c.apiKey)

	var resp currentResponse
	if err := c.get(ctx, "/data/2.5/weather", q, &resp); err != nil {
		return Data{}, err
	}
	if len(resp.Weather) == 0 {
		return Data{}, fmt.Errorf("%w: response has no weather conditions", ErrUpstream)
	}

	return Data{
		Temperature: resp.Main.Temp,
		Description: resp.Weather[0].Description,
		Humidity:    resp.Main.Humidity,
		WindSpeed:   resp.Wind.Speed,
		Icon:        resp.Weather[0].Icon,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstream, path, redact(err, c.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

// url.Error includes the request URL, which carries the appid.
func redact(err error, secret string) string {
	return strings.ReplaceAll(err.Error(), secret, "[REDACTED]")
}

func normalize(location string) string {
	return strings.ToLower(strings.Join(strings.Fields(location), " "))
}

func addLogField(ctx context.Context, key string, value any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAdd(ctx, key, value)
	}
}

func logCacheError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, fmt.Errorf("weather cache: %w", err))
	}
}

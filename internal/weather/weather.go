// Package weather proxies OpenWeatherMap current conditions for job sites.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/syncbridge/internal/cache"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.openweathermap.org"

var (
	ErrNotConfigured      = errors.New("weather api key is not configured")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)

// UpstreamError is a non-2xx answer from OpenWeatherMap.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("openweathermap returned %d: %s", e.StatusCode, e.Message)
}

type Report struct {
	Location    string    `json:"location"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"windSpeed"`
	Conditions  string    `json:"conditions"`
	Description string    `json:"description"`
	Icon        string    `json:"icon,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
	Cached      bool      `json:"cached"`
}

type Options struct {
	APIKey     string
	BaseURL    string
	Units      string
	HTTPClient *http.Client
	Cache      cache.Cache
	TTL        time.Duration
	Logger     *zap.Logger
}

type Client struct {
	apiKey     string
	baseURL    string
	units      string
	httpClient *http.Client
	cache      cache.Cache
	ttl        time.Duration
	logger     *zap.Logger
}

func NewClient(opts Options) *Client {
	c := &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		units:      opts.Units,
		httpClient: opts.HTTPClient,
		cache:      opts.Cache,
		ttl:        opts.TTL,
		logger:     opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.units == "" {
		c.units = "imperial"
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if c.cache == nil {
		c.cache = cache.NewTTLCache(cache.TTLCacheOptions{})
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// CacheKey rounds to two decimals (about 1km) so nearby sites share an
// upstream call.
func CacheKey(lat, lon float64) string {
	return fmt.Sprintf("weather:%.2f,%.2f", lat, lon)
}

func ParseCoordinates(rawLat, rawLon string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(rawLat), 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("%w: lat %q", ErrInvalidCoordinates, rawLat)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(rawLon), 64)
	if err != nil || math.IsNaN(lon) || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("%w: lon %q", ErrInvalidCoordinates, rawLon)
	}
	return lat, lon, nil
}

// Current returns conditions at the coordinates, from cache when a report
// for the rounded location is still fresh. Cache failures only cost an
// upstream call.
func (c *Client) Current(ctx context.Context, lat, lon float64) (Report, error) {
	if c.apiKey == "" {
		return Report{}, ErrNotConfigured
	}
	key := CacheKey(lat, lon)
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("weather cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var report Report
		if err := json.Unmarshal(raw, &report); err == nil {
			report.Cached = true
			return report, nil
		}
	}

	report, err := c.fetch(ctx, lat, lon)
	if err != nil {
		return Report{}, err
	}
	if raw, err := json.Marshal(report); err == nil {
		if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn("weather cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return report, nil
}

type owmResponse struct {
	Name  string `json:"name"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Dt      int64  `json:"dt"`
	Message string `json:"message"`
}

func (c *Client) fetch(ctx context.Context, lat, lon float64) (Report, error) {
	query := url.Values{}
	query.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
	query.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))
	query.Set("units", c.units)
	query.Set("appid", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/2.5/weather?"+query.Encode(), nil)
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("openweathermap request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Report{}, fmt.Errorf("read openweathermap response: %w", err)
	}

	var payload owmResponse
	decodeErr := json.Unmarshal(body, &payload)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(payload.Message)
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return Report{}, &UpstreamError{StatusCode: resp.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return Report{}, fmt.Errorf("decode openweathermap response: %w", decodeErr)
	}

	report := Report{
		Location:    payload.Name,
		Latitude:    payload.Coord.Lat,
		Longitude:   payload.Coord.Lon,
		Temperature: payload.Main.Temp,
		FeelsLike:   payload.Main.FeelsLike,
		Humidity:    payload.Main.Humidity,
		WindSpeed:   payload.Wind.Speed,
	}
	if len(payload.Weather) > 0 {
		report.Conditions = payload.Weather[0].Main
		report.Description = payload.Weather[0].Description
		report.Icon = payload.Weather[0].Icon
	}
	if payload.Dt > 0 {
		report.ObservedAt = time.Unix(payload.Dt, 0).UTC()
	}
	return report, nil
}

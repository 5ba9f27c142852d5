package nominatim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"github.com/busmap/server/internal/lib/geo"
)

// DefaultBaseURL is the public OpenStreetMap Nominatim instance
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// MaxResults is the most places a single search returns
const MaxResults = 10

// viewboxDegrees is the half-width of the bounded search box around the bias point
const viewboxDegrees = 0.1

// HTTPDoer is the subset of *http.Client the client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Place is one geocoding result
type Place struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Position    geo.Coordinate    `json:"position"`
	Category    string            `json:"category,omitempty"`
	Type        string            `json:"type,omitempty"`
	Address     map[string]string `json:"address,omitempty"`
}

// Client searches places by free text, biased to a bounding box
type Client struct {
	baseURL    string
	userAgent  string
	httpClient HTTPDoer
	cache      gcache.Cache
}

// Config holds Nominatim settings
type Config struct {
	BaseURL   string        `koanf:"baseURL" yaml:"base_url"`
	UserAgent string        `koanf:"userAgent" yaml:"user_agent" validate:"required"`
	CacheSize int           `koanf:"cacheSize" yaml:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `koanf:"cacheTTL" yaml:"cache_ttl"`
}

// NewClient creates a new geocoding client
func NewClient(config Config) *Client {
	return NewClientWithHTTPDoer(config, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP doer (for tests)
func NewClientWithHTTPDoer(config Config, doer HTTPDoer) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1000
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Hour
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		userAgent:  config.UserAgent,
		httpClient: doer,
		cache: gcache.New(config.CacheSize).
			LRU().
			Expiration(config.CacheTTL).
			Build(),
	}
}

// Search returns up to MaxResults places matching query inside a box around bias
func (c *Client) Search(ctx context.Context, query string, bias geo.Coordinate) ([]Place, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	cacheKey := fmt.Sprintf("%s|%.3f,%.3f", strings.ToLower(query), bias.Latitude, bias.Longitude)
	if cached, err := c.cache.Get(cacheKey); err == nil {
		if places, ok := cached.([]Place); ok {
			return places, nil
		}
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("addressdetails", "1")
	params.Set("limit", strconv.Itoa(MaxResults))
	if geo.IsValidCoordinate(bias) {
		// left,top,right,bottom
		params.Set("viewbox", fmt.Sprintf("%f,%f,%f,%f",
			bias.Longitude-viewboxDegrees, bias.Latitude+viewboxDegrees,
			bias.Longitude+viewboxDegrees, bias.Latitude-viewboxDegrees))
		params.Set("bounded", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// Nominatim's usage policy requires an identifying User-Agent
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded")
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	places := make([]Place, 0, len(results))
	for _, r := range results {
		p, err := r.toPlace()
		if err != nil {
			log.Printf("Nominatim: skipping result %q: %v", r.DisplayName, err)
			continue
		}
		places = append(places, p)
		if len(places) == MaxResults {
			break
		}
	}

	if err := c.cache.Set(cacheKey, places); err != nil {
		log.Printf("Nominatim: failed to cache results for %q: %v", query, err)
	}
	return places, nil
}

type searchResult struct {
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Class       string            `json:"class"`
	Type        string            `json:"type"`
	Address     map[string]string `json:"address"`
}

func (r searchResult) toPlace() (Place, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return Place{}, fmt.Errorf("invalid latitude %q: %w", r.Lat, err)
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return Place{}, fmt.Errorf("invalid longitude %q: %w", r.Lon, err)
	}
	position, err := geo.NewCoordinate(lat, lon)
	if err != nil {
		return Place{}, err
	}

	name := r.Name
	if name == "" {
		// display_name is "name, street, district, city, country"
		name, _, _ = strings.Cut(r.DisplayName, ",")
	}
	return Place{
		Name:        name,
		DisplayName: r.DisplayName,
		Position:    position,
		Category:    r.Class,
		Type:        r.Type,
		Address:     r.Address,
	}, nil
}

package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/busmap/server/internal/lib/geo"
)

// DefaultBaseURL is the public OSRM demo server
const DefaultBaseURL = "https://router.project-osrm.org"

// HTTPDoer is the subset of *http.Client the client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides access to the OSRM route service
type Client struct {
	baseURL    string
	profile    string
	httpClient HTTPDoer
}

// NewClient creates a new OSRM client for the driving profile
func NewClient(baseURL string) *Client {
	return NewClientWithHTTPDoer(baseURL, &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP doer (for tests)
func NewClientWithHTTPDoer(baseURL string, doer HTTPDoer) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		profile:    "driving",
		httpClient: doer,
	}
}

// Route returns the road geometry through the waypoints, in order.
// Implements stitch.RoutingService.
func (c *Client) Route(ctx context.Context, waypoints []geo.Coordinate) ([]geo.Coordinate, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("at least 2 waypoints required, got %d", len(waypoints))
	}

	// OSRM takes lon,lat pairs
	pairs := make([]string, len(waypoints))
	for i, wp := range waypoints {
		pairs[i] = strconv.FormatFloat(wp.Longitude, 'f', 6, 64) + "," + strconv.FormatFloat(wp.Latitude, 'f', 6, 64)
	}
	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=polyline", c.baseURL, c.profile, strings.Join(pairs, ";"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("rate limit exceeded")
	}

	var response RouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// OSRM reports routing failures in the body, usually with a 400
	if response.Code != "Ok" {
		return nil, fmt.Errorf("routing failed (%d): %s: %s", resp.StatusCode, response.Code, response.Message)
	}
	if len(response.Routes) == 0 {
		return nil, fmt.Errorf("no routes found in response")
	}

	points, err := geo.DecodePolyline(response.Routes[0].Geometry)
	if err != nil {
		return nil, fmt.Errorf("failed to decode route geometry: %w", err)
	}
	return points, nil
}

// RouteResponse represents the OSRM route service response
type RouteResponse struct {
	Code    string  `json:"code"`
	Message string  `json:"message,omitempty"`
	Routes  []Route `json:"routes"`
}

// Route is a single route alternative
type Route struct {
	Geometry string  `json:"geometry"`
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

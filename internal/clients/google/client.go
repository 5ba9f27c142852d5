package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/busmap/server/internal/lib/geo"
)

// HTTPDoer is the subset of *http.Client the client needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides access to Google Routes API v2
type Client struct {
	apiKey     string
	httpClient HTTPDoer
	baseURL    string
}

// RouteData is the processed result of a computeRoutes call
type RouteData struct {
	DurationSeconds int32
	DistanceMeters  int32
	Polyline        string
	Points          []geo.Coordinate
}

// NewClient creates a new Google Routes API client
func NewClient(apiKey string) *Client {
	return NewClientWithHTTPDoer(apiKey, "https://routes.googleapis.com", &http.Client{
		Timeout: 30 * time.Second,
	})
}

// NewClientWithHTTPDoer creates a client with a custom base URL and HTTP doer
func NewClientWithHTTPDoer(apiKey, baseURL string, doer HTTPDoer) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: doer,
	}
}

// Route implements stitch.RoutingService: first and last waypoints become
// origin and destination, the rest are passed as intermediates.
func (c *Client) Route(ctx context.Context, waypoints []geo.Coordinate) ([]geo.Coordinate, error) {
	data, err := c.ComputeRoutes(ctx, waypoints)
	if err != nil {
		return nil, err
	}
	return data.Points, nil
}

// ComputeRoutes performs a DRIVE route computation through the waypoints
func (c *Client) ComputeRoutes(ctx context.Context, waypoints []geo.Coordinate) (*RouteData, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("at least 2 waypoints required, got %d", len(waypoints))
	}

	requestBody := computeRoutesRequest{
		Origin:      toWaypoint(waypoints[0]),
		Destination: toWaypoint(waypoints[len(waypoints)-1]),
		TravelMode:  "DRIVE",
	}
	for _, wp := range waypoints[1 : len(waypoints)-1] {
		requestBody.Intermediates = append(requestBody.Intermediates, toWaypoint(wp))
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/directions/v2:computeRoutes", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Field mask is required, the API rejects requests without it
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", "routes.duration,routes.distanceMeters,routes.polyline.encodedPolyline")
	req.Header.Set("Content-Type", "application/json")

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

	var response GoogleRoutesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(response.Routes) == 0 {
		return nil, fmt.Errorf("no routes found in response")
	}

	return c.processRouteResponse(response.Routes[0])
}

// processRouteResponse converts the API response to RouteData
func (c *Client) processRouteResponse(route GoogleRoute) (*RouteData, error) {
	durationSeconds, err := parseDuration(route.Duration)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}

	points, err := geo.DecodePolyline(route.Polyline.EncodedPolyline)
	if err != nil {
		return nil, fmt.Errorf("failed to decode polyline: %w", err)
	}

	return &RouteData{
		DurationSeconds: durationSeconds,
		DistanceMeters:  route.DistanceMeters,
		Polyline:        route.Polyline.EncodedPolyline,
		Points:          points,
	}, nil
}

// parseDuration parses Google's duration format like "450s" to seconds
func parseDuration(durationStr string) (int32, error) {
	if durationStr == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if len(durationStr) > 1 && durationStr[len(durationStr)-1] == 's' {
		durationStr = durationStr[:len(durationStr)-1]
	}

	var seconds int32
	_, err := fmt.Sscanf(durationStr, "%d", &seconds)
	return seconds, err
}

func toWaypoint(c geo.Coordinate) googleWaypoint {
	var wp googleWaypoint
	wp.Location.LatLng = googleLatLng{Latitude: c.Latitude, Longitude: c.Longitude}
	return wp
}

type computeRoutesRequest struct {
	Origin        googleWaypoint   `json:"origin"`
	Destination   googleWaypoint   `json:"destination"`
	Intermediates []googleWaypoint `json:"intermediates,omitempty"`
	TravelMode    string           `json:"travelMode"`
}

type googleWaypoint struct {
	Location struct {
		LatLng googleLatLng `json:"latLng"`
	} `json:"location"`
}

type googleLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GoogleRoutesResponse represents the API response structure
type GoogleRoutesResponse struct {
	Routes []GoogleRoute `json:"routes"`
}

// GoogleRoute represents a single route in the response
type GoogleRoute struct {
	Duration       string         `json:"duration"`
	DistanceMeters int32          `json:"distanceMeters"`
	Polyline       GooglePolyline `json:"polyline"`
}

// GooglePolyline represents the route polyline
type GooglePolyline struct {
	EncodedPolyline string `json:"encodedPolyline"`
}

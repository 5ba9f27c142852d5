package osrm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/geo"
)

var tripWaypoints = []geo.Coordinate{
	{Latitude: 38.5, Longitude: -120.2},
	{Latitude: 43.252, Longitude: -126.453},
}

func TestRoute_Success(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"geometry":"_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `@","distance":1200.5,"duration":300}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	points, err := client.Route(context.Background(), tripWaypoints)

	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 40.7, points[1].Latitude, 1e-6)
	assert.InDelta(t, -120.95, points[1].Longitude, 1e-6)

	assert.Equal(t, "/route/v1/driving/-120.200000,38.500000;-126.453000,43.252000", gotPath, "OSRM expects lon,lat pairs")
	assert.Equal(t, "overview=full&geometries=polyline", gotQuery)
}

func TestRoute_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"no route", http.StatusBadRequest, `{"code":"NoRoute","message":"Impossible route between points"}`, "NoRoute"},
		{"rate limited", http.StatusTooManyRequests, `{}`, "rate limit"},
		{"empty routes", http.StatusOK, `{"code":"Ok","routes":[]}`, "no routes"},
		{"bad geometry", http.StatusOK, `{"code":"Ok","routes":[{"geometry":""}]}`, "geometry"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "API error 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Route(context.Background(), tripWaypoints)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestRoute_TooFewWaypoints(t *testing.T) {
	_, err := NewClient("").Route(context.Background(), tripWaypoints[:1])
	assert.Error(t, err)
}

func TestRoute_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(server.URL).Route(ctx, tripWaypoints)
	assert.ErrorIs(t, err, context.Canceled)
}

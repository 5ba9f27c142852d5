package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busmap/server/internal/lib/location"
	"github.com/busmap/server/internal/lib/routing"
)

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details []struct {
		Reason string `json:"reason"`
		Domain string `json:"domain"`
	} `json:"details"`
}

type recordingReporter struct {
	mu      sync.Mutex
	devices []string
	fixes   []location.Fix
}

func (r *recordingReporter) Report(deviceID string, fix location.Fix, takenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, deviceID)
	r.fixes = append(r.fixes, fix)
	return nil
}

func serve(t *testing.T, api *API, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestAPI_Route(t *testing.T) {
	api := NewAPI(newTestEngine(t, Deps{}))

	rec := serve(t, api, http.MethodGet, "/api/v1/route?from=21.0512,105.8807&to=21.0012,105.8147", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var trip struct {
		Match    routing.RouteMatch `json:"match"`
		Rendered *RenderedPath      `json:"rendered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trip))
	assert.Equal(t, []string{"01"}, trip.Match.BusLineIDs)
	require.NotNil(t, trip.Rendered)
	assert.Len(t, trip.Rendered.Path.Points, 3)
}

func TestAPI_RouteInvalidCoordinates(t *testing.T) {
	api := NewAPI(newTestEngine(t, Deps{}))

	rec := serve(t, api, http.MethodGet, "/api/v1/route?from=abc&to=21.0012,105.8147", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, 3, body.Code, "INVALID_ARGUMENT")
	require.Len(t, body.Details, 1)
	assert.Equal(t, "INVALID_FROM", body.Details[0].Reason)
	assert.Equal(t, "busmap", body.Details[0].Domain)

	rec = serve(t, api, http.MethodGet, "/api/v1/route?from=21.0512,105.8807&to=95,105", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TO", decodeError(t, rec).Details[0].Reason)
}

func TestAPI_Paths(t *testing.T) {
	api := NewAPI(newTestEngine(t, Deps{}))

	rec := serve(t, api, http.MethodPost, "/api/v1/paths",
		`{"waypoints":[{"lat":21.0512,"lng":105.8807},{"lat":21.0302,"lng":105.8577}],"stops":["A","B"],"user":{"lat":21.05,"lng":105.88}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var rendered RenderedPath
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rendered))
	assert.Len(t, rendered.Path.Points, 2)
	assert.NotEmpty(t, rendered.Annotations)

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"not json", `{`, "INVALID_BODY"},
		{"no waypoints", `{"waypoints":[]}`, "INVALID_BODY"},
		{"bad waypoint", `{"waypoints":[{"lat":0,"lng":0}]}`, "INVALID_WAYPOINT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, api, http.MethodPost, "/api/v1/paths", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.reason, decodeError(t, rec).Details[0].Reason)
		})
	}
}

func TestAPI_LinePathFormats(t *testing.T) {
	api := NewAPI(newTestEngine(t, Deps{}))

	rec := serve(t, api, http.MethodGet, "/api/v1/lines/01/path", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "polyline")
	assert.Contains(t, body, "annotations")

	rec = serve(t, api, http.MethodGet, "/api/v1/lines/01/path.geojson", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "FeatureCollection")

	rec = serve(t, api, http.MethodGet, "/api/v1/lines/01/path.kml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<LineString>")

	rec = serve(t, api, http.MethodGet, "/api/v1/lines/99/path", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "LINE_NOT_FOUND", decodeError(t, rec).Details[0].Reason)
}

func TestAPI_Lines(t *testing.T) {
	rec := serve(t, NewAPI(newTestEngine(t, Deps{})), http.MethodGet, "/api/v1/lines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = serve(t, NewAPI(newTestEngine(t, Deps{Catalog: brokenStore{}})), http.MethodGet, "/api/v1/lines", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_NearbyAndSearch(t *testing.T) {
	api := NewAPI(newTestEngine(t, Deps{}))

	rec := serve(t, api, http.MethodGet, "/api/v1/stations/nearby?at=21.0285,105.8542&radius=500", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "station_01")

	rec = serve(t, api, http.MethodGet, "/api/v1/stations/nearby?at=21.0285,105.8542&radius=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, api, http.MethodGet, "/api/v1/search?q=Kim+M%C3%A3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "station_09")

	rec = serve(t, api, http.MethodGet, "/api/v1/search", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Devices(t *testing.T) {
	fresh := &location.Fix{Coordinate: hoanKiem, Accuracy: 15, Age: time.Second}
	devices := fakeDevices{
		"phone-1": {last: fresh},
		"phone-2": {subscribeErr: location.ErrPermissionDenied},
	}
	reporter := &recordingReporter{}
	api := NewAPI(newTestEngine(t, Deps{Devices: devices}), WithFixReporter(reporter))

	rec := serve(t, api, http.MethodPost, "/api/v1/devices/phone-1/location", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accuracy_m":15`)

	rec = serve(t, api, http.MethodPost, "/api/v1/devices/phone-2/location", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NO_PERMISSION", decodeError(t, rec).Details[0].Reason)

	rec = serve(t, api, http.MethodPost, "/api/v1/devices/phone-1/fixes", `{"lat":21.03,"lng":105.85,"accuracy_m":12,"source":"gps"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, reporter.fixes, 1)
	assert.Equal(t, "phone-1", reporter.devices[0])
	assert.Equal(t, 12.0, reporter.fixes[0].Accuracy)

	rec = serve(t, api, http.MethodPost, "/api/v1/devices/phone-1/fixes", `{"lat":123,"lng":105.85}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DeviceReportsDisabled(t *testing.T) {
	rec := serve(t, NewAPI(newTestEngine(t, Deps{})), http.MethodPost, "/api/v1/devices/phone-1/fixes", `{"lat":21.03,"lng":105.85}`)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestAPI_CORS(t *testing.T) {
	api := NewAPI(newTestEngine(t, Deps{}), WithCORS([]string{"https://busmap.example"}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lines", nil)
	req.Header.Set("Origin", "https://busmap.example")
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Equal(t, "https://busmap.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/lines", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLocationErrorCode(t *testing.T) {
	code, reason := locationErrorCode(location.ErrSuperseded)
	assert.Equal(t, "Aborted", code.String())
	assert.Equal(t, "SUPERSEDED", reason)

	code, _ = locationErrorCode(&location.Failure{Reason: location.Timeout})
	assert.Equal(t, "DeadlineExceeded", code.String())
}

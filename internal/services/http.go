package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/location"
	"github.com/busmap/server/internal/render"
	"github.com/busmap/server/internal/store"
)

const errorDomain = "busmap"

// APIPrefix is the path every API route lives under. The bare /api/ prefix
// belongs to the prefab gateway.
const APIPrefix = "/api/v1"

// FixReporter accepts positions pushed by devices
type FixReporter interface {
	Report(deviceID string, fix location.Fix, takenAt time.Time) error
}

// API serves the engine as JSON over HTTP
type API struct {
	engine      *Engine
	reporter    FixReporter
	corsOrigins []string
	validate    *validator.Validate
}

// APIOption configures an API
type APIOption func(*API)

// WithFixReporter enables POST /api/v1/devices/{id}/fixes
func WithFixReporter(r FixReporter) APIOption {
	return func(a *API) { a.reporter = r }
}

// WithCORS allows cross-origin requests from origins; "*" allows any
func WithCORS(origins []string) APIOption {
	return func(a *API) { a.corsOrigins = origins }
}

func NewAPI(engine *Engine, opts ...APIOption) *API {
	a := &API{engine: engine, validate: validator.New()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a router with every API route registered
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	a.RegisterRoutes(r)
	return r
}

func (a *API) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Use(a.cors)
	api.HandleFunc("/route", a.handleRoute).Methods(http.MethodGet)
	api.HandleFunc("/paths", a.handlePath).Methods(http.MethodPost)
	api.HandleFunc("/lines", a.handleLines).Methods(http.MethodGet)
	api.HandleFunc("/lines/{id}/path", a.handleLinePath).Methods(http.MethodGet)
	api.HandleFunc("/lines/{id}/path.{format:kml|geojson}", a.handleLinePath).Methods(http.MethodGet)
	api.HandleFunc("/stations/nearby", a.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/search", a.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/location", a.handleAcquire).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/fixes", a.handleReport).Methods(http.MethodPost)
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range a.corsOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	from, err := parseCoordinate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_FROM", fmt.Sprintf("from: %v", err))
		return
	}
	to, err := parseCoordinate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_TO", fmt.Sprintf("to: %v", err))
		return
	}
	writeJSON(w, a.engine.PlanTrip(r.Context(), from, to))
}

type pathRequest struct {
	Waypoints []geo.Coordinate `json:"waypoints" validate:"required,min=1,max=1000"`
	Stops     []string         `json:"stops" validate:"max=1000"`
	User      *geo.Coordinate  `json:"user"`
}

func (a *API) handlePath(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_BODY", "invalid request body")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_BODY", err.Error())
		return
	}
	for i, wp := range req.Waypoints {
		if !geo.IsValidCoordinate(wp) {
			writeError(w, codes.InvalidArgument, "INVALID_WAYPOINT", fmt.Sprintf("waypoint %d is not a valid coordinate", i))
			return
		}
	}
	writeJSON(w, a.engine.RenderPath(r.Context(), req.Waypoints, req.Stops, req.User))
}

func (a *API) handleLines(w http.ResponseWriter, r *http.Request) {
	lines, err := a.engine.catalog.GetAllBusLines(r.Context())
	if err != nil {
		log.Printf("Failed to list bus lines: %v", err)
		writeError(w, codes.Unavailable, "CATALOG_UNAVAILABLE", "bus line catalog unavailable")
		return
	}
	writeJSON(w, map[string]interface{}{"lines": lines, "count": len(lines)})
}

func (a *API) handleLinePath(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	line, err := a.engine.RenderLine(r.Context(), vars["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, codes.NotFound, "LINE_NOT_FOUND", fmt.Sprintf("bus line %s not found", vars["id"]))
			return
		}
		log.Printf("Failed to render bus line %s: %v", vars["id"], err)
		writeError(w, codes.Unavailable, "CATALOG_UNAVAILABLE", "bus line catalog unavailable")
		return
	}

	switch vars["format"] {
	case "kml":
		w.Header().Set("Content-Type", render.KMLContentType)
		name := fmt.Sprintf("Line %s - %s", line.Line.ID, line.Line.Name)
		if err := render.WriteKML(w, name, line.Path, line.Annotations); err != nil {
			log.Printf("Failed to write KML for line %s: %v", line.Line.ID, err)
		}
	case "geojson":
		w.Header().Set("Content-Type", render.GeoJSONContentType)
		if err := json.NewEncoder(w).Encode(render.GeoJSON(line.Path, line.Annotations)); err != nil {
			log.Printf("Failed to write GeoJSON for line %s: %v", line.Line.ID, err)
		}
	default:
		writeJSON(w, map[string]interface{}{
			"line":        line.Line,
			"path":        line.Path,
			"polyline":    geo.EncodePolyline(line.Path.Points),
			"annotations": line.Annotations,
		})
	}
}

func (a *API) handleNearby(w http.ResponseWriter, r *http.Request) {
	at, err := parseCoordinate(r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_AT", fmt.Sprintf("at: %v", err))
		return
	}
	var radius float64
	if raw := r.URL.Query().Get("radius"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil || radius <= 0 {
			writeError(w, codes.InvalidArgument, "INVALID_RADIUS", "radius must be a positive number of meters")
			return
		}
	}

	stations, err := a.engine.NearbyStations(r.Context(), at, radius)
	if err != nil {
		log.Printf("Nearby station lookup failed: %v", err)
		writeError(w, codes.Unavailable, "CATALOG_UNAVAILABLE", "station catalog unavailable")
		return
	}
	if stations == nil {
		stations = []store.NearbyStation{}
	}
	writeJSON(w, map[string]interface{}{"stations": stations, "count": len(stations)})
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, codes.InvalidArgument, "MISSING_QUERY", "q is required")
		return
	}
	var bias geo.Coordinate
	if raw := r.URL.Query().Get("near"); raw != "" {
		near, err := parseCoordinate(raw)
		if err != nil {
			writeError(w, codes.InvalidArgument, "INVALID_NEAR", fmt.Sprintf("near: %v", err))
			return
		}
		bias = near
	}

	results, err := a.engine.Search(r.Context(), query, bias)
	if err != nil {
		log.Printf("Search failed: %v", err)
		writeError(w, codes.Unavailable, "SEARCH_UNAVAILABLE", "search unavailable")
		return
	}
	writeJSON(w, map[string]interface{}{"results": results, "count": len(results)})
}

func (a *API) handleAcquire(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	fix, err := a.engine.AcquireLocation(r.Context(), deviceID)
	if err != nil {
		code, reason := locationErrorCode(err)
		writeError(w, code, reason, err.Error())
		return
	}
	writeJSON(w, fix)
}

type fixReport struct {
	Latitude  float64   `json:"lat" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"lng" validate:"gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy_m" validate:"gte=0"`
	Source    string    `json:"source" validate:"max=32"`
	TakenAt   time.Time `json:"taken_at"`
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	if a.reporter == nil {
		writeError(w, codes.Unimplemented, "NO_DEVICE_FEED", "device reports are not enabled")
		return
	}
	var report fixReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_BODY", "invalid request body")
		return
	}
	if err := a.validate.Struct(report); err != nil {
		writeError(w, codes.InvalidArgument, "INVALID_BODY", err.Error())
		return
	}

	fix := location.Fix{
		Coordinate: geo.Coordinate{Latitude: report.Latitude, Longitude: report.Longitude},
		Accuracy:   report.Accuracy,
		Source:     report.Source,
	}
	if err := a.reporter.Report(mux.Vars(r)["id"], fix, report.TakenAt); err != nil {
		log.Printf("Failed to forward device fix: %v", err)
		writeError(w, codes.Unavailable, "DEVICE_FEED_UNAVAILABLE", "device feed unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// locationErrorCode maps acquisition failures to status codes and reasons
func locationErrorCode(err error) (codes.Code, string) {
	if errors.Is(err, location.ErrSuperseded) {
		return codes.Aborted, "SUPERSEDED"
	}
	switch location.ReasonOf(err) {
	case location.NoPermission:
		return codes.PermissionDenied, "NO_PERMISSION"
	case location.ProviderDisabled:
		return codes.FailedPrecondition, "PROVIDER_DISABLED"
	case location.Timeout:
		return codes.DeadlineExceeded, "TIMEOUT"
	case location.NoFix:
		return codes.NotFound, "NO_FIX"
	}
	return codes.Canceled, "CANCELED"
}

// parseCoordinate reads "lat,lng"
func parseCoordinate(raw string) (geo.Coordinate, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return geo.Coordinate{}, fmt.Errorf("expected lat,lng")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("invalid longitude: %w", err)
	}
	c, err := geo.NewCoordinate(lat, lng)
	if err != nil {
		return geo.Coordinate{}, err
	}
	return c, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// writeError renders a google.rpc.Status body with an ErrorInfo detail,
// the same shape the gRPC gateway produces.
func writeError(w http.ResponseWriter, code codes.Code, reason, message string) {
	st := status.New(code, message)
	if detailed, err := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}); err == nil {
		st = detailed
	}
	body, err := protojson.Marshal(st.Proto())
	if err != nil {
		http.Error(w, message, runtime.HTTPStatusFromCode(code))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(code))
	if _, err := w.Write(body); err != nil {
		log.Printf("Failed to write error response: %v", err)
	}
}

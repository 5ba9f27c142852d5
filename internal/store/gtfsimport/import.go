// Package gtfsimport builds a catalog from a GTFS static feed
package gtfsimport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/OneBusAway/go-gtfs"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/transit"
	"github.com/busmap/server/internal/store/memory"
)

// Load reads a GTFS zip from a local path or an http(s) URL
func Load(ctx context.Context, source string) (*memory.Store, error) {
	data, err := fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse converts a GTFS zip into a catalog: one bus line per bus route, with
// the stops of its longest trip, and one station per stop served by a bus.
func Parse(data []byte) (*memory.Store, error) {
	static, err := gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse GTFS feed: %w", err)
	}
	return memory.New(Convert(static))
}

// Convert maps parsed GTFS data to catalog types
func Convert(static *gtfs.Static) memory.Catalog {
	longest := make(map[string]*gtfs.ScheduledTrip)
	for i := range static.Trips {
		trip := &static.Trips[i]
		if trip.Route == nil || !isBus(trip.Route.Type) {
			continue
		}
		if cur, ok := longest[trip.Route.Id]; !ok || len(trip.StopTimes) > len(cur.StopTimes) {
			longest[trip.Route.Id] = trip
		}
	}

	var catalog memory.Catalog
	served := make(map[string]map[string]bool) // stop id -> line ids
	used := make(map[string]bool)
	for _, route := range static.Routes {
		trip, ok := longest[route.Id]
		if !ok {
			continue
		}

		stopTimes := append([]gtfs.ScheduledStopTime(nil), trip.StopTimes...)
		sort.SliceStable(stopTimes, func(i, j int) bool { return stopTimes[i].StopSequence < stopTimes[j].StopSequence })

		line := transit.BusLine{ID: lineID(route), Name: lineName(route)}
		if used[line.ID] {
			// short names are not unique across agencies
			line.ID = route.Id
		}
		if route.Agency != nil {
			line.Schedule.Operator = route.Agency.Name
		}
		line.Schedule.OperatingHours = operatingHours(static.Trips, route.Id)

		var stopIDs []string
		for _, st := range stopTimes {
			c, ok := position(st.Stop)
			if !ok {
				continue
			}
			line.Points = append(line.Points, c)
			line.Stops = append(line.Stops, st.Stop.Name)
			stopIDs = append(stopIDs, st.Stop.Id)
		}
		if len(line.Points) == 0 || used[line.ID] {
			continue
		}
		used[line.ID] = true
		catalog.Lines = append(catalog.Lines, line)

		for _, id := range stopIDs {
			if served[id] == nil {
				served[id] = make(map[string]bool)
			}
			served[id][line.ID] = true
		}
	}

	for _, stop := range static.Stops {
		lines, ok := served[stop.Id]
		if !ok {
			continue
		}
		c, _ := position(&stop)
		st := transit.Station{ID: stop.Id, Name: stop.Name, Position: c, Address: stop.Description}
		for id := range lines {
			st.LineIDs = append(st.LineIDs, id)
		}
		sort.Strings(st.LineIDs)
		catalog.Stations = append(catalog.Stations, st)
	}
	return catalog
}

// Route types 3 (bus) and 700-716 (extended bus types)
func isBus(t gtfs.RouteType) bool {
	return t == 3 || (t >= 700 && t <= 716)
}

func lineID(r gtfs.Route) string {
	if r.ShortName != "" {
		return r.ShortName
	}
	return r.Id
}

func lineName(r gtfs.Route) string {
	if r.LongName != "" {
		return r.LongName
	}
	return r.Description
}

func position(s *gtfs.Stop) (geo.Coordinate, bool) {
	if s == nil || s.Latitude == nil || s.Longitude == nil {
		return geo.Coordinate{}, false
	}
	c := geo.Coordinate{Latitude: *s.Latitude, Longitude: *s.Longitude}
	return c, geo.IsValidCoordinate(c)
}

// operatingHours spans the first departure to the last arrival of any trip on the route
func operatingHours(trips []gtfs.ScheduledTrip, routeID string) string {
	first, last := time.Duration(-1), time.Duration(-1)
	for _, trip := range trips {
		if trip.Route == nil || trip.Route.Id != routeID || len(trip.StopTimes) == 0 {
			continue
		}
		for _, st := range trip.StopTimes {
			if first < 0 || st.DepartureTime < first {
				first = st.DepartureTime
			}
			if st.ArrivalTime > last {
				last = st.ArrivalTime
			}
		}
	}
	if first < 0 || last < 0 {
		return ""
	}
	return fmt.Sprintf("%s-%s", clock(first), clock(last))
}

func clock(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%02d", h, m)
}

func fetch(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read GTFS file: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download GTFS feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GTFS download returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read GTFS feed: %w", err)
	}
	return data, nil
}

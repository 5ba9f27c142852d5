package geo

import (
	"errors"
	"math"

	"github.com/twpayne/go-polyline"
)

// Earth's mean radius in meters
const earthRadius = 6371000

// IsValidCoordinate validates latitude and longitude values.
// The null island (0,0) is what uninitialized device fixes report, so it is rejected too.
func IsValidCoordinate(c Coordinate) bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	if c.Latitude == 0 && c.Longitude == 0 {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// NewCoordinate creates a Coordinate from latitude and longitude values with validation
func NewCoordinate(latitude, longitude float64) (Coordinate, error) {
	c := Coordinate{Latitude: latitude, Longitude: longitude}
	if !IsValidCoordinate(c) {
		return Coordinate{}, errors.New("invalid coordinates: latitude must be [-90, 90], longitude must be [-180, 180] and not 0,0")
	}
	return c, nil
}

// Distance calculates great-circle distance between two points using Haversine formula
func Distance(a, b Coordinate) float64 {
	if a == b {
		return 0
	}

	lat1 := toRadians(a.Latitude)
	lon1 := toRadians(a.Longitude)
	lat2 := toRadians(b.Latitude)
	lon2 := toRadians(b.Longitude)

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadius * c
}

// Bearing returns the initial compass bearing from a to b in degrees, in [0, 360).
// Identical points have no direction and yield 0.
func Bearing(a, b Coordinate) float64 {
	if a == b {
		return 0
	}

	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dlon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)

	deg := math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// NearestIndex returns the index of the point closest to target, -1 for an empty slice.
// Ties resolve to the first occurrence.
func NearestIndex(points []Coordinate, target Coordinate) int {
	best := -1
	bestDistance := math.Inf(1)
	for i, p := range points {
		d := Distance(p, target)
		if d < bestDistance {
			best = i
			bestDistance = d
		}
	}
	return best
}

// AnyWithin reports whether at least one point is within radiusMeters of target
func AnyWithin(points []Coordinate, target Coordinate, radiusMeters float64) bool {
	for _, p := range points {
		if Distance(p, target) <= radiusMeters {
			return true
		}
	}
	return false
}

// PathLength sums the segment lengths of an ordered point sequence
func PathLength(points []Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// BoundsAround returns a box that encloses every point within radiusMeters of center.
// The box is an over-approximation; callers filter with Distance afterwards.
// Longitudes are clamped to [-180, 180], so a circle crossing the antimeridian
// loses its far side; use BoxesAround for index queries.
func BoundsAround(center Coordinate, radiusMeters float64) Bounds {
	dLat, dLon := spanAround(center, radiusMeters)
	box := Bounds{
		MinLatitude:  math.Max(-90, center.Latitude-dLat),
		MaxLatitude:  math.Min(90, center.Latitude+dLat),
		MinLongitude: math.Max(-180, center.Longitude-dLon),
		MaxLongitude: math.Min(180, center.Longitude+dLon),
	}
	if dLon >= 180 {
		box.MinLongitude, box.MaxLongitude = -180, 180
	}
	return box
}

// BoxesAround covers the same circle as BoundsAround with one box, or two when
// the circle crosses the antimeridian.
func BoxesAround(center Coordinate, radiusMeters float64) []Bounds {
	box := BoundsAround(center, radiusMeters)
	_, dLon := spanAround(center, radiusMeters)
	west, east := center.Longitude-dLon, center.Longitude+dLon

	switch {
	case dLon >= 180:
		return []Bounds{box}
	case west < -180:
		wrapped := box
		wrapped.MinLongitude, wrapped.MaxLongitude = west+360, 180
		return []Bounds{box, wrapped}
	case east > 180:
		wrapped := box
		wrapped.MinLongitude, wrapped.MaxLongitude = -180, east-360
		return []Bounds{box, wrapped}
	}
	return []Bounds{box}
}

// spanAround returns the latitude and longitude half-widths in degrees of a
// box around the circle. A circle reaching a pole spans every longitude.
func spanAround(center Coordinate, radiusMeters float64) (dLat, dLon float64) {
	dLat = toDegrees(radiusMeters / earthRadius)
	if center.Latitude+dLat >= 90 || center.Latitude-dLat <= -90 {
		return dLat, 180
	}

	dLon = 180.0
	if cosLat := math.Cos(toRadians(center.Latitude)); cosLat > 1e-9 {
		dLon = math.Min(180, dLat/cosLat)
	}
	return dLat, dLon
}

// DecodePolyline decodes Google polyline string to point sequence
func DecodePolyline(encoded string) ([]Coordinate, error) {
	if encoded == "" {
		return nil, errors.New("encoded polyline string is empty")
	}

	coords, rest, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, errors.New("failed to decode polyline: " + err.Error())
	}
	if len(rest) > 0 {
		return nil, errors.New("failed to decode polyline: trailing data")
	}

	points := make([]Coordinate, len(coords))
	for i, coord := range coords {
		points[i] = Coordinate{
			Latitude:  coord[0],
			Longitude: coord[1],
		}

		if !IsValidCoordinate(points[i]) {
			return nil, errors.New("decoded polyline contains invalid coordinates")
		}
	}

	return points, nil
}

// EncodePolyline encodes a point sequence as a Google polyline string
func EncodePolyline(points []Coordinate) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	return string(polyline.EncodeCoords(coords))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

package geo

// Coordinate represents a WGS84 geographic coordinate in degrees
type Coordinate struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lng" yaml:"lng"`
}

// Bounds represents an axis-aligned latitude/longitude box
type Bounds struct {
	MinLatitude  float64 `json:"min_lat"`
	MinLongitude float64 `json:"min_lng"`
	MaxLatitude  float64 `json:"max_lat"`
	MaxLongitude float64 `json:"max_lng"`
}

// Contains reports whether c lies inside the box (edges included)
func (b Bounds) Contains(c Coordinate) bool {
	return c.Latitude >= b.MinLatitude && c.Latitude <= b.MaxLatitude &&
		c.Longitude >= b.MinLongitude && c.Longitude <= b.MaxLongitude
}

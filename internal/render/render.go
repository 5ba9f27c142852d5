// Package render exports stitched paths and their annotations for map clients
// that do not speak the JSON API: KML for desktop GIS tools, GeoJSON for web maps.
package render

import (
	"fmt"
	"image/color"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-kml"

	"github.com/busmap/server/internal/lib/geo"
	"github.com/busmap/server/internal/lib/overlay"
	"github.com/busmap/server/internal/lib/stitch"
)

// Content types for the exported documents
const (
	KMLContentType     = "application/vnd.google-earth.kml+xml"
	GeoJSONContentType = "application/geo+json"
)

var (
	roadColor     = color.RGBA{R: 0x1e, G: 0x88, B: 0xe5, A: 0xff}
	straightColor = color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff}
)

// WriteKML writes path as a KML document: one LineString per stitched segment,
// colored by geometry source, followed by a Point placemark per annotation.
// Direction arrows carry their rotation as the icon heading.
func WriteKML(w io.Writer, name string, path stitch.Path, annotations []overlay.Annotation) error {
	doc := kml.Document(kml.Name(name))

	for i, seg := range segmentsOf(path) {
		lineColor := roadColor
		if seg.source == stitch.SourceStraight {
			lineColor = straightColor
		}
		doc.Add(kml.Placemark(
			kml.Name(fmt.Sprintf("Segment %d", i+1)),
			kml.Description(string(seg.source)),
			kml.Style(kml.LineStyle(kml.Color(lineColor), kml.Width(4))),
			kml.LineString(
				kml.Tessellate(true),
				kml.Coordinates(kmlCoordinates(seg.points)...),
			),
		))
	}

	for _, a := range annotations {
		title := a.Title
		if title == "" {
			title = string(a.Role)
		}
		doc.Add(kml.Placemark(
			kml.Name(title),
			kml.Description(string(a.Role)),
			kml.Style(kml.IconStyle(kml.Heading(a.Rotation))),
			kml.Point(kml.Coordinates(kmlCoordinate(a.Position))),
		))
	}

	if err := kml.KML(doc).WriteIndent(w, "", "  "); err != nil {
		return fmt.Errorf("failed to write KML: %w", err)
	}
	return nil
}

// GeoJSON converts path to a feature collection. Segment features carry a
// "source" property; annotation features carry "role", "rotation" and "title".
func GeoJSON(path stitch.Path, annotations []overlay.Annotation) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for i, seg := range segmentsOf(path) {
		f := geojson.NewFeature(lineString(seg.points))
		f.Properties["kind"] = "segment"
		f.Properties["index"] = i
		f.Properties["source"] = string(seg.source)
		if seg.err != "" {
			f.Properties["error"] = seg.err
		}
		fc.Append(f)
	}

	for _, a := range annotations {
		f := geojson.NewFeature(orb.Point{a.Position.Longitude, a.Position.Latitude})
		f.Properties["kind"] = "annotation"
		f.Properties["role"] = string(a.Role)
		f.Properties["rotation"] = a.Rotation
		if a.Title != "" {
			f.Properties["title"] = a.Title
		}
		fc.Append(f)
	}
	return fc
}

type segment struct {
	source stitch.Source
	points []geo.Coordinate
	err    string
}

// segmentsOf returns one polyline per stitched segment, or a single road
// polyline when the path carries no segment breakdown.
func segmentsOf(path stitch.Path) []segment {
	if len(path.Segments) == 0 {
		if len(path.Points) < 2 {
			return nil
		}
		return []segment{{source: stitch.SourceRoad, points: path.Points}}
	}
	polylines := path.SegmentPoints()
	out := make([]segment, len(polylines))
	for i, points := range polylines {
		out[i] = segment{source: path.Segments[i].Source, points: points, err: path.Segments[i].Error}
	}
	return out
}

func lineString(points []geo.Coordinate) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = orb.Point{p.Longitude, p.Latitude}
	}
	return ls
}

func kmlCoordinate(c geo.Coordinate) kml.Coordinate {
	return kml.Coordinate{Lon: c.Longitude, Lat: c.Latitude}
}

func kmlCoordinates(points []geo.Coordinate) []kml.Coordinate {
	out := make([]kml.Coordinate, len(points))
	for i, p := range points {
		out[i] = kmlCoordinate(p)
	}
	return out
}

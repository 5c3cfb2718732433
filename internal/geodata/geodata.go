// Package geodata reads GeoJSON datasets and turns them into the point
// slices the matcher consumes: candidate points with an attribute value,
// and query points (polygon features contribute their centroid).
package geodata

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ReadFeatureCollection loads and parses a GeoJSON FeatureCollection file.
func ReadFeatureCollection(path string) (*geojson.FeatureCollection, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// Points extracts every point feature together with the named property,
// keeping feature order. Non-point features are skipped; a point feature
// missing the property is an error since the attribute is what a match
// reports back.
func Points(fc *geojson.FeatureCollection, attrKey string) ([]orb.Point, []any, error) {
	var pts []orb.Point
	var attrs []any
	for i, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}
		attr, ok := f.Properties[attrKey]
		if !ok {
			return nil, nil, fmt.Errorf("feature %d: point has no %q property", i, attrKey)
		}
		pts = append(pts, p)
		attrs = append(attrs, attr)
	}
	return pts, attrs, nil
}

// QueryPoints derives one query point per feature: points pass through,
// polygons and multipolygons contribute their centroid. Other geometry
// types are skipped. The returned names come from the nameKey property
// (empty string when absent).
func QueryPoints(fc *geojson.FeatureCollection, nameKey string) ([]orb.Point, []string) {
	var pts []orb.Point
	var names []string
	for _, f := range fc.Features {
		var q orb.Point
		switch g := f.Geometry.(type) {
		case orb.Point:
			q = g
		case orb.Polygon, orb.MultiPolygon:
			q, _ = planar.CentroidArea(g)
		default:
			continue
		}
		pts = append(pts, q)
		names = append(names, f.Properties.MustString(nameKey, ""))
	}
	return pts, names
}

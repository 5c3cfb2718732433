package models

import "github.com/paulmach/orb"

type Coordinate struct {
	Lat float64
	Lon float64
}

// Point converts to the lon/lat (x/y) order the geometry library uses.
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

type Record struct {
	ID       string
	Name     string
	Loc      Coordinate
	RowIndex int
}

// ResultRow is one line of the output table: the query record plus the
// nearest candidate's attribute, position and distance. Err carries a
// per-row failure message; the rest of the row stays zero in that case.
type ResultRow struct {
	QueryName   string
	QueryLat    float64
	QueryLon    float64
	NearestAttr string
	NearestLat  float64
	NearestLon  float64
	Distance    float64
	Err         string
}

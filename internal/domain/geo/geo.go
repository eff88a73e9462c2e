// Package geo provides the minimal planar geometry the fleet coordinator
// needs to decide whether a bike sits inside a pickup point's service area.
package geo

import "math"

// Point is a WGS84 coordinate pair; field order matches the bike's
// location_update params, lat first then long.
type Point struct {
	Lat  float64
	Long float64
}

// Polygon is a closed ring of points describing a pickup point's area. The
// ring is not required to repeat its first point as its last; Contains
// treats it as implicitly closed.
type Polygon struct {
	Rings []Point
}

// Contains reports whether p lies inside the polygon using the standard
// ray-casting (even-odd rule) algorithm. A point exactly on an edge may be
// reported inside or outside, depending on which edge it lies on;
// pickup-point boundaries are not expected to be tested
// precisely enough for this distinction to matter in practice.
//
// No geometry library appears anywhere in the reference pack this module
// was built from, so this is a deliberate, small, self-contained
// implementation rather than a dependency.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly.Rings)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly.Rings[i], poly.Rings[j]

		crosses := (pi.Lat > p.Lat) != (pj.Lat > p.Lat)
		if crosses {
			slopeX := (pj.Long-pi.Long)*(p.Lat-pi.Lat)/(pj.Lat-pi.Lat) + pi.Long
			if p.Long < slopeX {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Distance returns the Euclidean distance between two points, treating
// lat/long as planar coordinates. This is adequate for the short distances
// a single rental covers; it does not attempt great-circle accuracy.
func Distance(a, b Point) float64 {
	dLat := a.Lat - b.Lat
	dLong := a.Long - b.Long
	return math.Sqrt(dLat*dLat + dLong*dLong)
}

// PolylineLength sums the distance between consecutive points.
func PolylineLength(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}


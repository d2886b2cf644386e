package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// PolygonContains reports whether the point lies inside or on the
// boundary of the ring. Points exactly on an edge count as contained so
// adjacent zones sharing a border leave no gap between them.
//
// Standard ray casting: shoot a ray east from the point and count edge
// crossings. The ring may be given open or closed; the last->first edge
// is always considered.
func PolygonContains(ring []models.Coord, lat, lon float64) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if onSegment(a, b, lat, lon) {
			return true
		}
		// crossing test on the latitude axis
		if (a.Lat > lat) != (b.Lat > lat) {
			x := a.Lon + (lat-a.Lat)/(b.Lat-a.Lat)*(b.Lon-a.Lon)
			if lon < x {
				inside = !inside
			}
		}
	}
	return inside
}

// onSegment reports whether (lat, lon) lies on the segment a-b within a
// small tolerance.
func onSegment(a, b models.Coord, lat, lon float64) bool {
	const eps = 1e-12
	cross := (b.Lon-a.Lon)*(lat-a.Lat) - (b.Lat-a.Lat)*(lon-a.Lon)
	if math.Abs(cross) > eps {
		return false
	}
	if lon < math.Min(a.Lon, b.Lon)-eps || lon > math.Max(a.Lon, b.Lon)+eps {
		return false
	}
	if lat < math.Min(a.Lat, b.Lat)-eps || lat > math.Max(a.Lat, b.Lat)+eps {
		return false
	}
	return true
}

// PolygonArea returns the shoelace area of the ring in squared degrees.
// Only used to compare two polygons covering the same point, so the unit
// does not matter.
func PolygonArea(ring []models.Coord) float64 {
	n := len(ring)
	if n < 3 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		sum += a.Lon*b.Lat - b.Lon*a.Lat
	}
	return math.Abs(sum) / 2
}

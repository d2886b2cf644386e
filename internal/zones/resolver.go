package zones

import (
	"errors"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrOutOfServiceArea means no active zone contains the point. This is a
// user-facing outcome, not an internal failure.
var ErrOutOfServiceArea = errors.New("location is outside the service area")

// Resolver picks the most specific zone for a coordinate.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the containing zone with the highest priority. Ties go
// to the zone with a parent (the more specific type), then to the zone
// with the smaller polygon, then to the lexically smaller id so repeated
// calls never flip between equals.
func (r *Resolver) Resolve(lon, lat float64) (models.Zone, error) {
	candidates := r.store.Containing(lat, lon)
	if len(candidates) == 0 {
		return models.Zone{}, ErrOutOfServiceArea
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if (a.ParentID != "") != (b.ParentID != "") {
			return a.ParentID != ""
		}
		aa, ba := geo.PolygonArea(a.Polygon), geo.PolygonArea(b.Polygon)
		if aa != ba {
			return aa < ba
		}
		return a.ID < b.ID
	})
	return candidates[0], nil
}

// Package zones holds the in-memory zone table and the point-to-zone
// resolver. The table is a read-only snapshot refreshed from the
// persistence collaborator; admin writes land there first and then
// trigger Refresh, so readers never see a half-applied update.
package zones

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Source is the persistence side of the read-through cache.
type Source interface {
	ListZones(ctx context.Context) ([]models.Zone, error)
}

type snapshot struct {
	byID   map[string]models.Zone
	active []models.Zone
}

// Store serves point-containment and hierarchy lookups from an immutable
// snapshot swapped atomically on refresh.
type Store struct {
	source Source
	logger *slog.Logger
	snap   atomic.Pointer[snapshot]
}

func NewStore(source Source, logger *slog.Logger) *Store {
	s := &Store{source: source, logger: logger}
	s.snap.Store(&snapshot{byID: map[string]models.Zone{}})
	return s
}

// Refresh reloads all zones and swaps the snapshot. Zones with malformed
// polygons or broken parent chains are dropped with a warning rather
// than poisoning the whole table; the persistence layer does not enforce
// acyclicity, so it is checked here.
func (s *Store) Refresh(ctx context.Context) error {
	all, err := s.source.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}
	byID := make(map[string]models.Zone, len(all))
	for _, z := range all {
		byID[z.ID] = z
	}

	next := &snapshot{byID: make(map[string]models.Zone, len(all))}
	for _, z := range all {
		if err := validate(z, byID); err != nil {
			s.logger.Warn("dropping invalid zone", "zone_id", z.ID, "name", z.Name, "error", err)
			continue
		}
		if z.Priority == 0 {
			z.Priority = z.Type.DefaultPriority()
		}
		next.byID[z.ID] = z
		if z.Active {
			next.active = append(next.active, z)
		}
	}
	s.snap.Store(next)
	s.logger.Info("zone table refreshed", "total", len(all), "active", len(next.active))
	return nil
}

func validate(z models.Zone, byID map[string]models.Zone) error {
	if distinctVertices(z.Polygon) < 3 {
		return fmt.Errorf("polygon needs at least 3 distinct vertices")
	}
	// walk the parent chain; it must be acyclic and end at a parentless
	// barangay
	seen := map[string]bool{z.ID: true}
	cur := z
	for cur.ParentID != "" {
		if seen[cur.ParentID] {
			return fmt.Errorf("parent chain contains a cycle at %q", cur.ParentID)
		}
		seen[cur.ParentID] = true
		parent, ok := byID[cur.ParentID]
		if !ok {
			return fmt.Errorf("parent %q does not exist", cur.ParentID)
		}
		cur = parent
	}
	if cur.Type != models.ZoneBarangay {
		return fmt.Errorf("parent chain ends at %q which is not a barangay", cur.ID)
	}
	return nil
}

func distinctVertices(ring []models.Coord) int {
	seen := make(map[models.Coord]bool, len(ring))
	for _, c := range ring {
		seen[c] = true
	}
	return len(seen)
}

// Get returns the zone by id, active or not.
func (s *Store) Get(id string) (models.Zone, bool) {
	z, ok := s.snap.Load().byID[id]
	return z, ok
}

// Containing returns all active zones whose polygon contains the point.
func (s *Store) Containing(lat, lon float64) []models.Zone {
	snap := s.snap.Load()
	var out []models.Zone
	for _, z := range snap.active {
		if geo.PolygonContains(z.Polygon, lat, lon) {
			out = append(out, z)
		}
	}
	return out
}

// Barangay walks the parent chain of a zone up to its root barangay. A
// barangay is its own root.
func (s *Store) Barangay(id string) (models.Zone, bool) {
	snap := s.snap.Load()
	cur, ok := snap.byID[id]
	if !ok {
		return models.Zone{}, false
	}
	// chains were validated acyclic at refresh, but bound the walk anyway
	for i := 0; i < len(snap.byID)+1; i++ {
		if cur.ParentID == "" {
			return cur, cur.Type == models.ZoneBarangay
		}
		parent, ok := snap.byID[cur.ParentID]
		if !ok {
			return models.Zone{}, false
		}
		cur = parent
	}
	return models.Zone{}, false
}

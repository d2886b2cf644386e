package zones

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeSource struct{ zones []models.Zone }

func (f *fakeSource) ListZones(ctx context.Context) ([]models.Zone, error) { return f.zones, nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ring(lon, lat, size float64) []models.Coord {
	return []models.Coord{
		{Lon: lon, Lat: lat},
		{Lon: lon + size, Lat: lat},
		{Lon: lon + size, Lat: lat + size},
		{Lon: lon, Lat: lat + size},
		{Lon: lon, Lat: lat},
	}
}

func newStore(t *testing.T, zs ...models.Zone) *Store {
	t.Helper()
	s := NewStore(&fakeSource{zones: zs}, testLogger())
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return s
}

func TestResolveSingleZone(t *testing.T) {
	s := newStore(t, models.Zone{ID: "b1", Name: "Poblacion", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 1, Active: true})
	r := NewResolver(s)
	z, err := r.Resolve(0.5, 0.5)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if z.ID != "b1" {
		t.Fatalf("expected b1, got %s", z.ID)
	}
}

func TestResolveOutOfServiceArea(t *testing.T) {
	s := newStore(t, models.Zone{ID: "b1", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 1, Active: true})
	r := NewResolver(s)
	if _, err := r.Resolve(5, 5); !errors.Is(err, ErrOutOfServiceArea) {
		t.Fatalf("expected ErrOutOfServiceArea, got %v", err)
	}
}

func TestResolveInactiveIgnored(t *testing.T) {
	s := newStore(t, models.Zone{ID: "b1", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 1, Active: false})
	r := NewResolver(s)
	if _, err := r.Resolve(0.5, 0.5); !errors.Is(err, ErrOutOfServiceArea) {
		t.Fatalf("expected ErrOutOfServiceArea for inactive zone, got %v", err)
	}
}

func TestResolvePrefersHighestPriority(t *testing.T) {
	barangay := models.Zone{ID: "brgy-a", Name: "Barangay A", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 1, Active: true}
	landmark := models.Zone{ID: "lm-x", Name: "Landmark X", Type: models.ZoneLandmark, ParentID: "brgy-a", Polygon: ring(0.4, 0.4, 0.2), Priority: 10, Active: true}
	r := NewResolver(newStore(t, barangay, landmark))

	// deterministic across repeated calls
	for i := 0; i < 20; i++ {
		z, err := r.Resolve(0.5, 0.5)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if z.ID != "lm-x" {
			t.Fatalf("expected landmark to win, got %s", z.ID)
		}
	}
}

func TestResolveTieBreaks(t *testing.T) {
	// equal priority: the zone with a parent wins
	b := models.Zone{ID: "b", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 5, Active: true}
	a := models.Zone{ID: "a", Type: models.ZoneArea, ParentID: "b", Polygon: ring(0.2, 0.2, 0.6), Priority: 5, Active: true}
	z, err := NewResolver(newStore(t, b, a)).Resolve(0.5, 0.5)
	if err != nil || z.ID != "a" {
		t.Fatalf("expected parented zone to win tie, got %v %v", z.ID, err)
	}

	// equal priority, both parented: smaller polygon wins
	small := models.Zone{ID: "small", Type: models.ZoneArea, ParentID: "b", Polygon: ring(0.4, 0.4, 0.2), Priority: 5, Active: true}
	z, err = NewResolver(newStore(t, b, a, small)).Resolve(0.5, 0.5)
	if err != nil || z.ID != "small" {
		t.Fatalf("expected smaller zone to win tie, got %v %v", z.ID, err)
	}
}

func TestRefreshDropsCyclicChains(t *testing.T) {
	x := models.Zone{ID: "x", Type: models.ZoneArea, ParentID: "y", Polygon: ring(0, 0, 1), Priority: 2, Active: true}
	y := models.Zone{ID: "y", Type: models.ZoneArea, ParentID: "x", Polygon: ring(0, 0, 1), Priority: 2, Active: true}
	ok := models.Zone{ID: "b", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 1, Active: true}
	s := newStore(t, x, y, ok)

	if _, found := s.Get("x"); found {
		t.Fatal("cyclic zone should have been dropped")
	}
	if _, found := s.Get("b"); !found {
		t.Fatal("valid zone should survive a bad sibling")
	}
}

func TestRefreshDropsNonBarangayRoot(t *testing.T) {
	orphan := models.Zone{ID: "a", Type: models.ZoneArea, Polygon: ring(0, 0, 1), Priority: 2, Active: true}
	s := newStore(t, orphan)
	if _, found := s.Get("a"); found {
		t.Fatal("parentless area should have been dropped")
	}
}

func TestBarangayAncestor(t *testing.T) {
	b := models.Zone{ID: "b", Type: models.ZoneBarangay, Polygon: ring(0, 0, 1), Priority: 1, Active: true}
	a := models.Zone{ID: "a", Type: models.ZoneArea, ParentID: "b", Polygon: ring(0.2, 0.2, 0.6), Priority: 2, Active: true}
	lm := models.Zone{ID: "lm", Type: models.ZoneLandmark, ParentID: "a", Polygon: ring(0.4, 0.4, 0.1), Priority: 3, Active: true}
	s := newStore(t, b, a, lm)

	for _, id := range []string{"b", "a", "lm"} {
		root, ok := s.Barangay(id)
		if !ok || root.ID != "b" {
			t.Fatalf("expected barangay b for %s, got %v %v", id, root.ID, ok)
		}
	}
	if _, ok := s.Barangay("missing"); ok {
		t.Fatal("expected miss for unknown zone")
	}
}

package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Index answers "which available drivers are near this point", used to
// bound ride-request fan-out before broadcast.
type Index interface {
	Near(lat, lon, radiusMeters float64) []models.DriverLocation
	Upsert(d models.DriverLocation)
	Remove(driverID string)
}

// MemoryIndex is a naive scan over an in-process table. Fine for a single
// node; the Redis-backed index takes over when REDIS_ADDR is set.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverLocation
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.DriverLocation)}
}

func (g *MemoryIndex) Upsert(d models.DriverLocation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.DriverID] = d
}

func (g *MemoryIndex) Remove(driverID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
}

func (g *MemoryIndex) Near(lat, lon, radiusMeters float64) []models.DriverLocation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverLocation, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available {
			continue
		}
		if Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon) <= radiusMeters {
			out = append(out, d)
		}
	}
	return out
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the durable side of the service: zone and pricing catalogs,
// the active discount configuration, and the ride mirror.
type Store interface {
	ListZones(ctx context.Context) ([]models.Zone, error)
	ListPricingRules(ctx context.Context) ([]models.PricingRule, error)
	ActiveDiscountConfig(ctx context.Context) (models.DiscountConfig, bool, error)

	SaveRide(ctx context.Context, r *models.Ride) error
	FinishRide(ctx context.Context, r *models.Ride) error
}

// MemoryStore backs tests and single-node deployments without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	zones     []models.Zone
	rules     []models.PricingRule
	discounts *models.DiscountConfig
	rides     map[string]models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride)}
}

// SeedZones replaces the zone catalog.
func (m *MemoryStore) SeedZones(zs []models.Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones = append([]models.Zone(nil), zs...)
}

// SeedPricingRules replaces the pricing catalog.
func (m *MemoryStore) SeedPricingRules(rs []models.PricingRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]models.PricingRule(nil), rs...)
}

// SetDiscountConfig installs cfg as the active discount configuration.
func (m *MemoryStore) SetDiscountConfig(cfg models.DiscountConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.Active = true
	m.discounts = &cfg
}

func (m *MemoryStore) ListZones(ctx context.Context) ([]models.Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Zone(nil), m.zones...), nil
}

func (m *MemoryStore) ListPricingRules(ctx context.Context) ([]models.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PricingRule(nil), m.rules...), nil
}

func (m *MemoryStore) ActiveDiscountConfig(ctx context.Context) (models.DiscountConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.discounts == nil {
		return models.DiscountConfig{}, false, nil
	}
	return *m.discounts, true, nil
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) FinishRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

// Ride returns the stored copy of a ride, for tests and the admin API.
func (m *MemoryStore) Ride(id string) (models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

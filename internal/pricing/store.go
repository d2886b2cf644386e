// Package pricing resolves fare rules and passenger discounts. Rules are
// keyed by an ordered zone pair and vehicle type; when no exact rule
// exists, resolution falls back through the zone hierarchy and finally a
// global minimum fare. There is no zero-fare default: when every step
// misses, the caller gets ErrNoFareAvailable and must refuse to quote.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zones"
)

// ErrNoFareAvailable means every fallback step came up empty. This is a
// configuration gap and is logged for admin attention at the call site.
var ErrNoFareAvailable = errors.New("no applicable fare for this route")

// Source is the persistence side of the read-through cache.
type Source interface {
	ListPricingRules(ctx context.Context) ([]models.PricingRule, error)
}

type ruleKey struct {
	from, to, vehicle string
}

type ruleSnapshot struct {
	byRoute map[ruleKey][]models.PricingRule // active, sorted by priority desc
	minimum []models.PricingRule             // active minimum-typed, sorted by priority desc
}

// Store answers fare lookups from an immutable snapshot, refreshed from
// the persistence collaborator after admin writes.
type Store struct {
	source Source
	zones  *zones.Store
	logger *slog.Logger
	snap   atomic.Pointer[ruleSnapshot]
}

func NewStore(source Source, zoneStore *zones.Store, logger *slog.Logger) *Store {
	s := &Store{source: source, zones: zoneStore, logger: logger}
	s.snap.Store(&ruleSnapshot{byRoute: map[ruleKey][]models.PricingRule{}})
	return s
}

func (s *Store) Refresh(ctx context.Context) error {
	all, err := s.source.ListPricingRules(ctx)
	if err != nil {
		return fmt.Errorf("list pricing rules: %w", err)
	}
	next := &ruleSnapshot{byRoute: make(map[ruleKey][]models.PricingRule)}
	for _, r := range all {
		if !r.Active {
			continue
		}
		k := ruleKey{r.FromZoneID, r.ToZoneID, r.VehicleType}
		next.byRoute[k] = append(next.byRoute[k], r)
		if r.Type == models.PricingMinimum {
			next.minimum = append(next.minimum, r)
		}
	}
	for k := range next.byRoute {
		sortByPriority(next.byRoute[k])
	}
	sortByPriority(next.minimum)
	s.snap.Store(next)
	s.logger.Info("pricing table refreshed", "rules", len(all))
	return nil
}

// (from,to,vehicle) for a fixed rule is expected to be unique among
// active rules, but duplicates are tolerated by taking the highest
// priority; ties fall back to id so lookups stay deterministic.
func sortByPriority(rules []models.PricingRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// FindFare resolves a rule for the route, first hit wins:
//
//  1. exact (from, to, vehicle) rule
//  2. same ancestor barangay: minimum-typed (barangay, barangay) rule
//  3. barangay-to-barangay rule, either direction
//  4. highest-priority global minimum rule
func (s *Store) FindFare(fromZoneID, toZoneID, vehicleType string) (models.PricingRule, error) {
	snap := s.snap.Load()

	if r, ok := first(snap.byRoute[ruleKey{fromZoneID, toZoneID, vehicleType}]); ok {
		return r, nil
	}

	fromB, okFrom := s.zones.Barangay(fromZoneID)
	toB, okTo := s.zones.Barangay(toZoneID)
	if okFrom && okTo {
		if fromB.ID == toB.ID {
			// intra-barangay minimum fare
			for _, r := range snap.byRoute[ruleKey{fromB.ID, fromB.ID, vehicleType}] {
				if r.Type == models.PricingMinimum {
					return r, nil
				}
			}
		}
		if r, ok := first(snap.byRoute[ruleKey{fromB.ID, toB.ID, vehicleType}]); ok {
			return r, nil
		}
		// fare tables are not assumed symmetric; use the reverse
		// direction only when the forward one does not exist
		if r, ok := first(snap.byRoute[ruleKey{toB.ID, fromB.ID, vehicleType}]); ok {
			return r, nil
		}
	}

	if r, ok := first(snap.minimum); ok {
		return r, nil
	}
	return models.PricingRule{}, ErrNoFareAvailable
}

func first(rules []models.PricingRule) (models.PricingRule, bool) {
	if len(rules) == 0 {
		return models.PricingRule{}, false
	}
	return rules[0], true
}

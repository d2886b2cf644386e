// Package fare turns a pickup/destination pair into a priced quote by
// composing zone resolution, fare-rule lookup and passenger discounts.
package fare

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/zones"
)

type Request struct {
	Pickup      models.Coord
	Destination models.Coord
	Category    models.PassengerCategory
	Age         int
	VehicleType string
}

type Service struct {
	Zones     *zones.Resolver
	Pricing   *pricing.Store
	Discounts *pricing.DiscountEngine
	Logger    *slog.Logger

	DefaultSpeedMps float64
	ETAClient       eta.Client // optional routing engine
	ETACache        *eta.Cache // optional
}

// Quote resolves both endpoints to zones, finds the applicable fare rule
// and applies the passenger discount. A point outside every zone or a
// route with no fare rule refuses the quote; the fare is never defaulted
// to zero.
func (s *Service) Quote(req Request) (models.Quote, error) {
	start := time.Now()
	defer func() {
		observability.QuoteLatency.Observe(time.Since(start).Seconds())
	}()

	from, err := s.Zones.Resolve(req.Pickup.Lon, req.Pickup.Lat)
	if err != nil {
		return models.Quote{}, fmt.Errorf("pickup: %w", err)
	}
	to, err := s.Zones.Resolve(req.Destination.Lon, req.Destination.Lat)
	if err != nil {
		return models.Quote{}, fmt.Errorf("destination: %w", err)
	}

	rule, err := s.Pricing.FindFare(from.ID, to.ID, req.VehicleType)
	if err != nil {
		// a missing fare is a configuration gap, flag it for admins
		s.Logger.Warn("no fare rule for route",
			"from_zone", from.ID, "to_zone", to.ID, "vehicle_type", req.VehicleType)
		return models.Quote{}, err
	}

	final, rate, effective := s.Discounts.Apply(rule.Amount, req.Category, req.Age)

	q := models.Quote{
		Amount:            round2(final),
		BaseAmount:        rule.Amount,
		FromZoneID:        from.ID,
		ToZoneID:          to.ID,
		PricingType:       rule.Type,
		DiscountRate:      rate,
		PassengerCategory: effective,
		PassengerAge:      req.Age,
		DistanceMeters:    geo.Haversine(req.Pickup.Lat, req.Pickup.Lon, req.Destination.Lat, req.Destination.Lon),
	}
	q.DurationSec = s.estimateDuration(req.Pickup, req.Destination)
	return q, nil
}

func (s *Service) estimateDuration(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

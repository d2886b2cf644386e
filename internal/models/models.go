package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ZoneType classifies zones from coarse to specific. Priority defaults
// follow the same ordering but are stored per zone and may be overridden.
type ZoneType string

const (
	ZoneBarangay ZoneType = "barangay"
	ZoneArea     ZoneType = "area"
	ZoneLandmark ZoneType = "landmark"
)

// DefaultPriority returns the conventional priority for a zone type:
// landmarks above areas above barangays.
func (t ZoneType) DefaultPriority() int {
	switch t {
	case ZoneLandmark:
		return 3
	case ZoneArea:
		return 2
	default:
		return 1
	}
}

// Zone is a named polygon region. Barangay zones have no parent; area and
// landmark zones reference the barangay (or area) that contains them.
type Zone struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Polygon  []Coord  `json:"polygon"` // closed ring, >= 3 distinct vertices
	Type     ZoneType `json:"zone_type"`
	ParentID string   `json:"parent_id,omitempty"`
	Priority int      `json:"priority"`
	Active   bool     `json:"active"`
}

type PricingType string

const (
	PricingFixed   PricingType = "fixed"
	PricingMinimum PricingType = "minimum"
	PricingSpecial PricingType = "special"
)

type PricingRule struct {
	ID          string      `json:"id"`
	FromZoneID  string      `json:"from_zone_id"`
	ToZoneID    string      `json:"to_zone_id"`
	VehicleType string      `json:"vehicle_type"`
	Amount      float64     `json:"amount"`
	Type        PricingType `json:"pricing_type"`
	Priority    int         `json:"priority"`
	Active      bool        `json:"active"`
}

type PassengerCategory string

const (
	CategoryRegular      PassengerCategory = "regular"
	CategoryStudent      PassengerCategory = "student"
	CategorySenior       PassengerCategory = "senior"
	CategoryStudentChild PassengerCategory = "student_child"
)

// DiscountConfig holds the percentage per passenger category plus the
// age rule that reclassifies young students as student_child. Exactly one
// config is active at a time.
type DiscountConfig struct {
	ID                  string                        `json:"id"`
	Name                string                        `json:"name"`
	Discounts           map[PassengerCategory]float64 `json:"discounts"`
	StudentChildMaxAge  int                           `json:"student_child_max_age"`
	AgeDiscountsEnabled bool                          `json:"age_discounts_enabled"`
	Active              bool                          `json:"active"`
}

// Quote is the result of fare resolution for a pickup/destination pair.
// It has no lifecycle of its own; the amount is frozen onto the ride
// record when a ride is actually requested.
type Quote struct {
	Amount      float64     `json:"amount"`
	BaseAmount  float64     `json:"base_amount"`
	FromZoneID  string      `json:"from_zone_id"`
	ToZoneID    string      `json:"to_zone_id"`
	PricingType PricingType `json:"pricing_type"`

	DiscountRate      float64           `json:"discount_rate"`
	PassengerCategory PassengerCategory `json:"passenger_category"`
	PassengerAge      int               `json:"passenger_age"`

	DistanceMeters float64 `json:"distance_meters"`
	DurationSec    float64 `json:"duration_seconds"`
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusSearching  RideStatus = "searching"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "inProgress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether a ride in this status is finished.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type CancelInitiator string

const (
	CancelByPassenger CancelInitiator = "passenger"
	CancelByDriver    CancelInitiator = "driver"
	CancelBySystem    CancelInitiator = "system"
)

// Transition is one recorded state change of a ride.
type Transition struct {
	To        RideStatus      `json:"to"`
	By        string          `json:"by"` // user id, or "system"
	At        time.Time       `json:"at"`
	Reason    string          `json:"reason,omitempty"`
	Initiator CancelInitiator `json:"initiator,omitempty"`
}

// Ride is the durable view of a ride session, mirrored to storage at
// creation and at terminal transitions.
type Ride struct {
	ID          string       `json:"id"`
	PassengerID string       `json:"passenger_id"`
	DriverID    string       `json:"driver_id,omitempty"`
	Pickup      Coord        `json:"pickup"`
	Destination Coord        `json:"destination"`
	Price       float64      `json:"price"`
	Quote       Quote        `json:"quote"`
	Status      RideStatus   `json:"status"`
	History     []Transition `json:"history"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// DriverLocation is the payload published to the location firehose and
// mirrored into the geo index by the consumer.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}

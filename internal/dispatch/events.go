package dispatch

import (
	"encoding/json"

	"github.com/example/ride-dispatch/internal/models"
)

// Client-to-server event names.
const (
	EvRideRequest              = "ride_request"
	EvRideAccept               = "ride_accept"
	EvRideStatusUpdate         = "ride_status_update"
	EvRideDecline              = "ride_declined"
	EvDriverLocationUpdate     = "driver_location_update"
	EvDriverAvailabilityToggle = "driver_availability_toggle"
)

// Server-to-client event names.
const (
	EvNewRideRequest          = "new_ride_request"
	EvRideAccepted            = "ride_accepted"
	EvRideStatusUpdated       = "ride_status_updated"
	EvRideTaken               = "ride_taken"
	EvParticipantDisconnected = "participant_disconnected"
	EvDriverLocationUpdated   = "driver_location_updated"
	EvAvailabilityUpdated     = "availability_updated"
	EvSystemStatus            = "system_status"
	EvError                   = "error"

	// admin observer channel
	EvDriverOffline             = "driver_offline"
	EvDriverAvailabilityChanged = "driver_availability_changed"
)

// Wire-level error codes surfaced on the error event.
const (
	CodeOutOfServiceArea = "out_of_service_area"
	CodeNoFareAvailable  = "no_fare_available"
	CodeRideNotFound     = "ride_not_found"
	CodeAlreadyAccepted  = "already_accepted"
	CodeUnauthorized     = "unauthorized"
	CodeInvalidPayload   = "invalid_payload"
)

// Event is the envelope carried in both directions over the socket.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutEvent is a server-side event before encoding.
type OutEvent struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

func errorEvent(code, message string) OutEvent {
	return OutEvent{Name: EvError, Data: map[string]string{"code": code, "message": message}}
}

type rideRequestPayload struct {
	Pickup      *models.Coord            `json:"pickup"`
	Destination *models.Coord            `json:"destination"`
	Category    models.PassengerCategory `json:"passenger_category"`
	Age         int                      `json:"passenger_age"`
	VehicleType string                   `json:"vehicle_type"`
}

type rideAcceptPayload struct {
	RideID string `json:"ride_id"`
}

type rideStatusPayload struct {
	RideID string            `json:"ride_id"`
	Status models.RideStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

type rideDeclinePayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
}

type driverLocationPayload struct {
	Location *models.Coord `json:"location"`
	RideID   string        `json:"ride_id,omitempty"`
}

type availabilityPayload struct {
	Available bool `json:"available"`
}

func validCoord(c *models.Coord) bool {
	if c == nil {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

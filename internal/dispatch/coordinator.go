// Package dispatch is the real-time core: it tracks connected drivers
// and passengers, owns the in-memory ride table, and brokers the
// request -> acceptance -> status-update flow over the socket hub.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/zones"
)

// Quoter prices a ride request; *fare.Service in production.
type Quoter interface {
	Quote(req fare.Request) (models.Quote, error)
}

// RideRecorder mirrors rides to durable storage at creation and at
// terminal transitions. The coordinator never reads rides back; memory
// is authoritative for a ride's whole lifetime.
type RideRecorder interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	FinishRide(ctx context.Context, r *models.Ride) error
}

// LocationPublisher feeds driver positions to the location firehose.
type LocationPublisher interface {
	PublishLocation(d models.DriverLocation) error
}

// FareHolder places and settles payment holds around the ride
// lifecycle. Optional; cash-only deployments leave it nil.
type FareHolder interface {
	Hold(ctx context.Context, amountMinor int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

type Config struct {
	AcceptTimeout   time.Duration
	BroadcastRadius float64 // meters; 0 disables geographic pre-filtering
	VehicleType     string
	Currency        string
}

type presence struct {
	session   *Session
	loc       models.Coord
	hasLoc    bool
	available bool
}

// Coordinator owns the RideSession and DriverPresence tables. Each ride
// serializes its own mutations behind a per-ride mutex; the table locks
// only guard map lookups and are never held across blocking work or
// together with a ride lock.
type Coordinator struct {
	hub      *Hub
	quoter   Quoter
	recorder RideRecorder
	geoIdx   geo.Index
	logger   *slog.Logger
	cfg      Config

	publisher LocationPublisher // optional
	payments  FareHolder        // optional

	ridesMu sync.RWMutex
	rides   map[string]*rideSession

	drvMu   sync.RWMutex
	drivers map[string]*presence
}

func NewCoordinator(hub *Hub, quoter Quoter, recorder RideRecorder, geoIdx geo.Index, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 60 * time.Second
	}
	return &Coordinator{
		hub:      hub,
		quoter:   quoter,
		recorder: recorder,
		geoIdx:   geoIdx,
		logger:   logger,
		cfg:      cfg,
		rides:    make(map[string]*rideSession),
		drivers:  make(map[string]*presence),
	}
}

// SetPublisher wires the optional Kafka location firehose.
func (c *Coordinator) SetPublisher(p LocationPublisher) { c.publisher = p }

// SetPayments wires the optional payment-hold flow.
func (c *Coordinator) SetPayments(p FareHolder) { c.payments = p }

// Connect registers a freshly-authenticated session: personal room, role
// room, presence entry for drivers, status snapshot for admins.
func (c *Coordinator) Connect(s *Session) {
	c.hub.Join(UserRoom(s.UserID), s)
	switch s.Role {
	case RoleDriver:
		c.hub.Join(RoomDrivers, s)
		c.drvMu.Lock()
		c.drivers[s.UserID] = &presence{session: s}
		c.drvMu.Unlock()
		observability.ConnectedDrivers.Inc()
	case RolePassenger:
		c.hub.Join(RoomPassengers, s)
		observability.ConnectedPassengers.Inc()
	case RoleAdmin:
		c.hub.Join(RoomAdmin, s)
		s.Send(OutEvent{Name: EvSystemStatus, Data: c.systemStatus()})
	}
	c.logger.Info("participant connected", "user_id", s.UserID, "role", s.Role)
}

// Disconnect cleans up presence and tells the other party of any active
// ride. The ride itself is left alive: whether to cancel is the
// remaining participant's call.
func (c *Coordinator) Disconnect(s *Session) {
	c.hub.LeaveAll(s)
	s.Close()

	switch s.Role {
	case RoleDriver:
		c.drvMu.Lock()
		delete(c.drivers, s.UserID)
		c.drvMu.Unlock()
		c.geoIdx.Remove(s.UserID)
		observability.ConnectedDrivers.Dec()
		c.hub.Broadcast(RoomAdmin, OutEvent{Name: EvDriverOffline, Data: map[string]any{
			"driver_id": s.UserID, "timestamp": time.Now(),
		}}, nil)
	case RolePassenger:
		observability.ConnectedPassengers.Dec()
	}

	for _, rs := range c.ridesOf(s.UserID) {
		rs.mu.Lock()
		if !rs.ride.Status.Terminal() {
			c.hub.Broadcast(RideRoom(rs.ride.ID), OutEvent{Name: EvParticipantDisconnected, Data: map[string]any{
				"ride_id": rs.ride.ID, "user_id": s.UserID, "role": s.Role,
			}}, s)
		}
		rs.mu.Unlock()
	}
	c.logger.Info("participant disconnected", "user_id", s.UserID, "role", s.Role)
}

// HandleMessage decodes one inbound frame and routes it. Malformed or
// unknown input answers with a structured error event; the connection
// itself stays up.
func (c *Coordinator) HandleMessage(s *Session, raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.Send(errorEvent(CodeInvalidPayload, "malformed event"))
		return
	}
	switch ev.Name {
	case EvRideRequest:
		c.handleRideRequest(s, ev.Data)
	case EvRideAccept:
		c.handleRideAccept(s, ev.Data)
	case EvRideStatusUpdate:
		c.handleStatusUpdate(s, ev.Data)
	case EvRideDecline:
		c.handleDecline(s, ev.Data)
	case EvDriverLocationUpdate:
		c.handleDriverLocation(s, ev.Data)
	case EvDriverAvailabilityToggle:
		c.handleAvailabilityToggle(s, ev.Data)
	default:
		s.Send(errorEvent(CodeInvalidPayload, fmt.Sprintf("unknown event %q", ev.Name)))
	}
}

func (c *Coordinator) handleRideRequest(s *Session, data json.RawMessage) {
	if s.Role != RolePassenger {
		s.Send(errorEvent(CodeUnauthorized, "only passengers can request rides"))
		return
	}
	var p rideRequestPayload
	if err := json.Unmarshal(data, &p); err != nil || !validCoord(p.Pickup) || !validCoord(p.Destination) {
		s.Send(errorEvent(CodeInvalidPayload, "pickup and destination coordinates are required"))
		return
	}
	if p.Category == "" {
		p.Category = models.CategoryRegular
	}
	vehicleType := p.VehicleType
	if vehicleType == "" {
		vehicleType = c.cfg.VehicleType
	}

	// price first: the quoted amount is frozen onto the ride so admin
	// pricing edits cannot change it mid-flow
	quote, err := c.quoter.Quote(fare.Request{
		Pickup:      *p.Pickup,
		Destination: *p.Destination,
		Category:    p.Category,
		Age:         p.Age,
		VehicleType: vehicleType,
	})
	if err != nil {
		c.sendQuoteError(s, err)
		return
	}

	now := time.Now()
	ride := models.Ride{
		ID:          uuid.NewString(),
		PassengerID: s.UserID,
		Pickup:      *p.Pickup,
		Destination: *p.Destination,
		Price:       quote.Amount,
		Quote:       quote,
		Status:      models.StatusRequested,
		History:     []models.Transition{{To: models.StatusRequested, By: s.UserID, At: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	rs := &rideSession{ride: ride}

	c.ridesMu.Lock()
	c.rides[ride.ID] = rs
	c.ridesMu.Unlock()
	observability.RidesRequested.Inc()
	observability.ActiveRides.Inc()
	c.hub.Join(RideRoom(ride.ID), s)

	if err := c.recorder.SaveRide(context.Background(), &ride); err != nil {
		// storage loss aborts nothing in-memory; the terminal mirror
		// still carries the full history
		c.logger.Error("ride create mirror failed", "ride_id", ride.ID, "error", err)
	}

	rs.mu.Lock()
	_, _ = rs.transition(models.StatusSearching, "system", "", "")
	rs.timer = time.AfterFunc(c.cfg.AcceptTimeout, func() { c.timeoutRide(ride.ID) })
	searching := rs.ride
	rs.mu.Unlock()

	s.Send(OutEvent{Name: EvRideStatusUpdated, Data: map[string]any{
		"ride_id": searching.ID, "status": searching.Status, "price": searching.Price, "quote": searching.Quote,
	}})

	offer := OutEvent{Name: EvNewRideRequest, Data: map[string]any{
		"ride_id":     searching.ID,
		"passenger":   map[string]string{"id": s.UserID},
		"pickup":      searching.Pickup,
		"destination": searching.Destination,
		"price":       searching.Price,
		"timestamp":   now,
	}}
	for _, drv := range c.eligibleDrivers(searching.Pickup) {
		drv.Send(offer)
	}
	c.hub.Broadcast(RoomAdmin, offer, nil)
}

// eligibleDrivers returns sessions of available drivers, narrowed to the
// subset within the configured radius of the pickup when the geo index
// knows enough to narrow it down.
func (c *Coordinator) eligibleDrivers(pickup models.Coord) []*Session {
	nearIDs := map[string]bool{}
	if c.cfg.BroadcastRadius > 0 {
		for _, d := range c.geoIdx.Near(pickup.Lat, pickup.Lon, c.cfg.BroadcastRadius) {
			nearIDs[d.DriverID] = true
		}
	}
	var available, near []*Session
	c.drvMu.RLock()
	for id, p := range c.drivers {
		if !p.available || p.session.Closed() {
			continue
		}
		available = append(available, p.session)
		if nearIDs[id] {
			near = append(near, p.session)
		}
	}
	c.drvMu.RUnlock()
	if len(near) > 0 {
		return near
	}
	return available
}

func (c *Coordinator) handleRideAccept(s *Session, data json.RawMessage) {
	if s.Role != RoleDriver {
		s.Send(errorEvent(CodeUnauthorized, "only drivers can accept rides"))
		return
	}
	var p rideAcceptPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" {
		s.Send(errorEvent(CodeInvalidPayload, "ride_id is required"))
		return
	}
	rs := c.rideByID(p.RideID)
	if rs == nil {
		s.Send(errorEvent(CodeRideNotFound, "ride not found or no longer open"))
		return
	}

	rs.mu.Lock()
	if rs.ride.Status.Terminal() {
		rs.mu.Unlock()
		s.Send(errorEvent(CodeRideNotFound, "ride not found or no longer open"))
		return
	}
	if rs.ride.DriverID != "" {
		// explicit rejection for the losers of the race, never silence
		rs.mu.Unlock()
		observability.AcceptRaceLost.Inc()
		s.Send(errorEvent(CodeAlreadyAccepted, "ride already accepted by another driver"))
		return
	}
	rs.ride.DriverID = s.UserID
	applied, err := rs.transition(models.StatusAccepted, s.UserID, "", "")
	if err != nil || !applied {
		rs.ride.DriverID = ""
		rs.mu.Unlock()
		s.Send(errorEvent(CodeRideNotFound, "ride is not open for acceptance"))
		return
	}
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	accepted := rs.ride

	c.hub.Join(RideRoom(accepted.ID), s)
	payload := map[string]any{
		"ride_id": accepted.ID,
		"driver":  map[string]any{"id": s.UserID},
		"status":  accepted.Status,
	}
	if loc, ok := c.driverLocation(s.UserID); ok {
		payload["driver_location"] = loc
	}
	// notify the passenger and the winner before releasing the lock so
	// no later transition can overtake the acceptance event
	c.hub.Broadcast(RideRoom(accepted.ID), OutEvent{Name: EvRideAccepted, Data: payload}, nil)
	rs.mu.Unlock()

	observability.RidesAccepted.Inc()
	// competing drivers learn the ride is gone
	c.hub.Broadcast(RoomDrivers, OutEvent{Name: EvRideTaken, Data: map[string]string{"ride_id": accepted.ID}}, s)
	c.hub.Broadcast(RoomAdmin, OutEvent{Name: EvRideAccepted, Data: payload}, nil)

	c.holdFare(rs, accepted)
}

func (c *Coordinator) holdFare(rs *rideSession, ride models.Ride) {
	if c.payments == nil {
		return
	}
	amountMinor := int64(math.Round(ride.Price * 100))
	holdID, err := c.payments.Hold(context.Background(), amountMinor, c.cfg.Currency, ride.PassengerID)
	if err != nil {
		c.logger.Error("fare hold failed", "ride_id", ride.ID, "error", err)
		return
	}
	rs.mu.Lock()
	status := rs.ride.Status
	if !status.Terminal() {
		rs.holdID = holdID
	}
	rs.mu.Unlock()
	if !status.Terminal() {
		return
	}
	// the ride ended while the hold was in flight, so finishRide saw no
	// hold id; settle here instead of leaking the authorization
	var settleErr error
	if status == models.StatusCompleted {
		settleErr = c.payments.Capture(context.Background(), holdID)
	} else {
		settleErr = c.payments.Cancel(context.Background(), holdID)
	}
	if settleErr != nil {
		c.logger.Error("fare settlement failed", "ride_id", ride.ID, "hold_id", holdID, "error", settleErr)
	}
}

func (c *Coordinator) handleStatusUpdate(s *Session, data json.RawMessage) {
	var p rideStatusPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" || p.Status == "" {
		s.Send(errorEvent(CodeInvalidPayload, "ride_id and status are required"))
		return
	}
	// acceptance is only reachable through ride_accept, where the driver
	// assignment and the first-wins race are handled; everything earlier
	// than arrived is system-owned
	switch p.Status {
	case models.StatusArrived, models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
	default:
		s.Send(errorEvent(CodeInvalidPayload, fmt.Sprintf("status %q cannot be set by a status update", p.Status)))
		return
	}
	rs := c.rideByID(p.RideID)
	if rs == nil {
		s.Send(errorEvent(CodeRideNotFound, "ride not found"))
		return
	}

	rs.mu.Lock()
	if !rs.isParticipant(s.UserID) {
		rs.mu.Unlock()
		s.Send(errorEvent(CodeUnauthorized, "not a participant of this ride"))
		return
	}
	var initiator models.CancelInitiator
	if p.Status == models.StatusCancelled {
		initiator = models.CancelByDriver
		if s.UserID == rs.ride.PassengerID {
			initiator = models.CancelByPassenger
		}
	}
	applied, err := rs.transition(p.Status, s.UserID, p.Reason, initiator)
	if err != nil {
		rs.mu.Unlock()
		s.Send(errorEvent(CodeInvalidPayload, err.Error()))
		return
	}
	if !applied {
		// idempotent re-apply: nothing to broadcast
		rs.mu.Unlock()
		return
	}
	if rs.timer != nil && p.Status.Terminal() {
		rs.timer.Stop()
		rs.timer = nil
	}
	updated := rs.ride
	update := OutEvent{Name: EvRideStatusUpdated, Data: map[string]any{
		"ride_id": updated.ID, "status": updated.Status, "updated_by": s.UserID,
		"reason": p.Reason, "timestamp": updated.UpdatedAt,
	}}
	c.hub.Broadcast(RideRoom(updated.ID), update, nil)
	rs.mu.Unlock()

	c.hub.Broadcast(RoomAdmin, update, nil)

	if updated.Status.Terminal() {
		c.finishRide(rs, updated, initiator)
	}
}

// finishRide evicts a terminal ride from memory, mirrors its full
// history to storage and settles any payment hold.
func (c *Coordinator) finishRide(rs *rideSession, ride models.Ride, initiator models.CancelInitiator) {
	c.ridesMu.Lock()
	delete(c.rides, ride.ID)
	c.ridesMu.Unlock()
	observability.ActiveRides.Dec()
	switch ride.Status {
	case models.StatusCompleted:
		observability.RidesCompleted.Inc()
	case models.StatusCancelled:
		if initiator == "" {
			initiator = models.CancelBySystem
		}
		observability.RidesCancelled.WithLabelValues(string(initiator)).Inc()
	}

	if err := c.recorder.FinishRide(context.Background(), &ride); err != nil {
		c.logger.Error("ride terminal mirror failed", "ride_id", ride.ID, "status", ride.Status, "error", err)
	}

	rs.mu.Lock()
	holdID := rs.holdID
	rs.mu.Unlock()
	if c.payments != nil && holdID != "" {
		var err error
		if ride.Status == models.StatusCompleted {
			err = c.payments.Capture(context.Background(), holdID)
		} else {
			err = c.payments.Cancel(context.Background(), holdID)
		}
		if err != nil {
			c.logger.Error("fare settlement failed", "ride_id", ride.ID, "hold_id", holdID, "error", err)
		}
	}
}

// timeoutRide fires when no driver accepted within the deadline. The
// race against a concurrent acceptance is decided by the ride lock:
// whoever takes it first wins, and a fired timer finding the ride
// already accepted backs off.
func (c *Coordinator) timeoutRide(rideID string) {
	rs := c.rideByID(rideID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	if rs.ride.Status != models.StatusRequested && rs.ride.Status != models.StatusSearching {
		rs.mu.Unlock()
		return
	}
	applied, err := rs.transition(models.StatusCancelled, "system", "no driver found", models.CancelBySystem)
	if err != nil || !applied {
		rs.mu.Unlock()
		return
	}
	cancelled := rs.ride
	// a normal outcome, delivered as a terminal notification
	c.hub.Broadcast(RideRoom(rideID), OutEvent{Name: EvRideStatusUpdated, Data: map[string]any{
		"ride_id": rideID, "status": models.StatusCancelled,
		"reason": "no driver found", "initiator": models.CancelBySystem,
	}}, nil)
	rs.mu.Unlock()

	c.logger.Info("ride timed out without acceptance", "ride_id", rideID)
	c.finishRide(rs, cancelled, models.CancelBySystem)
}

func (c *Coordinator) handleDriverLocation(s *Session, data json.RawMessage) {
	if s.Role != RoleDriver {
		s.Send(errorEvent(CodeUnauthorized, "only drivers send location updates"))
		return
	}
	var p driverLocationPayload
	if err := json.Unmarshal(data, &p); err != nil || !validCoord(p.Location) {
		s.Send(errorEvent(CodeInvalidPayload, "a valid location is required"))
		return
	}

	var available bool
	c.drvMu.Lock()
	if pr, ok := c.drivers[s.UserID]; ok {
		pr.loc = *p.Location
		pr.hasLoc = true
		available = pr.available
	}
	c.drvMu.Unlock()

	loc := models.DriverLocation{DriverID: s.UserID, Loc: *p.Location, Available: available, Updated: time.Now()}
	c.geoIdx.Upsert(loc)
	if c.publisher != nil {
		if err := c.publisher.PublishLocation(loc); err != nil {
			c.logger.Warn("location publish failed", "driver_id", s.UserID, "error", err)
		}
	}

	if p.RideID != "" {
		if rs := c.rideByID(p.RideID); rs != nil {
			rs.mu.Lock()
			participant := rs.ride.DriverID == s.UserID
			rs.mu.Unlock()
			if participant {
				c.hub.Broadcast(RideRoom(p.RideID), OutEvent{Name: EvDriverLocationUpdated, Data: map[string]any{
					"ride_id": p.RideID, "driver_id": s.UserID, "location": p.Location, "timestamp": loc.Updated,
				}}, s)
			}
		}
	}
	c.hub.Broadcast(RoomAdmin, OutEvent{Name: EvDriverLocationUpdated, Data: map[string]any{
		"driver_id": s.UserID, "location": p.Location, "timestamp": loc.Updated,
	}}, nil)
}

func (c *Coordinator) handleAvailabilityToggle(s *Session, data json.RawMessage) {
	if s.Role != RoleDriver {
		s.Send(errorEvent(CodeUnauthorized, "only drivers toggle availability"))
		return
	}
	var p availabilityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.Send(errorEvent(CodeInvalidPayload, "malformed availability payload"))
		return
	}
	var loc models.Coord
	var hasLoc bool
	c.drvMu.Lock()
	if pr, ok := c.drivers[s.UserID]; ok {
		pr.available = p.Available
		loc, hasLoc = pr.loc, pr.hasLoc
	}
	c.drvMu.Unlock()
	if hasLoc {
		c.geoIdx.Upsert(models.DriverLocation{DriverID: s.UserID, Loc: loc, Available: p.Available, Updated: time.Now()})
	}
	s.Send(OutEvent{Name: EvAvailabilityUpdated, Data: map[string]bool{"available": p.Available}})
	c.hub.Broadcast(RoomAdmin, OutEvent{Name: EvDriverAvailabilityChanged, Data: map[string]any{
		"driver_id": s.UserID, "available": p.Available,
	}}, nil)
}

func (c *Coordinator) handleDecline(s *Session, data json.RawMessage) {
	if s.Role != RoleDriver {
		s.Send(errorEvent(CodeUnauthorized, "only drivers decline rides"))
		return
	}
	var p rideDeclinePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RideID == "" {
		s.Send(errorEvent(CodeInvalidPayload, "ride_id is required"))
		return
	}
	c.hub.Broadcast(RoomAdmin, OutEvent{Name: EvRideDecline, Data: map[string]any{
		"ride_id": p.RideID, "driver_id": s.UserID, "reason": p.Reason, "timestamp": time.Now(),
	}}, nil)
}

func (c *Coordinator) sendQuoteError(s *Session, err error) {
	switch {
	case errors.Is(err, zones.ErrOutOfServiceArea):
		s.Send(errorEvent(CodeOutOfServiceArea, err.Error()))
	case errors.Is(err, pricing.ErrNoFareAvailable):
		s.Send(errorEvent(CodeNoFareAvailable, err.Error()))
	default:
		c.logger.Error("quote failed", "error", err)
		s.Send(errorEvent(CodeInvalidPayload, "could not price this ride"))
	}
}

func (c *Coordinator) rideByID(id string) *rideSession {
	c.ridesMu.RLock()
	defer c.ridesMu.RUnlock()
	return c.rides[id]
}

// ridesOf snapshots the sessions the user participates in. Ride locks
// are never taken while the table lock is held.
func (c *Coordinator) ridesOf(userID string) []*rideSession {
	c.ridesMu.RLock()
	all := make([]*rideSession, 0, len(c.rides))
	for _, rs := range c.rides {
		all = append(all, rs)
	}
	c.ridesMu.RUnlock()

	var out []*rideSession
	for _, rs := range all {
		rs.mu.Lock()
		if rs.isParticipant(userID) {
			out = append(out, rs)
		}
		rs.mu.Unlock()
	}
	return out
}

func (c *Coordinator) driverLocation(driverID string) (models.Coord, bool) {
	c.drvMu.RLock()
	defer c.drvMu.RUnlock()
	if pr, ok := c.drivers[driverID]; ok && pr.hasLoc {
		return pr.loc, true
	}
	return models.Coord{}, false
}

func (c *Coordinator) systemStatus() map[string]int {
	c.ridesMu.RLock()
	rides := len(c.rides)
	c.ridesMu.RUnlock()
	c.drvMu.RLock()
	drivers := len(c.drivers)
	c.drvMu.RUnlock()
	return map[string]int{"active_rides": rides, "active_drivers": drivers}
}

// ActiveRideCount reports non-terminal rides held in memory.
func (c *Coordinator) ActiveRideCount() int {
	c.ridesMu.RLock()
	defer c.ridesMu.RUnlock()
	return len(c.rides)
}

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	events []OutEvent
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	ev, _ := v.(OutEvent)
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) named(name string) []OutEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OutEvent
	for _, ev := range f.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor polls until the condition holds; session writes are drained by
// a goroutine so test assertions need a small grace period.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixedQuoter struct{ q models.Quote }

func (f *fixedQuoter) Quote(req fare.Request) (models.Quote, error) { return f.q, nil }

type memRecorder struct {
	mu       sync.Mutex
	saved    []models.Ride
	finished []models.Ride
}

func (m *memRecorder) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, *r)
	return nil
}

func (m *memRecorder) FinishRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, *r)
	return nil
}

func (m *memRecorder) finishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finished)
}

func testCoordinator(t *testing.T, cfg Config) (*Coordinator, *memRecorder) {
	t.Helper()
	if cfg.AcceptTimeout == 0 {
		cfg.AcceptTimeout = time.Minute
	}
	rec := &memRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := &fixedQuoter{q: models.Quote{Amount: 50, FromZoneID: "a", ToZoneID: "b", PricingType: models.PricingFixed}}
	return NewCoordinator(NewHub(), q, rec, geo.NewMemoryIndex(), cfg, logger), rec
}

func connect(t *testing.T, c *Coordinator, userID string, role Role) (*Session, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	s := NewSession(userID, role, fc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Connect(s)
	return s, fc
}

func msg(t *testing.T, name string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(map[string]any{"event": name, "data": json.RawMessage(data)})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func makeAvailable(t *testing.T, c *Coordinator, s *Session, fc *fakeConn) {
	t.Helper()
	c.HandleMessage(s, msg(t, EvDriverAvailabilityToggle, map[string]bool{"available": true}))
	waitFor(t, "availability ack", func() bool { return len(fc.named(EvAvailabilityUpdated)) == 1 })
}

func requestRide(t *testing.T, c *Coordinator, pass *Session, passConn *fakeConn) string {
	t.Helper()
	c.HandleMessage(pass, msg(t, EvRideRequest, map[string]any{
		"pickup":      models.Coord{Lat: 14.6, Lon: 120.98},
		"destination": models.Coord{Lat: 14.61, Lon: 120.99},
	}))
	var rideID string
	waitFor(t, "searching notification", func() bool {
		evs := passConn.named(EvRideStatusUpdated)
		if len(evs) == 0 {
			return false
		}
		data := evs[0].Data.(map[string]any)
		rideID, _ = data["ride_id"].(string)
		return rideID != ""
	})
	return rideID
}

func TestRideRequestBroadcastToAvailableDrivers(t *testing.T) {
	c, rec := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	drv, drvConn := connect(t, c, "d1", RoleDriver)
	_, idleConn := connect(t, c, "d2", RoleDriver) // never toggles available
	makeAvailable(t, c, drv, drvConn)

	rideID := requestRide(t, c, pass, passConn)

	waitFor(t, "offer to available driver", func() bool { return len(drvConn.named(EvNewRideRequest)) == 1 })
	if len(idleConn.named(EvNewRideRequest)) != 0 {
		t.Fatal("unavailable driver must not receive the offer")
	}
	if c.ActiveRideCount() != 1 {
		t.Fatalf("expected 1 active ride, got %d", c.ActiveRideCount())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.saved) != 1 || rec.saved[0].ID != rideID {
		t.Fatalf("expected ride %s mirrored at creation", rideID)
	}
}

func TestFirstAcceptanceWins(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d1, c1 := connect(t, c, "d1", RoleDriver)
	d2, c2 := connect(t, c, "d2", RoleDriver)
	makeAvailable(t, c, d1, c1)
	makeAvailable(t, c, d2, c2)

	rideID := requestRide(t, c, pass, passConn)
	accept := msg(t, EvRideAccept, map[string]string{"ride_id": rideID})

	var wg sync.WaitGroup
	for _, s := range []*Session{d1, d2} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			c.HandleMessage(s, accept)
		}(s)
	}
	wg.Wait()

	waitFor(t, "exactly one winner and one rejection", func() bool {
		wins := len(c1.named(EvRideAccepted)) + len(c2.named(EvRideAccepted))
		losses := len(c1.named(EvError)) + len(c2.named(EvError))
		return wins >= 1 && losses == 1
	})

	// the loser got an explicit already_accepted error
	var lossData map[string]string
	for _, fc := range []*fakeConn{c1, c2} {
		for _, ev := range fc.named(EvError) {
			b, _ := json.Marshal(ev.Data)
			_ = json.Unmarshal(b, &lossData)
		}
	}
	if lossData["code"] != CodeAlreadyAccepted {
		t.Fatalf("expected already_accepted rejection, got %v", lossData)
	}

	// no session duplication: one ride, one assigned driver
	rs := c.rideByID(rideID)
	rs.mu.Lock()
	driverID, status := rs.ride.DriverID, rs.ride.Status
	rs.mu.Unlock()
	if status != models.StatusAccepted || (driverID != "d1" && driverID != "d2") {
		t.Fatalf("unexpected ride state %s driver %q", status, driverID)
	}

	// passenger learned who won, exactly once
	waitFor(t, "passenger acceptance notice", func() bool { return len(passConn.named(EvRideAccepted)) == 1 })
	// the losing driver saw ride_taken
	waitFor(t, "ride_taken to competitors", func() bool {
		return len(c1.named(EvRideTaken))+len(c2.named(EvRideTaken)) == 1
	})
}

func TestAcceptUnknownRide(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	d, dc := connect(t, c, "d1", RoleDriver)
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": "nope"}))
	waitFor(t, "ride_not_found error", func() bool {
		for _, ev := range dc.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeRideNotFound {
				return true
			}
		}
		return false
	})
}

func TestRequestTimesOutWithNoDrivers(t *testing.T) {
	c, rec := testCoordinator(t, Config{AcceptTimeout: 40 * time.Millisecond})
	pass, passConn := connect(t, c, "p1", RolePassenger)

	rideID := requestRide(t, c, pass, passConn)

	waitFor(t, "timeout cancellation", func() bool {
		for _, ev := range passConn.named(EvRideStatusUpdated) {
			data := ev.Data.(map[string]any)
			if data["ride_id"] == rideID && data["status"] == models.StatusCancelled {
				return true
			}
		}
		return false
	})
	// exactly one terminal notification
	time.Sleep(100 * time.Millisecond)
	terminal := 0
	for _, ev := range passConn.named(EvRideStatusUpdated) {
		data := ev.Data.(map[string]any)
		if data["status"] == models.StatusCancelled {
			terminal++
			if data["reason"] != "no driver found" {
				t.Fatalf("expected reason 'no driver found', got %v", data["reason"])
			}
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal notification, got %d", terminal)
	}
	if c.ActiveRideCount() != 0 {
		t.Fatal("timed-out ride must be evicted")
	}
	waitFor(t, "terminal mirror", func() bool { return rec.finishedCount() == 1 })
}

func TestLateAcceptanceAfterTimeout(t *testing.T) {
	c, _ := testCoordinator(t, Config{AcceptTimeout: 30 * time.Millisecond})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)
	waitFor(t, "eviction", func() bool { return c.ActiveRideCount() == 0 })

	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "late accept rejected", func() bool {
		for _, ev := range dc.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeRideNotFound {
				return true
			}
		}
		return false
	})
}

func TestStatusUpdateAuthorization(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)
	stranger, strangerConn := connect(t, c, "d2", RoleDriver)

	rideID := requestRide(t, c, pass, passConn)
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "acceptance", func() bool { return len(dc.named(EvRideAccepted)) == 1 })

	// a non-participant is rejected, not silently ignored
	c.HandleMessage(stranger, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusArrived}))
	waitFor(t, "unauthorized rejection", func() bool {
		for _, ev := range strangerConn.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeUnauthorized {
				return true
			}
		}
		return false
	})

	rs := c.rideByID(rideID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ride.Status != models.StatusAccepted {
		t.Fatalf("stranger update must not apply, ride is %s", rs.ride.Status)
	}
}

func TestFullLifecycle(t *testing.T) {
	c, rec := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "acceptance", func() bool { return len(dc.named(EvRideAccepted)) == 1 })

	for _, st := range []models.RideStatus{models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		c.HandleMessage(d, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": st}))
	}
	waitFor(t, "completion mirror", func() bool { return rec.finishedCount() == 1 })

	rec.mu.Lock()
	final := rec.finished[0]
	rec.mu.Unlock()
	if final.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.DriverID != "d1" || final.Price != 50 {
		t.Fatalf("frozen ride fields lost: %+v", final)
	}
	// requested, searching, accepted, arrived, inProgress, completed
	if len(final.History) != 6 {
		t.Fatalf("expected 6 history entries, got %d", len(final.History))
	}
	if c.ActiveRideCount() != 0 {
		t.Fatal("completed ride must be evicted")
	}

	// a duplicate completion after eviction is answered with ride_not_found
	c.HandleMessage(d, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusCompleted}))
	waitFor(t, "post-terminal rejection", func() bool {
		for _, ev := range dc.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeRideNotFound {
				return true
			}
		}
		return false
	})
	if rec.finishedCount() != 1 {
		t.Fatal("duplicate completion must not mirror twice")
	}
}

func TestStatusUpdateCannotSeizeAcceptance(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)

	// a passenger pushing "accepted" through the status channel must be
	// rejected, not become a driverless acceptance
	c.HandleMessage(pass, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusAccepted}))
	waitFor(t, "seized acceptance rejected", func() bool {
		for _, ev := range passConn.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeInvalidPayload {
				return true
			}
		}
		return false
	})

	rs := c.rideByID(rideID)
	rs.mu.Lock()
	status, driverID := rs.ride.Status, rs.ride.DriverID
	rs.mu.Unlock()
	if status != models.StatusSearching || driverID != "" {
		t.Fatalf("ride must stay open, got %s driver %q", status, driverID)
	}

	// the ride is still acceptable by a real driver
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "driver acceptance", func() bool { return len(dc.named(EvRideAccepted)) == 1 })
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ride.DriverID != "d1" {
		t.Fatalf("driver not assigned, got %q", rs.ride.DriverID)
	}
}

func TestCancelDuringInProgressRejected(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "acceptance", func() bool { return len(dc.named(EvRideAccepted)) == 1 })
	c.HandleMessage(d, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusArrived}))
	c.HandleMessage(d, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusInProgress}))

	c.HandleMessage(pass, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusCancelled, "reason": "changed my mind"}))
	waitFor(t, "cancel rejection", func() bool {
		for _, ev := range passConn.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeInvalidPayload {
				return true
			}
		}
		return false
	})
	rs := c.rideByID(rideID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ride.Status != models.StatusInProgress {
		t.Fatalf("in-progress ride must not cancel, got %s", rs.ride.Status)
	}
}

func TestPassengerCancelBeforeAcceptance(t *testing.T) {
	c, rec := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)

	rideID := requestRide(t, c, pass, passConn)
	c.HandleMessage(pass, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": models.StatusCancelled, "reason": "waited too long"}))

	waitFor(t, "cancellation mirror", func() bool { return rec.finishedCount() == 1 })
	rec.mu.Lock()
	final := rec.finished[0]
	rec.mu.Unlock()
	last := final.History[len(final.History)-1]
	if last.Initiator != models.CancelByPassenger || last.Reason != "waited too long" {
		t.Fatalf("cancellation metadata lost: %+v", last)
	}
}

func TestMalformedEventAnswersError(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)

	c.HandleMessage(pass, []byte("{not json"))
	c.HandleMessage(pass, msg(t, "no_such_event", map[string]any{}))
	c.HandleMessage(pass, msg(t, EvRideRequest, map[string]any{"pickup": models.Coord{Lat: 200, Lon: 0}}))

	waitFor(t, "three invalid_payload errors", func() bool {
		n := 0
		for _, ev := range passConn.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeInvalidPayload {
				n++
			}
		}
		return n == 3
	})
}

func TestDisconnectNotifiesCounterpart(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "acceptance", func() bool { return len(passConn.named(EvRideAccepted)) == 1 })

	c.Disconnect(d)

	// the passenger hears about it; the ride is not unilaterally cancelled
	waitFor(t, "participant_disconnected", func() bool {
		return len(passConn.named(EvParticipantDisconnected)) == 1
	})
	if c.ActiveRideCount() != 1 {
		t.Fatal("disconnect must not cancel the ride")
	}
}

type fakeHolder struct {
	mu        sync.Mutex
	onHold    func() // runs before Hold returns
	amounts   []int64
	captured  []string
	cancelled []string
}

func (f *fakeHolder) Hold(ctx context.Context, amountMinor int64, currency, customerID string) (string, error) {
	if f.onHold != nil {
		f.onHold()
	}
	f.mu.Lock()
	f.amounts = append(f.amounts, amountMinor)
	f.mu.Unlock()
	return "hold-1", nil
}

func (f *fakeHolder) Capture(ctx context.Context, holdID string) error {
	f.mu.Lock()
	f.captured = append(f.captured, holdID)
	f.mu.Unlock()
	return nil
}

func (f *fakeHolder) Cancel(ctx context.Context, holdID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, holdID)
	f.mu.Unlock()
	return nil
}

func (f *fakeHolder) settled() (captured, cancelled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.captured), len(f.cancelled)
}

func TestFareHoldCapturedOnCompletion(t *testing.T) {
	c, _ := testCoordinator(t, Config{Currency: "php"})
	h := &fakeHolder{}
	c.SetPayments(h)
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))
	waitFor(t, "acceptance", func() bool { return len(dc.named(EvRideAccepted)) == 1 })

	h.mu.Lock()
	amounts := append([]int64(nil), h.amounts...)
	h.mu.Unlock()
	if len(amounts) != 1 || amounts[0] != 5000 {
		t.Fatalf("expected one hold of 5000 minor units, got %v", amounts)
	}

	for _, st := range []models.RideStatus{models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		c.HandleMessage(d, msg(t, EvRideStatusUpdate, map[string]any{"ride_id": rideID, "status": st}))
	}
	waitFor(t, "hold captured", func() bool {
		captured, cancelled := h.settled()
		return captured == 1 && cancelled == 0
	})
}

func TestFareHoldSettledWhenRideEndsMidHold(t *testing.T) {
	c, _ := testCoordinator(t, Config{Currency: "php"})
	h := &fakeHolder{}
	c.SetPayments(h)
	pass, passConn := connect(t, c, "p1", RolePassenger)
	d, dc := connect(t, c, "d1", RoleDriver)
	makeAvailable(t, c, d, dc)

	rideID := requestRide(t, c, pass, passConn)

	// the passenger cancels while the hold request is still in flight;
	// the late hold must be released, not leaked
	h.onHold = func() {
		c.HandleMessage(pass, msg(t, EvRideStatusUpdate, map[string]any{
			"ride_id": rideID, "status": models.StatusCancelled, "reason": "changed my mind",
		}))
	}
	c.HandleMessage(d, msg(t, EvRideAccept, map[string]string{"ride_id": rideID}))

	waitFor(t, "late hold released", func() bool {
		captured, cancelled := h.settled()
		return captured == 0 && cancelled == 1
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled[0] != "hold-1" {
		t.Fatalf("wrong hold released: %v", h.cancelled)
	}
}

func TestRoleChecks(t *testing.T) {
	c, _ := testCoordinator(t, Config{})
	d, dc := connect(t, c, "d1", RoleDriver)
	pass, passConn := connect(t, c, "p1", RolePassenger)

	// drivers cannot request rides, passengers cannot accept
	c.HandleMessage(d, msg(t, EvRideRequest, map[string]any{
		"pickup": models.Coord{Lat: 1, Lon: 1}, "destination": models.Coord{Lat: 2, Lon: 2},
	}))
	c.HandleMessage(pass, msg(t, EvRideAccept, map[string]string{"ride_id": "r1"}))

	check := func(fc *fakeConn) bool {
		for _, ev := range fc.named(EvError) {
			if m, ok := ev.Data.(map[string]string); ok && m["code"] == CodeUnauthorized {
				return true
			}
		}
		return false
	}
	waitFor(t, "role rejections", func() bool { return check(dc) && check(passConn) })
}

package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrRideNotFound covers stale and unknown ride ids, including
	// acceptances arriving after the ride timed out and was evicted.
	ErrRideNotFound = errors.New("ride not found")
	// ErrAlreadyAccepted is the losing side of the acceptance race.
	ErrAlreadyAccepted = errors.New("ride already accepted by another driver")
	// ErrUnauthorized means the sender is not a participant of the ride.
	ErrUnauthorized = errors.New("not a participant of this ride")
)

// validNext encodes the ride lifecycle. Cancellation is reachable from
// every state before the ride is under way; once inProgress, completion
// is the only way out.
var validNext = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:  {models.StatusSearching, models.StatusCancelled},
	models.StatusSearching:  {models.StatusAccepted, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArrived, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted},
}

// rideSession is the in-memory record of one ride. All mutations happen
// under its own mutex, which is what makes first-acceptance-wins and
// strict per-ride transition ordering hold; unrelated rides never
// contend.
type rideSession struct {
	mu    sync.Mutex
	ride  models.Ride
	timer *time.Timer // acceptance deadline, armed while searching
	holdID string     // payment hold reference, when payments are on
}

// transition applies a status change under the session lock. Re-applying
// the current status is an idempotent no-op (applied=false, no error);
// anything not in the table is rejected.
func (rs *rideSession) transition(to models.RideStatus, by string, reason string, initiator models.CancelInitiator) (bool, error) {
	cur := rs.ride.Status
	if to == cur {
		return false, nil
	}
	if !allowed(cur, to) {
		return false, fmt.Errorf("cannot move ride from %s to %s", cur, to)
	}
	now := time.Now()
	rs.ride.Status = to
	rs.ride.UpdatedAt = now
	rs.ride.History = append(rs.ride.History, models.Transition{
		To: to, By: by, At: now, Reason: reason, Initiator: initiator,
	})
	return true, nil
}

func allowed(from, to models.RideStatus) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// isParticipant reports whether the user is the ride's passenger or its
// assigned driver.
func (rs *rideSession) isParticipant(userID string) bool {
	return rs.ride.PassengerID == userID || (rs.ride.DriverID != "" && rs.ride.DriverID == userID)
}

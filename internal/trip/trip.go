// Package trip owns the trip record and its state machine. All status
// mutations go through State's transition methods; a Trip value obtained
// from View or a transition is an immutable snapshot.
package trip

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Outcome distinguishes how a terminal trip ended. A cancellation after
// the ride has started is recorded as Completed with OutcomeCancelledEnRoute:
// a ride underway has already incurred partial service, so it settles like a
// completion and the refund question belongs to billing, not dispatch.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeCancelledEnRoute Outcome = "cancelled_en_route"
)

const (
	CancelReasonRider     = "rider_cancelled"
	CancelReasonNoDrivers = "no_drivers_available"
)

var (
	ErrInvalidTransition = errors.New("invalid trip transition")
	ErrAlreadyInState    = errors.New("trip already in state")
)

type Trip struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	DriverID     string       `json:"driver_id,omitempty"` // empty until accepted
	Pickup       models.Coord `json:"pickup"`
	Destination  models.Coord `json:"destination"`
	Status       Status       `json:"status"`
	Outcome      Outcome      `json:"outcome,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`

	DistanceEstimateKm float64 `json:"distance_estimate_km"`
	FareEstimate       float64 `json:"fare_estimate"`
	FinalDistanceKm    float64 `json:"final_distance_km,omitempty"`
	FinalFare          float64 `json:"final_fare,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func (t Trip) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// FarePolicy is the quote formula: base fare plus a per-km rate, floored
// at a minimum. The same formula prices the estimate and the final fare.
type FarePolicy struct {
	Base    float64
	PerKm   float64
	Minimum float64
}

func DefaultFarePolicy() FarePolicy {
	return FarePolicy{Base: 2.5, PerKm: 1.8, Minimum: 5.0}
}

func (p FarePolicy) Fare(distanceKm float64) float64 {
	f := p.Base + p.PerKm*distanceKm
	if f < p.Minimum {
		return p.Minimum
	}
	return f
}

// State pairs a trip with its transition guard. Transitions are totally
// ordered per trip; concurrent callers serialize on the internal mutex.
type State struct {
	mu    sync.Mutex
	trip  Trip
	fares FarePolicy
}

func NewState(id, riderID string, pickup, destination models.Coord, distanceEstimateKm float64, fares FarePolicy, now time.Time) *State {
	return &State{
		trip: Trip{
			ID:                 id,
			RiderID:            riderID,
			Pickup:             pickup,
			Destination:        destination,
			Status:             StatusRequested,
			DistanceEstimateKm: distanceEstimateKm,
			FareEstimate:       fares.Fare(distanceEstimateKm),
			RequestedAt:        now,
		},
		fares: fares,
	}
}

// View returns a snapshot of the trip.
func (s *State) View() Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trip
}

// Accept binds a driver and moves Requested -> Accepted.
func (s *State) Accept(driverID string, now time.Time) error {
	if driverID == "" {
		return fmt.Errorf("%w: accept requires a driver", ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.trip.Status {
	case StatusRequested:
	case StatusAccepted:
		return fmt.Errorf("%w: %s", ErrAlreadyInState, StatusAccepted)
	default:
		return fmt.Errorf("%w: accept from %s", ErrInvalidTransition, s.trip.Status)
	}
	s.trip.DriverID = driverID
	s.trip.Status = StatusAccepted
	s.trip.AcceptedAt = &now
	return nil
}

// Start moves Accepted -> Started.
func (s *State) Start(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.trip.Status {
	case StatusAccepted:
	case StatusStarted:
		return fmt.Errorf("%w: %s", ErrAlreadyInState, StatusStarted)
	default:
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.trip.Status)
	}
	s.trip.Status = StatusStarted
	s.trip.StartedAt = &now
	return nil
}

// Cancel ends a trip that has not started. From Started it applies the
// documented policy instead: the trip completes with OutcomeCancelledEnRoute,
// fared on the estimated distance. The returned snapshot reflects the
// terminal record.
func (s *State) Cancel(reason string, now time.Time) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.trip.Status {
	case StatusRequested, StatusAccepted:
		s.trip.Status = StatusCancelled
		s.trip.CancelReason = reason
		s.trip.CancelledAt = &now
		return s.trip, nil
	case StatusStarted:
		s.completeLocked(s.trip.DistanceEstimateKm, now)
		s.trip.Outcome = OutcomeCancelledEnRoute
		s.trip.CancelReason = reason
		return s.trip, nil
	case StatusCancelled:
		return s.trip, fmt.Errorf("%w: %s", ErrAlreadyInState, StatusCancelled)
	default:
		return s.trip, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, s.trip.Status)
	}
}

// Complete moves Started -> Completed, finalizing fare and distance. Pass a
// negative finalDistanceKm to fall back to the estimate.
func (s *State) Complete(finalDistanceKm float64, now time.Time) (Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.trip.Status {
	case StatusStarted:
	case StatusCompleted:
		return s.trip, fmt.Errorf("%w: %s", ErrAlreadyInState, StatusCompleted)
	default:
		return s.trip, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, s.trip.Status)
	}
	if finalDistanceKm < 0 {
		finalDistanceKm = s.trip.DistanceEstimateKm
	}
	s.completeLocked(finalDistanceKm, now)
	return s.trip, nil
}

func (s *State) completeLocked(finalDistanceKm float64, now time.Time) {
	s.trip.Status = StatusCompleted
	s.trip.Outcome = OutcomeCompleted
	s.trip.FinalDistanceKm = finalDistanceKm
	s.trip.FinalFare = s.fares.Fare(finalDistanceKm)
	s.trip.CompletedAt = &now
}

package trip

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

func newTestState() *State {
	return NewState("t1", "r1", models.Coord{}, models.Coord{Lat: 0, Lon: 0.1}, 11.1, DefaultFarePolicy(), time.Now())
}

func TestFareFormula(t *testing.T) {
	p := DefaultFarePolicy()
	if got := p.Fare(0); got != 5.0 {
		t.Fatalf("zero distance: expected minimum fare 5.0, got %f", got)
	}
	if got := p.Fare(10); math.Abs(got-20.5) > 1e-9 {
		t.Fatalf("10 km: expected 20.5, got %f", got)
	}
}

func TestHappyPath(t *testing.T) {
	s := newTestState()
	now := time.Now()
	if s.View().Status != StatusRequested {
		t.Fatal("new trip must start Requested")
	}
	if err := s.Accept("d1", now); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := s.Start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := s.Complete(12.0, now)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.Outcome != OutcomeCompleted {
		t.Fatalf("unexpected terminal state: %+v", done)
	}
	if done.DriverID != "d1" || done.AcceptedAt == nil || done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("missing driver or timestamps: %+v", done)
	}
	if done.CancelledAt != nil {
		t.Fatal("completed trip must not carry a cancellation timestamp")
	}
	if math.Abs(done.FinalFare-(2.5+1.8*12)) > 1e-9 {
		t.Fatalf("final fare: got %f", done.FinalFare)
	}
}

func TestStartBeforeAcceptIsInvalid(t *testing.T) {
	s := newTestState()
	if err := s.Start(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAcceptRequiresDriver(t *testing.T) {
	s := newTestState()
	if err := s.Accept("", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestDuplicateTransitionsAreRejected(t *testing.T) {
	s := newTestState()
	now := time.Now()
	if err := s.Accept("d1", now); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept("d2", now); !errors.Is(err, ErrAlreadyInState) {
		t.Fatalf("second accept: expected ErrAlreadyInState, got %v", err)
	}
	if s.View().DriverID != "d1" {
		t.Fatal("losing accept must not overwrite the bound driver")
	}
	if err := s.Start(now); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(now); !errors.Is(err, ErrAlreadyInState) {
		t.Fatalf("second start: expected ErrAlreadyInState, got %v", err)
	}
}

func TestCancelTwiceKeepsSingleTimestamp(t *testing.T) {
	s := newTestState()
	now := time.Now()
	first, err := s.Cancel(CancelReasonRider, now)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.Status != StatusCancelled || first.CancelledAt == nil {
		t.Fatalf("unexpected state after cancel: %+v", first)
	}
	second, err := s.Cancel(CancelReasonRider, now.Add(time.Second))
	if !errors.Is(err, ErrAlreadyInState) {
		t.Fatalf("expected ErrAlreadyInState, got %v", err)
	}
	if !second.CancelledAt.Equal(*first.CancelledAt) {
		t.Fatal("cancellation timestamp must be stamped exactly once")
	}
	if second.CompletedAt != nil {
		t.Fatal("cancelled trip must not carry a completion timestamp")
	}
}

func TestCancelAfterStartCompletesWithFlag(t *testing.T) {
	s := newTestState()
	now := time.Now()
	s.Accept("d1", now)
	s.Start(now)
	done, err := s.Cancel(CancelReasonRider, now)
	if err != nil {
		t.Fatalf("cancel underway: %v", err)
	}
	if done.Status != StatusCompleted || done.Outcome != OutcomeCancelledEnRoute {
		t.Fatalf("expected completed with en-route flag, got %+v", done)
	}
	if done.CancelledAt != nil || done.CompletedAt == nil {
		t.Fatal("en-route cancellation settles as a completion")
	}
	if done.FinalDistanceKm != done.DistanceEstimateKm {
		t.Fatal("en-route cancellation fares the estimated distance")
	}
}

func TestCompleteFallsBackToEstimate(t *testing.T) {
	s := newTestState()
	now := time.Now()
	s.Accept("d1", now)
	s.Start(now)
	done, err := s.Complete(-1, now)
	if err != nil {
		t.Fatal(err)
	}
	if done.FinalDistanceKm != 11.1 {
		t.Fatalf("expected estimate fallback, got %f", done.FinalDistanceKm)
	}
}

func TestCompleteFromRequestedIsInvalid(t *testing.T) {
	s := newTestState()
	if _, err := s.Complete(5, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

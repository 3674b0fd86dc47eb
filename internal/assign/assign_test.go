package assign

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/trip"
)

type fakeAvail struct {
	mu       sync.Mutex
	assigned map[string]bool
	offline  map[string]bool
}

func newFakeAvail() *fakeAvail {
	return &fakeAvail{assigned: make(map[string]bool), offline: make(map[string]bool)}
}

func (f *fakeAvail) Reserve(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[id] || f.assigned[id] {
		return false
	}
	f.assigned[id] = true
	return true
}

func (f *fakeAvail) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.assigned, id)
}

func newRequested(id string) *trip.State {
	return trip.NewState(id, "r1", models.Coord{}, models.Coord{Lat: 0.1}, 1, trip.DefaultFarePolicy(), time.Now())
}

func TestConcurrentTryAssignExactlyOneWinner(t *testing.T) {
	avail := newFakeAvail()
	c := NewCoordinator(avail)
	st := newRequested("t1")

	const n = 32
	drivers := make([]string, n)
	for i := range drivers {
		drivers[i] = fmt.Sprintf("d%d", i)
	}
	done, err := c.OpenOffer(st, drivers, time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.TryAssign("t1", drivers[i])
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrAlreadyAssigned):
		default:
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one winner, got %d", accepted)
	}

	winner := <-done
	got := st.View()
	if got.Status != trip.StatusAccepted || got.DriverID != winner {
		t.Fatalf("trip state disagrees with winner %q: %+v", winner, got)
	}
	if !avail.assigned[winner] {
		t.Fatal("winner must hold the availability reservation")
	}
	if len(avail.assigned) != 1 {
		t.Fatalf("losers must not keep reservations: %v", avail.assigned)
	}
}

func TestTryAssignUnknownTrip(t *testing.T) {
	c := NewCoordinator(newFakeAvail())
	if err := c.TryAssign("nope", "d1"); !errors.Is(err, ErrTripNotOfferable) {
		t.Fatalf("expected ErrTripNotOfferable, got %v", err)
	}
}

func TestTryAssignUnofferedDriver(t *testing.T) {
	c := NewCoordinator(newFakeAvail())
	st := newRequested("t1")
	if _, err := c.OpenOffer(st, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := c.TryAssign("t1", "gatecrasher"); !errors.Is(err, ErrTripNotOfferable) {
		t.Fatalf("expected ErrTripNotOfferable, got %v", err)
	}
}

func TestTryAssignAfterExpiry(t *testing.T) {
	c := NewCoordinator(newFakeAvail())
	st := newRequested("t1")
	if _, err := c.OpenOffer(st, []string{"d1"}, -time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.TryAssign("t1", "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
}

func TestTryAssignExpiredRound(t *testing.T) {
	c := NewCoordinator(newFakeAvail())
	st := newRequested("t1")
	if _, err := c.OpenOffer(st, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	c.Expire("t1")
	if err := c.TryAssign("t1", "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
}

func TestTryAssignUnavailableDriver(t *testing.T) {
	avail := newFakeAvail()
	avail.offline["d1"] = true
	c := NewCoordinator(avail)
	st := newRequested("t1")
	if _, err := c.OpenOffer(st, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := c.TryAssign("t1", "d1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
}

func TestSameDriverRacingTwoTrips(t *testing.T) {
	avail := newFakeAvail()
	c := NewCoordinator(avail)
	st1 := newRequested("t1")
	st2 := newRequested("t2")
	if _, err := c.OpenOffer(st1, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.OpenOffer(st2, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(i int, tripID string) {
			defer wg.Done()
			errs[i] = c.TryAssign(tripID, "d1")
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrDriverUnavailable) {
			t.Fatalf("unexpected rejection: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("driver must win at most one trip, got %d", wins)
	}
}

func TestCancelledTripRejectsAcceptance(t *testing.T) {
	avail := newFakeAvail()
	c := NewCoordinator(avail)
	st := newRequested("t1")
	if _, err := c.OpenOffer(st, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Cancel(trip.CancelReasonRider, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := c.TryAssign("t1", "d1"); !errors.Is(err, ErrTripNotOfferable) {
		t.Fatalf("expected ErrTripNotOfferable, got %v", err)
	}
	if len(avail.assigned) != 0 {
		t.Fatal("failed assignment must release the reservation")
	}
}

func TestCloseDiscardsOffer(t *testing.T) {
	c := NewCoordinator(newFakeAvail())
	st := newRequested("t1")
	if _, err := c.OpenOffer(st, []string{"d1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	c.Close("t1")
	if err := c.TryAssign("t1", "d1"); !errors.Is(err, ErrTripNotOfferable) {
		t.Fatalf("expected ErrTripNotOfferable, got %v", err)
	}
}

// Package assign resolves the race between concurrent trip-acceptance
// attempts. An offer is fanned out to several drivers at once; at most one
// TryAssign call per trip commits, every other caller gets a typed
// rejection. This is the serialization boundary for trip assignment: never
// check-then-act on trip status outside it.
package assign

import (
	"errors"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/trip"
)

var (
	ErrAlreadyAssigned   = errors.New("trip already assigned")
	ErrTripNotOfferable  = errors.New("trip not offerable")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrOfferExpired      = errors.New("offer expired")
)

// Availability is the slice of driver state the coordinator needs.
// Reserve atomically moves a driver from available to assigned and reports
// whether it succeeded; Release undoes a reservation.
type Availability interface {
	Reserve(driverID string) bool
	Release(driverID string)
}

type offerEntry struct {
	mu        sync.Mutex // serializes assignment attempts for one trip
	state     *trip.State
	drivers   map[string]struct{}
	expiresAt time.Time
	winner    string
	done      chan string
}

// Coordinator tracks the open offer per trip and arbitrates acceptance.
// Competitors for the same trip serialize on that trip's entry; operations
// on unrelated trips never contend beyond the registry map.
type Coordinator struct {
	avail Availability

	mu     sync.Mutex
	offers map[string]*offerEntry
}

func NewCoordinator(avail Availability) *Coordinator {
	return &Coordinator{avail: avail, offers: make(map[string]*offerEntry)}
}

// OpenOffer registers (or refreshes, on a retry round) the offer for a
// trip, returning a channel that yields the winning driver ID. Fails if the
// trip is no longer in the Requested state.
func (c *Coordinator) OpenOffer(st *trip.State, driverIDs []string, window time.Duration) (<-chan string, error) {
	t := st.View()
	if t.Status != trip.StatusRequested {
		return nil, ErrTripNotOfferable
	}
	drivers := make(map[string]struct{}, len(driverIDs))
	for _, id := range driverIDs {
		drivers[id] = struct{}{}
	}

	c.mu.Lock()
	e, ok := c.offers[t.ID]
	if !ok {
		e = &offerEntry{state: st}
		c.offers[t.ID] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.winner != "" {
		return nil, ErrAlreadyAssigned
	}
	e.drivers = drivers
	e.expiresAt = time.Now().Add(window)
	e.done = make(chan string, 1)
	return e.done, nil
}

// TryAssign resolves one acceptance attempt. On success the driver is
// reserved, the trip transitions to Accepted and the offer channel yields
// the winner; the reservation and the transition are not observably
// interleaved with a competing attempt for the same trip or driver.
func (c *Coordinator) TryAssign(tripID, driverID string) error {
	c.mu.Lock()
	e, ok := c.offers[tripID]
	c.mu.Unlock()
	if !ok {
		return ErrTripNotOfferable
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.winner != "" {
		return ErrAlreadyAssigned
	}
	if e.done == nil || time.Now().After(e.expiresAt) {
		return ErrOfferExpired
	}
	if _, offered := e.drivers[driverID]; !offered {
		return ErrTripNotOfferable
	}
	if !c.avail.Reserve(driverID) {
		return ErrDriverUnavailable
	}
	if err := e.state.Accept(driverID, time.Now()); err != nil {
		// the trip left Requested behind our back (e.g. rider cancel)
		c.avail.Release(driverID)
		return ErrTripNotOfferable
	}
	e.winner = driverID
	e.done <- driverID
	return nil
}

// Expire invalidates the current offer round without discarding the entry;
// a later round may reopen it. Late acceptances get ErrOfferExpired.
func (c *Coordinator) Expire(tripID string) {
	c.mu.Lock()
	e, ok := c.offers[tripID]
	c.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.winner == "" {
		e.done = nil
	}
	e.mu.Unlock()
}

// Close discards the offer entry entirely, once the trip has left the
// matching phase. Subsequent TryAssign calls get ErrTripNotOfferable.
func (c *Coordinator) Close(tripID string) {
	c.mu.Lock()
	delete(c.offers, tripID)
	c.mu.Unlock()
}

// Winner reports the driver bound to a trip by a past TryAssign, if any.
func (c *Coordinator) Winner(tripID string) (string, bool) {
	c.mu.Lock()
	e, ok := c.offers[tripID]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winner, e.winner != ""
}

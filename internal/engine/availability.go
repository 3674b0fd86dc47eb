package engine

import "sync"

type AvailabilityState string

const (
	StateOffline   AvailabilityState = "OFFLINE"
	StateAvailable AvailabilityState = "ONLINE_AVAILABLE"
	StateAssigned  AvailabilityState = "ONLINE_ASSIGNED"
)

// availabilityRegistry owns per-driver availability. All checks and
// transitions happen under one short-lived lock, so an assignment
// reservation can never interleave with a competing reservation or an
// offline transition for the same driver.
type availabilityRegistry struct {
	mu      sync.Mutex
	drivers map[string]*driverEntry
}

type driverEntry struct {
	state  AvailabilityState
	rating float64
}

func newAvailabilityRegistry() *availabilityRegistry {
	return &availabilityRegistry{drivers: make(map[string]*driverEntry)}
}

// SetOnline marks a driver available and records their rating. A driver
// with an active assignment stays assigned. Reports whether the driver was
// offline before the call.
func (r *availabilityRegistry) SetOnline(driverID string, rating float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok {
		r.drivers[driverID] = &driverEntry{state: StateAvailable, rating: rating}
		return true
	}
	wasOffline := e.state == StateOffline
	e.rating = rating
	if e.state != StateAssigned {
		e.state = StateAvailable
	}
	return wasOffline
}

// SetOffline reports whether the driver was online before the call.
func (r *availabilityRegistry) SetOffline(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok || e.state == StateOffline {
		return false
	}
	e.state = StateOffline
	return true
}

// Reserve atomically moves an available driver to assigned.
func (r *availabilityRegistry) Reserve(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drivers[driverID]
	if !ok || e.state != StateAvailable {
		return false
	}
	e.state = StateAssigned
	return true
}

// Release returns an assigned driver to the available pool. A driver who
// went offline mid-trip stays offline.
func (r *availabilityRegistry) Release(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.drivers[driverID]; ok && e.state == StateAssigned {
		e.state = StateAvailable
	}
}

func (r *availabilityRegistry) State(driverID string) AvailabilityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.drivers[driverID]; ok {
		return e.state
	}
	return StateOffline
}

func (r *availabilityRegistry) IsAvailable(driverID string) bool {
	return r.State(driverID) == StateAvailable
}

func (r *availabilityRegistry) Rating(driverID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.drivers[driverID]; ok {
		return e.rating
	}
	return 0
}

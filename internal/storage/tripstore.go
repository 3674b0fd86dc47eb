package storage

import (
	"sync"

	"github.com/example/dispatch-engine/internal/trip"
)

// TripStore is the persistent-store boundary: the engine appends a trip
// snapshot on every state transition and never reads history back.
type TripStore interface {
	Persist(t trip.Trip) error
}

// MemoryStore keeps appended snapshots in memory for local runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]trip.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]trip.Trip)}
}

func (m *MemoryStore) Persist(t trip.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[t.ID] = append(m.snapshots[t.ID], t)
	return nil
}

// Latest returns the most recent snapshot for a trip.
func (m *MemoryStore) Latest(id string) (trip.Trip, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshots[id]
	if len(s) == 0 {
		return trip.Trip{}, false
	}
	return s[len(s)-1], true
}

// History returns every snapshot appended for a trip, oldest first.
func (m *MemoryStore) History(id string) []trip.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]trip.Trip, len(m.snapshots[id]))
	copy(out, m.snapshots[id])
	return out
}

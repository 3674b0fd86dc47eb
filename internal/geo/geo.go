package geo

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

// EarthRadiusKm is the mean Earth radius used for haversine distances.
const EarthRadiusKm = 6371.0

const DefaultFreshness = 5 * time.Minute

var ErrInvalidCoordinate = errors.New("invalid coordinate")

func ValidateCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// AvailabilityFunc reports whether a driver may be returned as a match
// candidate. The engine wires its availability registry in here; the index
// itself never caches availability.
type AvailabilityFunc func(driverID string) bool

type record struct {
	pos    models.DriverPosition
	rating float64
}

type cell struct {
	mu      sync.RWMutex
	drivers map[string]record
}

// Index is the live driver-position index, sharded into geohash cells.
// The outer lock guards only the cell topology and the driver->cell map;
// scans take per-cell read locks, so a query never blocks writes to cells
// outside the search region.
type Index struct {
	precision int
	freshness time.Duration
	available AvailabilityFunc

	mu       sync.RWMutex
	cells    map[string]*cell
	byDriver map[string]string // driverID -> cell hash
}

func NewIndex(freshness time.Duration, available AvailabilityFunc) *Index {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if available == nil {
		available = func(string) bool { return true }
	}
	return &Index{
		precision: 5,
		freshness: freshness,
		available: available,
		cells:     make(map[string]*cell),
		byDriver:  make(map[string]string),
	}
}

// Upsert replaces the stored position for the driver. Coordinates outside
// the valid lat/lon range are rejected.
func (x *Index) Upsert(pos models.DriverPosition, rating float64) error {
	if err := ValidateCoord(pos.Loc); err != nil {
		return err
	}
	if pos.ObservedAt.IsZero() {
		pos.ObservedAt = time.Now()
	}
	h := Encode(pos.Loc.Lat, pos.Loc.Lon, x.precision)

	x.mu.Lock()
	if prev, ok := x.byDriver[pos.DriverID]; ok && prev != h {
		x.evictLocked(prev, pos.DriverID)
	}
	c, ok := x.cells[h]
	if !ok {
		c = &cell{drivers: make(map[string]record)}
		x.cells[h] = c
	}
	x.byDriver[pos.DriverID] = h
	c.mu.Lock()
	c.drivers[pos.DriverID] = record{pos: pos, rating: rating}
	c.mu.Unlock()
	x.mu.Unlock()
	return nil
}

// Remove evicts a driver from the index. Removing an absent driver is a no-op.
func (x *Index) Remove(driverID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	h, ok := x.byDriver[driverID]
	if !ok {
		return
	}
	delete(x.byDriver, driverID)
	x.evictLocked(h, driverID)
}

// evictLocked removes a driver from a cell and drops the cell when it
// empties. Caller holds x.mu.
func (x *Index) evictLocked(hash, driverID string) {
	c, ok := x.cells[hash]
	if !ok {
		return
	}
	c.mu.Lock()
	delete(c.drivers, driverID)
	empty := len(c.drivers) == 0
	c.mu.Unlock()
	if empty {
		delete(x.cells, hash)
	}
}

// Position returns the stored position for a driver, fresh or not.
func (x *Index) Position(driverID string) (models.DriverPosition, bool) {
	x.mu.RLock()
	h, ok := x.byDriver[driverID]
	var c *cell
	if ok {
		c = x.cells[h]
	}
	x.mu.RUnlock()
	if c == nil {
		return models.DriverPosition{}, false
	}
	c.mu.RLock()
	rec, ok := c.drivers[driverID]
	c.mu.RUnlock()
	return rec.pos, ok
}

// QueryNear returns up to limit available drivers within radiusKm of p,
// ordered by ascending distance. Ties break by rating descending, then
// driver ID ascending. Stale entries are skipped and lazily evicted.
func (x *Index) QueryNear(p models.Coord, radiusKm float64, limit int) []models.Candidate {
	if limit <= 0 || radiusKm <= 0 {
		return nil
	}
	now := time.Now()
	hashes := cellsCovering(p, radiusKm, x.precision)

	x.mu.RLock()
	scan := make([]*cell, 0, len(hashes))
	for _, h := range hashes {
		if c, ok := x.cells[h]; ok {
			scan = append(scan, c)
		}
	}
	x.mu.RUnlock()

	var out []models.Candidate
	var stale []string
	for _, c := range scan {
		c.mu.RLock()
		for id, rec := range c.drivers {
			if now.Sub(rec.pos.ObservedAt) > x.freshness {
				stale = append(stale, id)
				continue
			}
			if !x.available(id) {
				continue
			}
			d := HaversineKm(p, rec.pos.Loc)
			if d > radiusKm {
				continue
			}
			out = append(out, models.Candidate{
				DriverID:   id,
				Loc:        rec.pos.Loc,
				Rating:     rec.rating,
				DistanceKm: d,
			})
		}
		c.mu.RUnlock()
	}
	for _, id := range stale {
		x.removeIfStale(id, now)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].DriverID < out[j].DriverID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// removeIfStale evicts a driver only if their position is still older than
// the freshness window; a concurrent Upsert wins.
func (x *Index) removeIfStale(driverID string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	h, ok := x.byDriver[driverID]
	if !ok {
		return
	}
	c, ok := x.cells[h]
	if !ok {
		return
	}
	c.mu.RLock()
	rec, ok := c.drivers[driverID]
	c.mu.RUnlock()
	if !ok || now.Sub(rec.pos.ObservedAt) <= x.freshness {
		return
	}
	delete(x.byDriver, driverID)
	x.evictLocked(h, driverID)
}

// Reap evicts every stale entry and returns the eviction count. Intended
// for a low-priority periodic sweep; queries do not depend on it.
func (x *Index) Reap() int {
	now := time.Now()
	x.mu.RLock()
	ids := make([]string, 0, len(x.byDriver))
	for id := range x.byDriver {
		ids = append(ids, id)
	}
	x.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if pos, ok := x.Position(id); ok && now.Sub(pos.ObservedAt) > x.freshness {
			x.removeIfStale(id, now)
			n++
		}
	}
	return n
}

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

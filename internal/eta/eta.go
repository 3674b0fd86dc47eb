// Package eta derives distance and arrival estimates from a simplified
// kinematic model: haversine distance at a configurable average speed.
// Estimates are recomputed on every fresh position report; the latest value
// simply supersedes the previous one.
package eta

import (
	"math"
	"time"

	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/models"
)

// DefaultSpeedKmh approximates urban driving conditions.
const DefaultSpeedKmh = 25.0

type Estimate struct {
	DistanceKm float64   `json:"distance_km"`
	ETAMinutes int       `json:"eta_minutes"`
	ArrivalAt  time.Time `json:"arrival_at"`
}

type Estimator struct {
	AvgSpeedKmh float64
}

// Estimate computes distance, whole-minute ETA (rounded up) and the
// projected arrival time from now.
func (e Estimator) Estimate(from, to models.Coord) Estimate {
	speed := e.AvgSpeedKmh
	if speed <= 0 {
		speed = DefaultSpeedKmh
	}
	d := geo.HaversineKm(from, to)
	minutes := int(math.Ceil(d / speed * 60))
	return Estimate{
		DistanceKm: d,
		ETAMinutes: minutes,
		ArrivalAt:  time.Now().Add(time.Duration(minutes) * time.Minute),
	}
}

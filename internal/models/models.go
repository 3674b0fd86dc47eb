package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverPosition is the last-known position report for a driver. It is
// overwritten by each new report from the same driver and treated as stale
// once its age exceeds the configured freshness window.
type DriverPosition struct {
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	SpeedKmh   float64   `json:"speed_kmh,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Candidate is a query-result snapshot of a matchable driver. DistanceKm is
// measured from the query point at the moment of the query.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	Loc        Coord   `json:"loc"`
	Rating     float64 `json:"rating"` // 0..5
	DistanceKm float64 `json:"distance_km"`
}

type TripRequest struct {
	RiderID     string `json:"rider_id"`
	Pickup      Coord  `json:"pickup"`
	Destination Coord  `json:"destination"`
}
